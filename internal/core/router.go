package core

import (
	"encoding/binary"
	"time"

	"zigbee-gateway/internal/radio"
)

// handleIndication demultiplexes one inbound frame. Caller holds c.mu.
func (c *Core) handleIndication(ind radio.Indication) {
	c.markSeen(ind.Src)

	if ind.Profile == profileZDP {
		c.handleZDPIndication(ind)
		return
	}

	switch ind.Command {
	case zclCmdReadAttributesRsp:
		if ind.Response {
			c.handleAttributes(ind, true)
			return
		}
	case zclCmdReportAttributes:
		if !ind.Response {
			c.handleAttributes(ind, false)
			return
		}
	}

	switch ind.Cluster {
	case clusterGroups:
		c.handleGroupsIndication(ind)
	case clusterScenes:
		c.handleScenesIndication(ind)
	case clusterCommissioning:
		c.handleCommissioningIndication(ind)
	case clusterOnOff, clusterLevel:
		c.handleSwitchCommand(ind)
	}
}

// markSeen refreshes availability bookkeeping for the frame's source.
func (c *Core) markSeen(src radio.Address) {
	if src.Mode != radio.AddressModeExt {
		return
	}
	now := time.Now()
	delete(c.zombies, src.Ext)

	for _, l := range c.lights {
		if l.ExtAddress != src.Ext || l.State == StateDeleted {
			continue
		}
		l.LastSeen = now
		if !l.Available {
			l.Available = true
			updateEtag(&l.Etag)
			c.bus.Emit(Event{Type: EventLightState, ID: l.ID, Data: lightStateData(l)})
		}
	}
	for _, s := range c.sensors {
		if s.ExtAddress != src.Ext || s.State == StateDeleted {
			continue
		}
		s.LastSeen = now
		s.Available = true
	}
	c.queueSaveLightsLong()
}

func (c *Core) handleZDPIndication(ind radio.Indication) {
	switch ind.Cluster {
	case zdpBindRsp, zdpUnbindRsp:
		c.handleBindingResponse(ind.Cluster, ind.Payload)
	case zdpMgmtBindRsp:
		c.handleMgmtBindResponse(ind.Src, ind.Payload)
	case zdpDeviceAnnce:
		c.handleDeviceAnnounce(ind)
	}
}

// handleDeviceAnnounce re-arms reads for a node that rejoined. Sleepy
// devices announce right after a power cycle, the short window when
// they still listen.
func (c *Core) handleDeviceAnnounce(ind radio.Indication) {
	// seq, nwk address u16, ext address u64, capability u8
	if len(ind.Payload) < 11 {
		return
	}
	ext := binary.LittleEndian.Uint64(ind.Payload[3:11])
	delete(c.zombies, ext)

	now := time.Now()
	for _, l := range c.lights {
		if l.ExtAddress != ext || l.State == StateDeleted {
			continue
		}
		l.Available = true
		l.enableRead(readOnOff | readLevel | readColor | readGroups)
		l.nextReadTime = now.Add(readDelayShort)
	}
	for _, s := range c.sensors {
		if s.ExtAddress != ext || s.State == StateDeleted {
			continue
		}
		s.Available = true
		if s.Fingerprint.HasInCluster(clusterCommissioning) {
			s.enableRead(readGroupIdentifiers)
			s.nextReadTime = now.Add(readDelayShort)
		}
	}
	c.logger.Info("device announce", "ext", c.hexAddr(ext))
	c.bus.Emit(Event{Type: EventDeviceFound, ID: c.hexAddr(ext)})
}

func (c *Core) handleGroupsIndication(ind radio.Indication) {
	if !ind.Response {
		return
	}
	l := c.lightByAddress(ind.Src, ind.SrcEndpoint)
	if l == nil {
		return
	}
	switch ind.Command {
	case 0x02: // get group membership response
		p := ind.Payload
		if len(p) < 2 {
			return
		}
		capacity, count := p[0], int(p[1])
		p = p[2:]
		if len(p) < count*2 {
			return
		}
		groups := make([]uint16, 0, count)
		for i := 0; i < count; i++ {
			groups = append(groups, binary.LittleEndian.Uint16(p[i*2:]))
		}
		c.reconcileGroupMembership(l, capacity, groups)
	case 0x00, 0x03: // add / remove group response
		if len(ind.Payload) < 3 || ind.Payload[0] != 0x00 {
			return
		}
		gi := l.groupInfo(binary.LittleEndian.Uint16(ind.Payload[1:3]))
		if gi == nil {
			return
		}
		if ind.Command == 0x00 {
			gi.Actions &^= ActionAddToGroup
			gi.State = GroupStateInGroup
		} else {
			gi.Actions &^= ActionRemoveFromGroup
			gi.State = GroupStateNotInGroup
		}
	}
}

func (c *Core) handleScenesIndication(ind radio.Indication) {
	if !ind.Response {
		return
	}
	l := c.lightByAddress(ind.Src, ind.SrcEndpoint)
	if l == nil {
		return
	}
	p := ind.Payload

	switch ind.Command {
	case 0x06: // get scene membership response
		if len(p) < 4 {
			return
		}
		status, capacity := p[0], p[1]
		groupAddr := binary.LittleEndian.Uint16(p[2:4])
		if status != 0x00 {
			return
		}
		var scenes []uint8
		if len(p) >= 5 {
			count := int(p[4])
			if len(p) >= 5+count {
				scenes = p[5 : 5+count]
			}
		}
		c.reconcileSceneMembership(l, groupAddr, capacity, scenes)
	case 0x04: // store scene response
		if len(p) < 4 || p[0] != 0x00 {
			return
		}
		g := c.groupByAddress(binary.LittleEndian.Uint16(p[1:3]))
		if g == nil {
			return
		}
		if s := g.sceneByID(p[3]); s != nil && s.State != StateDeleted {
			c.captureSceneState(g, s, l)
			c.queueSaveGroups()
		}
	case 0x02: // remove scene response
		if len(p) < 4 || p[0] != 0x00 {
			return
		}
		if gi := l.groupInfo(binary.LittleEndian.Uint16(p[1:3])); gi != nil {
			gi.RemoveScenes = removeSceneID(gi.RemoveScenes, p[3])
		}
	}
}

// handleCommissioningIndication processes a get group identifiers
// response from a switch: the groups the switch casts into.
func (c *Core) handleCommissioningIndication(ind radio.Indication) {
	if ind.Command != 0x41 || !ind.Response {
		return
	}
	s := c.sensorByAddress(ind.Src, ind.SrcEndpoint)
	if s == nil {
		return
	}
	p := ind.Payload
	if len(p) < 3 {
		return
	}
	count := int(p[2])
	p = p[3:]

	for i := 0; i < count && len(p) >= 3; i++ {
		groupAddr := binary.LittleEndian.Uint16(p[0:2])
		p = p[3:]

		g := c.groupByAddress(groupAddr)
		if g == nil {
			// adopt the switch's own group so its casts have a home
			g = &Group{
				ID:      groupIDFromAddress(groupAddr),
				Address: groupAddr,
				Name:    s.Name,
			}
			updateEtag(&g.Etag)
			c.groups = append(c.groups, g)
		}
		member := false
		for _, id := range g.DeviceMemberships {
			if id == s.ID {
				member = true
				break
			}
		}
		if !member {
			g.DeviceMemberships = append(g.DeviceMemberships, s.ID)
			updateEtag(&g.Etag)
		}
	}
	c.queueSaveGroups()
}

// handleSwitchCommand maps a cluster command from a bound switch into a
// button event and runs the matching rules. The event encodes the
// source endpoint in the thousands and the command in the ones.
func (c *Core) handleSwitchCommand(ind radio.Indication) {
	if ind.Response {
		return
	}
	s := c.sensorByAddress(ind.Src, ind.SrcEndpoint)
	if s == nil {
		return
	}
	event := int(ind.SrcEndpoint)*1000 + int(ind.Command)
	c.handleButtonEvent(s, event)
}

// handleAttributes walks the records of a read response or report and
// folds the values into the cached node state.
func (c *Core) handleAttributes(ind radio.Indication, withStatus bool) {
	p := ind.Payload
	for len(p) >= 2 {
		attr := binary.LittleEndian.Uint16(p[0:2])
		p = p[2:]

		if withStatus {
			if len(p) < 1 {
				return
			}
			status := p[0]
			p = p[1:]
			if status != 0x00 {
				continue
			}
		}
		if len(p) < 1 {
			return
		}
		dataType := p[0]
		p = p[1:]

		value, rest, ok := decodeAttributeValue(dataType, p)
		if !ok {
			return
		}
		p = rest
		c.applyAttribute(ind, attr, value)
	}
}

// attributeValue is one decoded ZCL attribute.
type attributeValue struct {
	num uint64
	str string
}

func decodeAttributeValue(dataType uint8, p []byte) (attributeValue, []byte, bool) {
	var v attributeValue
	size := 0
	switch dataType {
	case 0x10, 0x18, 0x20, 0x28, 0x30: // bool, map8, uint8, int8, enum8
		size = 1
	case 0x19, 0x21, 0x29, 0x31: // map16, uint16, int16, enum16
		size = 2
	case 0x22, 0x2A: // uint24, int24
		size = 3
	case 0x23, 0x2B: // uint32, int32
		size = 4
	case 0x42, 0x41: // character / octet string
		if len(p) < 1 {
			return v, nil, false
		}
		n := int(p[0])
		if len(p) < 1+n {
			return v, nil, false
		}
		v.str = string(p[1 : 1+n])
		return v, p[1+n:], true
	default:
		return v, nil, false
	}
	if len(p) < size {
		return v, nil, false
	}
	for i := 0; i < size; i++ {
		v.num |= uint64(p[i]) << (8 * i)
	}
	return v, p[size:], true
}

func (c *Core) applyAttribute(ind radio.Indication, attr uint16, v attributeValue) {
	if l := c.lightByAddress(ind.Src, ind.SrcEndpoint); l != nil {
		c.applyLightAttribute(l, ind.Cluster, attr, v)
	}
	if s := c.sensorByAddress(ind.Src, ind.SrcEndpoint); s != nil {
		c.applySensorAttribute(s, ind.Cluster, attr, v)
	}
}

func (c *Core) applyLightAttribute(l *LightNode, cluster, attr uint16, v attributeValue) {
	changed := false
	switch cluster {
	case clusterBasic:
		switch attr {
		case attrManufacturer:
			changed = l.Manufacturer != v.str
			l.Manufacturer = v.str
		case attrModelID:
			changed = l.ModelID != v.str
			l.ModelID = v.str
		case attrSWBuildID:
			changed = l.SWBuildID != v.str
			l.SWBuildID = v.str
		}
	case clusterOnOff:
		if attr == 0x0000 {
			on := v.num != 0
			changed = l.On != on
			l.On = on
		}
	case clusterLevel:
		if attr == 0x0000 {
			lv := uint8(v.num)
			changed = l.Level != lv
			l.Level = lv
		}
	case clusterColor:
		switch attr {
		case 0x0000: // current hue, 8 bit
			h := uint16(v.num) * 257
			changed = l.Hue != h
			l.Hue = h
		case 0x0001:
			sat := uint8(v.num)
			changed = l.Sat != sat
			l.Sat = sat
		case 0x0003:
			x := uint16(v.num)
			changed = l.X != x
			l.X = x
		case 0x0004:
			y := uint16(v.num)
			changed = l.Y != y
			l.Y = y
		case 0x0007:
			ct := uint16(v.num)
			changed = l.ColorTemp != ct
			l.ColorTemp = ct
		case 0x4000: // enhanced current hue
			h := uint16(v.num)
			changed = l.Hue != h
			l.Hue = h
		case 0x4002:
			active := v.num != 0
			changed = l.ColorLoopActive != active
			l.ColorLoopActive = active
		}
	}
	if changed {
		updateEtag(&l.Etag)
		c.bus.Emit(Event{Type: EventLightState, ID: l.ID, Data: lightStateData(l)})
		c.queueSaveLights()
	}
}

func (c *Core) applySensorAttribute(s *Sensor, cluster, attr uint16, v attributeValue) {
	now := time.Now()
	switch cluster {
	case clusterBasic:
		switch attr {
		case attrManufacturer:
			s.Manufacturer = v.str
		case attrModelID:
			s.ModelID = v.str
		case attrSWBuildID:
			s.SWBuildID = v.str
		default:
			return
		}
		updateEtag(&s.Etag)
		c.queueSaveSensors()
	case clusterIlluminance:
		if attr != 0x0000 {
			return
		}
		s.Value.Lux = uint32(v.num)
		s.Value.LuxTime = now
		s.Value.LastUpdated = now
		updateEtag(&s.Etag)
		c.bus.Emit(Event{Type: EventSensorState, ID: s.ID, Data: map[string]any{"lux": s.Value.Lux}})
	case clusterOccupancy:
		switch attr {
		case 0x0000:
			presence := v.num&0x01 != 0
			if s.Value.Presence != presence {
				s.Value.Presence = presence
				s.Value.LastUpdated = now
				updateEtag(&s.Etag)
				c.bus.Emit(Event{Type: EventSensorState, ID: s.ID, Data: map[string]any{"presence": presence}})
			}
		case 0x0010:
			if !s.mustRead(writeOccupancyConfig) {
				s.Config.Duration = int(v.num)
			}
		}
	}
}
