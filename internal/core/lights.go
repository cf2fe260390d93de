package core

import (
	"fmt"
	"time"

	"zigbee-gateway/internal/radio"
	"zigbee-gateway/internal/store"
)

func (c *Core) lightByID(id string) *LightNode {
	for _, l := range c.lights {
		if l.ID == id && l.State != StateDeleted {
			return l
		}
	}
	return nil
}

func (c *Core) lightByAddress(addr radio.Address, endpoint uint8) *LightNode {
	if addr.Mode != radio.AddressModeExt {
		return nil
	}
	for _, l := range c.lights {
		if l.ExtAddress == addr.Ext && l.Endpoint == endpoint && l.State != StateDeleted {
			return l
		}
	}
	return nil
}

func (c *Core) sensorByID(id string) *Sensor {
	for _, s := range c.sensors {
		if s.ID == id && s.State != StateDeleted {
			return s
		}
	}
	return nil
}

func (c *Core) sensorByAddress(addr radio.Address, endpoint uint8) *Sensor {
	if addr.Mode != radio.AddressModeExt {
		return nil
	}
	for _, s := range c.sensors {
		if s.ExtAddress == addr.Ext && s.Fingerprint.Endpoint == endpoint && s.State != StateDeleted {
			return s
		}
	}
	return nil
}

// SetLightState sends state commands to one light. The cache updates
// when the commands confirm.
func (c *Core) SetLightState(id string, st GroupState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setLightStateLocked(id, st)
}

func (c *Core) setLightStateLocked(id string, st GroupState) error {
	l := c.lightByID(id)
	if l == nil {
		return fmt.Errorf("light %s: %w", id, ErrNotFound)
	}

	if st.On != nil {
		t := newUnicastTask(l, clusterOnOff)
		taskSetOnOff(t, c.nextSeq(), *st.On)
		if err := c.addTask(t); err != nil {
			return err
		}
	}
	if st.Level != nil {
		t := newUnicastTask(l, clusterLevel)
		taskSetLevel(t, c.nextSeq(), *st.Level, true, st.TransitionTime)
		if err := c.addTask(t); err != nil {
			return err
		}
	}
	if st.Hue != nil && st.Sat != nil {
		t := newUnicastTask(l, clusterColor)
		taskSetHueSat(t, c.nextSeq(), *st.Hue, *st.Sat, st.TransitionTime)
		if err := c.addTask(t); err != nil {
			return err
		}
	}
	if st.X != nil && st.Y != nil {
		t := newUnicastTask(l, clusterColor)
		taskSetXYColor(t, c.nextSeq(), *st.X, *st.Y, st.TransitionTime)
		if err := c.addTask(t); err != nil {
			return err
		}
	}
	if st.ColorTemp != nil {
		t := newUnicastTask(l, clusterColor)
		taskSetColorTemperature(t, c.nextSeq(), *st.ColorTemp, st.TransitionTime)
		if err := c.addTask(t); err != nil {
			return err
		}
	}
	if st.ColorLoop != nil {
		t := newUnicastTask(l, clusterColor)
		taskSetColorLoop(t, c.nextSeq(), *st.ColorLoop, 15)
		if err := c.addTask(t); err != nil {
			return err
		}
	}
	return nil
}

// RenameLight sets the user-visible name.
func (c *Core) RenameLight(id, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lightByID(id)
	if l == nil {
		return fmt.Errorf("light %s: %w", id, ErrNotFound)
	}
	l.Name = name
	updateEtag(&l.Etag)
	c.queueSaveLights()
	return nil
}

// DeleteLight marks the light deleted, drops its queued work and scrubs
// it from stored scenes.
func (c *Core) DeleteLight(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lightByID(id)
	if l == nil {
		return fmt.Errorf("light %s: %w", id, ErrNotFound)
	}
	l.State = StateDeleted
	c.purgeTasksForLight(l)
	c.deleteLightFromScenes(id)
	c.queueSaveLights()
	c.bus.Emit(Event{Type: EventDeviceGone, ID: id})
	return nil
}

// SetSensorConfig updates a sensor's configuration. Turning a sensor
// off schedules the removal of rule bindings sourced at it; setting an
// occupancy delay schedules the device-side write.
func (c *Core) SetSensorConfig(id string, cfg SensorConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sensorByID(id)
	if s == nil {
		return fmt.Errorf("sensor %s: %w", id, ErrNotFound)
	}

	onChanged := s.Config.On != cfg.On
	durationChanged := s.Config.Duration != cfg.Duration
	s.Config = cfg
	updateEtag(&s.Etag)

	if onChanged {
		for _, r := range c.rules {
			if r.Status == RuleStatusEnabled && c.ruleUsesSensor(r, id) {
				c.verifyRuleBindings(r)
			}
		}
	}
	if durationChanged && s.Fingerprint.HasInCluster(clusterOccupancy) {
		s.enableRead(writeOccupancyConfig)
		s.nextReadTime = time.Now().Add(readDelayShort)
	}
	c.queueSaveSensors()
	return nil
}

func (c *Core) ruleUsesSensor(r *Rule, sensorID string) bool {
	for _, cond := range r.Conditions {
		if sid, _, ok := sensorStateAddress(cond.Address); ok && sid == sensorID {
			return true
		}
	}
	return false
}

// lightStateData is the event payload for light changes.
func lightStateData(l *LightNode) map[string]any {
	return map[string]any{
		"on":        l.On,
		"bri":       l.Level,
		"hue":       l.Hue,
		"sat":       l.Sat,
		"x":         l.X,
		"y":         l.Y,
		"ct":        l.ColorTemp,
		"colorloop": l.ColorLoopActive,
		"reachable": l.Available,
		"etag":      l.Etag,
	}
}

// sensorStateData is the event payload for sensor changes.
func sensorStateData(s *Sensor) map[string]any {
	return map[string]any{
		"buttonevent": s.Value.ButtonEvent,
		"lux":         s.Value.Lux,
		"presence":    s.Value.Presence,
		"reachable":   s.Available,
		"etag":        s.Etag,
	}
}

// loadLightRecord rebuilds a light from its stored record. Membership
// state comes back as confirmed and is re-checked by the next poll.
func loadLightRecord(rec *store.LightRecord) *LightNode {
	l := &LightNode{
		Endpoint:     rec.Endpoint,
		ProfileID:    rec.ProfileID,
		DeviceID:     rec.DeviceID,
		Manufacturer: rec.Manufacturer,
		ModelID:      rec.ModelID,
		SWBuildID:    rec.SWBuildID,
		On:           rec.On,
		Level:        rec.Level,
		Hue:          rec.Hue,
		Sat:          rec.Sat,
		X:            rec.X,
		Y:            rec.Y,
		ColorTemp:    rec.ColorTemp,
		LastSeen:     rec.LastSeen,
	}
	l.ID = rec.ID
	l.Name = rec.Name
	l.ExtAddress = rec.ExtAddress
	updateEtag(&l.Etag)
	for _, gid := range rec.GroupIDs {
		l.Groups = append(l.Groups, GroupInfo{ID: gid, State: GroupStateInGroup})
	}
	return l
}

func (l *LightNode) record() *store.LightRecord {
	rec := &store.LightRecord{
		ID:           l.ID,
		ExtAddress:   l.ExtAddress,
		Endpoint:     l.Endpoint,
		ProfileID:    l.ProfileID,
		DeviceID:     l.DeviceID,
		Name:         l.Name,
		Manufacturer: l.Manufacturer,
		ModelID:      l.ModelID,
		SWBuildID:    l.SWBuildID,
		On:           l.On,
		Level:        l.Level,
		Hue:          l.Hue,
		Sat:          l.Sat,
		X:            l.X,
		Y:            l.Y,
		ColorTemp:    l.ColorTemp,
		LastSeen:     l.LastSeen,
	}
	for _, gi := range l.Groups {
		if gi.State == GroupStateInGroup {
			rec.GroupIDs = append(rec.GroupIDs, gi.ID)
		}
	}
	return rec
}

// loadSensorRecord rebuilds a sensor from its stored record.
func loadSensorRecord(rec *store.SensorRecord) *Sensor {
	s := &Sensor{
		Type:         rec.Type,
		Manufacturer: rec.Manufacturer,
		ModelID:      rec.ModelID,
		SWBuildID:    rec.SWBuildID,
		Config:       SensorConfig{On: rec.ConfigOn, Duration: rec.Duration},
		LastSeen:     rec.LastSeen,
		Fingerprint: Fingerprint{
			Endpoint:    rec.Endpoint,
			Profile:     rec.Profile,
			Device:      rec.Device,
			InClusters:  rec.InClusters,
			OutClusters: rec.OutClusters,
		},
	}
	s.ID = rec.ID
	s.Name = rec.Name
	s.ExtAddress = rec.ExtAddress
	updateEtag(&s.Etag)
	return s
}

func (s *Sensor) record() *store.SensorRecord {
	return &store.SensorRecord{
		ID:           s.ID,
		ExtAddress:   s.ExtAddress,
		Endpoint:     s.Fingerprint.Endpoint,
		Profile:      s.Fingerprint.Profile,
		Device:       s.Fingerprint.Device,
		InClusters:   s.Fingerprint.InClusters,
		OutClusters:  s.Fingerprint.OutClusters,
		Type:         s.Type,
		Name:         s.Name,
		Manufacturer: s.Manufacturer,
		ModelID:      s.ModelID,
		SWBuildID:    s.SWBuildID,
		ConfigOn:     s.Config.On,
		Duration:     s.Config.Duration,
		LastSeen:     s.LastSeen,
	}
}
