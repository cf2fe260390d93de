package core

import (
	"time"

	"zigbee-gateway/internal/radio"
)

// Background read intervals in idle seconds.
const (
	idleGrace          = 15  // no background reads right after startup
	readIntervalState  = 90  // on/off, level, color
	readIntervalGroups = 600 // group and scene membership
	readIntervalInfo   = 0   // vendor, model, build: once, when unknown
)

// Color cluster attributes refreshed in one read.
var colorAttributes = []uint16{
	0x0000, // current hue
	0x0001, // current saturation
	0x0003, // current x
	0x0004, // current y
	0x0007, // color temperature
	0x0008, // color mode
	0x4000, // enhanced current hue
	0x4002, // color loop active
}

// At most this many read tasks enqueue per poll tick. Polling must never
// crowd out user commands in the shared task queue.
const maxPollOps = 2

// Models whose binding tables are worth reading. Other vendors either
// answer garbage or time out on the management request.
var bindingTableModels = []string{
	"FLS-NB", "D1", "S1", "S2", "BEGA", "C4", "LM_00.00",
}

func wantsBindingTableRead(modelID string) bool {
	for _, m := range bindingTableModels {
		if len(modelID) >= len(m) && modelID[:len(m)] == m {
			return true
		}
	}
	return false
}

// idleTick runs once per second. It advances the idle counter and marks
// stale cached attributes for re-reading.
func (c *Core) idleTick() {
	c.idleCounter++
	c.refreshZombies()
	c.expireRunning(time.Now())

	if c.idleCounter < idleGrace || !c.radio.NetworkFormed() {
		return
	}

	// One node gains read work per sweep so traffic stays spread out.
	l := c.oldestStaleLight()
	if l != nil {
		c.armLightReads(l)
		return
	}
	if s := c.oldestStaleSensor(); s != nil {
		c.armSensorReads(s)
	}
}

func (c *Core) oldestStaleLight() *LightNode {
	var oldest *LightNode
	for _, l := range c.lights {
		if l.State == StateDeleted || c.zombies[l.ExtAddress] {
			continue
		}
		if c.idleCounter-l.lastRead < readIntervalState {
			continue
		}
		if l.readFlags != 0 {
			continue
		}
		if oldest == nil || l.lastRead < oldest.lastRead {
			oldest = l
		}
	}
	return oldest
}

func (c *Core) oldestStaleSensor() *Sensor {
	var oldest *Sensor
	for _, s := range c.sensors {
		if s.State == StateDeleted || c.zombies[s.ExtAddress] {
			continue
		}
		if c.idleCounter-s.lastRead < readIntervalGroups {
			continue
		}
		if s.readFlags != 0 {
			continue
		}
		if oldest == nil || s.lastRead < oldest.lastRead {
			oldest = s
		}
	}
	return oldest
}

// armLightReads marks everything worth refreshing on the light. State
// attributes come back quickly, membership queries are deferred so they
// do not delay the state refresh.
func (c *Core) armLightReads(l *LightNode) {
	now := time.Now()

	if l.ModelID == "" || l.Manufacturer == "" || l.SWBuildID == "" {
		if l.Manufacturer == "" {
			l.enableRead(readVendorName)
		}
		if l.ModelID == "" {
			l.enableRead(readModelID)
		}
		if l.SWBuildID == "" {
			l.enableRead(readSWBuildID)
		}
		l.nextReadTime = now.Add(readDelayShort)
		return
	}

	l.enableRead(readOnOff | readLevel | readColor)
	l.nextReadTime = now.Add(readDelayShort)

	if c.idleCounter-l.lastRead >= readIntervalGroups {
		l.enableRead(readGroups | readScenes)
		if wantsBindingTableRead(l.ModelID) {
			l.enableRead(readBindingTable)
		}
	}
}

func (c *Core) armSensorReads(s *Sensor) {
	now := time.Now()

	if s.ModelID == "" || s.Manufacturer == "" {
		if s.Manufacturer == "" {
			s.enableRead(readVendorName)
		}
		if s.ModelID == "" {
			s.enableRead(readModelID)
		}
		s.nextReadTime = now.Add(readDelayShort)
		return
	}

	if s.Fingerprint.HasInCluster(clusterCommissioning) {
		s.enableRead(readGroupIdentifiers)
		s.nextReadTime = now.Add(readDelayLong)
	}
	if s.Fingerprint.HasInCluster(clusterOccupancy) {
		s.enableRead(readOccupancyConfig)
		s.nextReadTime = now.Add(readDelayLong)
	}
	s.lastRead = c.idleCounter
}

// pollTick enqueues due read work, at most maxPollOps tasks per tick.
func (c *Core) pollTick() {
	if !c.radio.NetworkFormed() {
		return
	}

	now := time.Now()
	ops := 0

	for n := 0; n < len(c.lights) && ops < maxPollOps; n++ {
		c.pollCursor = (c.pollCursor + 1) % len(c.lights)
		l := c.lights[c.pollCursor]
		if l.State == StateDeleted || c.zombies[l.ExtAddress] {
			continue
		}
		if l.readFlags == 0 || now.Before(l.nextReadTime) {
			continue
		}
		ops += c.pollLight(l, maxPollOps-ops)
	}

	for n := 0; n < len(c.sensors) && ops < maxPollOps; n++ {
		c.sensorPollCursor = (c.sensorPollCursor + 1) % len(c.sensors)
		s := c.sensors[c.sensorPollCursor]
		if s.State == StateDeleted || c.zombies[s.ExtAddress] {
			continue
		}
		if s.readFlags == 0 || now.Before(s.nextReadTime) {
			continue
		}
		ops += c.pollSensor(s, maxPollOps-ops)
	}
}

// pollLight enqueues up to budget read tasks for the light, in fixed
// priority order. Returns the number of tasks enqueued.
func (c *Core) pollLight(l *LightNode, budget int) int {
	ops := 0
	queue := func(build func(*Task), flags uint32) bool {
		if ops >= budget {
			return false
		}
		t := newUnicastTask(l, 0)
		build(t)
		t.ReadFlags = flags
		if err := c.addTask(t); err != nil {
			return false
		}
		l.clearRead(flags)
		ops++
		return true
	}

	if l.mustRead(readBindingTable) {
		if !queue(func(t *Task) { taskMgmtBindRequest(t, c.nextSeq(), 0) }, readBindingTable) {
			return ops
		}
	}
	if l.mustRead(readVendorName) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterBasic, []uint16{attrManufacturer})
		}, readVendorName) {
			return ops
		}
	}
	if l.mustRead(readModelID) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterBasic, []uint16{attrModelID})
		}, readModelID) {
			return ops
		}
	}
	if l.mustRead(readSWBuildID) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterBasic, []uint16{attrSWBuildID})
		}, readSWBuildID) {
			return ops
		}
	}
	if l.mustRead(readOnOff) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterOnOff, []uint16{0x0000})
		}, readOnOff) {
			return ops
		}
	}
	if l.mustRead(readLevel) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterLevel, []uint16{0x0000})
		}, readLevel) {
			return ops
		}
	}
	if l.mustRead(readColor) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterColor, colorAttributes)
		}, readColor) {
			return ops
		}
	}
	if l.mustRead(readGroups) {
		if !queue(func(t *Task) { taskGetGroupMembership(t, c.nextSeq()) }, readGroups) {
			return ops
		}
	}
	if l.mustRead(readScenes) {
		queued := false
		for _, g := range c.groups {
			if g.State == StateDeleted || !c.lightInGroup(l, g.Address) {
				continue
			}
			addr := g.Address
			if !queue(func(t *Task) { taskGetSceneMembership(t, c.nextSeq(), addr) }, 0) {
				return ops
			}
			queued = true
		}
		l.clearRead(readScenes)
		if queued {
			// details follow later, after the membership answers arrived
			l.enableRead(readSceneDetails)
			l.nextReadTime = time.Now().Add(readDelayLonger)
			return ops
		}
	}
	if l.mustRead(readSceneDetails) {
		for _, g := range c.groups {
			if g.State == StateDeleted || !c.lightInGroup(l, g.Address) {
				continue
			}
			for _, s := range g.Scenes {
				if s.State == StateDeleted {
					continue
				}
				addr, sid := g.Address, s.ID
				if !queue(func(t *Task) { taskViewScene(t, c.nextSeq(), addr, sid) }, 0) {
					return ops
				}
			}
		}
		l.clearRead(readSceneDetails)
	}
	return ops
}

// pollSensor enqueues up to budget read or write tasks for the sensor.
func (c *Core) pollSensor(s *Sensor, budget int) int {
	ops := 0
	queue := func(build func(*Task), flags uint32) bool {
		if ops >= budget {
			return false
		}
		t := &Task{}
		t.Req.Dst = s.Address()
		t.Req.DstEndpoint = s.Fingerprint.Endpoint
		t.Req.SrcEndpoint = srcEndpoint
		t.Req.Profile = profileHA
		t.Req.TxOptions = radio.TxAcknowledged
		build(t)
		t.ReadFlags = flags
		if err := c.addTask(t); err != nil {
			return false
		}
		s.clearRead(flags)
		ops++
		return true
	}

	if s.mustRead(readVendorName) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterBasic, []uint16{attrManufacturer})
		}, readVendorName) {
			return ops
		}
	}
	if s.mustRead(readModelID) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterBasic, []uint16{attrModelID})
		}, readModelID) {
			return ops
		}
	}
	if s.mustRead(readGroupIdentifiers) && s.Fingerprint.HasInCluster(clusterCommissioning) {
		if !queue(func(t *Task) {
			taskGetGroupIdentifiers(t, c.nextSeq(), 0)
		}, readGroupIdentifiers) {
			return ops
		}
	}
	if s.mustRead(readIlluminance) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterIlluminance, []uint16{0x0000})
		}, readIlluminance) {
			return ops
		}
		s.luxReadRequested = time.Now()
	}
	if s.mustRead(writeOccupancyConfig) {
		if !queue(func(t *Task) {
			// 0x0010: PIR occupied-to-unoccupied delay, uint16
			taskWriteAttribute(t, c.nextSeq(), clusterOccupancy, 0x0010, 0x21, uint16(s.Config.Duration))
		}, writeOccupancyConfig) {
			return ops
		}
	}
	if s.mustRead(readOccupancyConfig) {
		if !queue(func(t *Task) {
			taskReadAttributes(t, c.nextSeq(), clusterOccupancy, []uint16{0x0010})
		}, readOccupancyConfig) {
			return ops
		}
	}
	return ops
}
