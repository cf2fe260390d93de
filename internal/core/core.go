// Package core is the synchronization heart of the gateway: it keeps
// the cached REST-side resource state and the device-side mesh state
// converging through a bounded command queue, background attribute
// polling, rule binding maintenance and group and scene bookkeeping.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"zigbee-gateway/internal/radio"
	"zigbee-gateway/internal/store"
)

// Config holds the core's timing knobs. Zero values are replaced by
// defaults in New.
type Config struct {
	DispatchInterval  time.Duration `yaml:"dispatch_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	GroupSyncInterval time.Duration `yaml:"group_sync_interval"`
	VerifyInterval    time.Duration `yaml:"verify_interval"`
	GroupSendDelay    time.Duration `yaml:"group_send_delay"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
}

func (cfg *Config) applyDefaults() {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 100 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 750 * time.Millisecond
	}
	if cfg.GroupSyncInterval <= 0 {
		cfg.GroupSyncInterval = 250 * time.Millisecond
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 5 * time.Second
	}
	if cfg.GroupSendDelay <= 0 {
		cfg.GroupSendDelay = 50 * time.Millisecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 8 * time.Second
	}
}

// Core owns all resource state. Everything runs under one mutex; the
// Run loop and the public API take it before touching anything.
type Core struct {
	logger *slog.Logger
	cfg    Config

	radio radio.Radio
	bus   *EventBus
	db    store.Store
	saver *store.Saver

	mu      sync.Mutex
	lights  []*LightNode
	sensors []*Sensor
	groups  []*Group
	rules   []*Rule

	tasks        []*Task
	running      map[uint8]*Task
	bindingQueue []*BindingTask
	zombies      map[uint64]bool

	taskOrdinal uint64
	zclSeq      uint8
	idleCounter int64
	formed      bool
	configEtag  string

	pollCursor       int
	sensorPollCursor int
	groupSyncCursor  int
	verifyCursor     int

	confirmCh    chan radio.Confirm
	indicationCh chan radio.Indication
}

// New wires a core to its transceiver, store and event bus. The saver
// may be nil; persistence is then skipped.
func New(logger *slog.Logger, cfg Config, r radio.Radio, db store.Store, saver *store.Saver, bus *EventBus) *Core {
	cfg.applyDefaults()
	c := &Core{
		logger:       logger.With("component", "core"),
		cfg:          cfg,
		radio:        r,
		bus:          bus,
		db:           db,
		saver:        saver,
		running:      make(map[uint8]*Task),
		zombies:      make(map[uint64]bool),
		confirmCh:    make(chan radio.Confirm, 64),
		indicationCh: make(chan radio.Indication, 64),
	}
	updateEtag(&c.configEtag)

	r.OnConfirm(func(conf radio.Confirm) {
		select {
		case c.confirmCh <- conf:
		default:
			c.logger.Warn("confirm channel full, dropping", "id", conf.ID)
		}
	})
	r.OnIndication(func(ind radio.Indication) {
		select {
		case c.indicationCh <- ind:
		default:
			c.logger.Warn("indication channel full, dropping", "cluster", ind.Cluster)
		}
	})

	if saver != nil {
		saver.Register(store.KindLights, c.flushLights)
		saver.Register(store.KindSensors, c.flushSensors)
		saver.Register(store.KindGroups, c.flushGroups)
		saver.Register(store.KindRules, c.flushRules)
	}
	return c
}

// Load rebuilds the resource state from the store.
func (c *Core) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lights, err := c.db.ListLights()
	if err != nil {
		return fmt.Errorf("load lights: %w", err)
	}
	for _, rec := range lights {
		c.lights = append(c.lights, loadLightRecord(rec))
	}

	sensors, err := c.db.ListSensors()
	if err != nil {
		return fmt.Errorf("load sensors: %w", err)
	}
	for _, rec := range sensors {
		c.sensors = append(c.sensors, loadSensorRecord(rec))
	}

	groups, err := c.db.ListGroups()
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	for _, rec := range groups {
		c.groups = append(c.groups, loadGroupRecord(rec))
	}

	rules, err := c.db.ListRules()
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for _, rec := range rules {
		c.rules = append(c.rules, loadRuleRecord(rec))
	}

	c.logger.Info("state loaded",
		"lights", len(c.lights),
		"sensors", len(c.sensors),
		"groups", len(c.groups),
		"rules", len(c.rules))
	return nil
}

// Run drives all periodic work until the context ends.
func (c *Core) Run(ctx context.Context) error {
	dispatch := time.NewTicker(c.cfg.DispatchInterval)
	defer dispatch.Stop()
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	groupSync := time.NewTicker(c.cfg.GroupSyncInterval)
	defer groupSync.Stop()
	verify := time.NewTicker(c.cfg.VerifyInterval)
	defer verify.Stop()
	idle := time.NewTicker(time.Second)
	defer idle.Stop()

	c.logger.Info("core running")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("core stopping")
			return ctx.Err()
		case conf := <-c.confirmCh:
			c.mu.Lock()
			c.handleConfirm(conf)
			c.mu.Unlock()
		case ind := <-c.indicationCh:
			c.mu.Lock()
			c.handleIndication(ind)
			c.mu.Unlock()
		case <-dispatch.C:
			c.mu.Lock()
			c.dispatchTick()
			c.mu.Unlock()
		case <-poll.C:
			c.mu.Lock()
			c.pollTick()
			c.mu.Unlock()
		case <-groupSync.C:
			c.mu.Lock()
			c.groupSyncTick()
			c.mu.Unlock()
		case <-verify.C:
			c.mu.Lock()
			c.bindingTick()
			c.verifyTick()
			c.mu.Unlock()
		case <-idle.C:
			c.mu.Lock()
			c.idleTick()
			c.discoverNodes()
			c.checkNetwork()
			c.mu.Unlock()
		}
	}
}

// nextSeq hands out ZCL transaction sequence numbers.
func (c *Core) nextSeq() uint8 {
	c.zclSeq++
	return c.zclSeq
}

// refreshZombies mirrors the transceiver's reachability view.
func (c *Core) refreshZombies() {
	for _, n := range c.radio.Nodes() {
		if n.Zombie {
			if !c.zombies[n.ExtAddr] {
				c.zombies[n.ExtAddr] = true
				c.markUnreachable(n.ExtAddr)
			}
		} else {
			delete(c.zombies, n.ExtAddr)
		}
	}
	c.checkSensorActivity()
}

// markUnreachable flags every record behind the address and drops its
// queued work. Confirms for in-flight frames still resolve normally.
func (c *Core) markUnreachable(ext uint64) {
	c.purgeTasksForAddress(ext)
	for _, l := range c.lights {
		if l.ExtAddress != ext || !l.Available {
			continue
		}
		l.Available = false
		updateEtag(&l.Etag)
		c.bus.Emit(Event{Type: EventLightState, ID: l.ID, Data: lightStateData(l)})
	}
	for _, s := range c.sensors {
		if s.ExtAddress != ext || !s.Available {
			continue
		}
		s.Available = false
		updateEtag(&s.Etag)
		c.bus.Emit(Event{Type: EventSensorState, ID: s.ID, Data: sensorStateData(s)})
	}
}

// Sensors that stay silent this long count as unreachable. Battery
// switches report rarely, so the window is generous.
const sensorInactiveAfter = 6 * time.Hour

// checkSensorActivity flags sensors whose last frame is older than the
// inactivity window.
func (c *Core) checkSensorActivity() {
	cutoff := time.Now().Add(-sensorInactiveAfter)
	for _, s := range c.sensors {
		if s.State == StateDeleted || !s.Available {
			continue
		}
		if s.LastSeen.IsZero() || s.LastSeen.After(cutoff) {
			continue
		}
		s.Available = false
		updateEtag(&s.Etag)
		c.logger.Info("sensor inactive", "id", s.ID, "last_seen", s.LastSeen)
		c.bus.Emit(Event{Type: EventSensorState, ID: s.ID, Data: sensorStateData(s)})
	}
}

// checkNetwork tracks network formation changes.
func (c *Core) checkNetwork() {
	formed := c.radio.NetworkFormed()
	if formed == c.formed {
		return
	}
	c.formed = formed
	if !formed {
		c.purgeAllTasks()
	}
	c.logger.Info("network state", "formed", formed)
	c.bus.Emit(Event{Type: EventNetworkState, Data: map[string]any{"formed": formed}})

	if c.db != nil {
		state, err := c.db.GetNetworkState()
		if err != nil || state == nil {
			state = &store.NetworkState{}
		}
		state.Formed = formed
		if err := c.db.SaveNetworkState(state); err != nil {
			c.logger.Warn("save network state", "err", err)
		}
	}
}

// discoverNodes creates light records for transceiver neighbor table
// entries not seen before. Model and vendor details fill in through the
// regular polling.
func (c *Core) discoverNodes() {
	for _, n := range c.radio.Nodes() {
		if n.Zombie || c.knownAddress(n.ExtAddr) {
			continue
		}
		for _, ep := range n.Endpoints {
			l := &LightNode{
				Endpoint:  ep,
				ProfileID: profileHA,
			}
			l.ID = c.nextLightID()
			l.ExtAddress = n.ExtAddr
			l.Available = true
			l.LastSeen = time.Now()
			updateEtag(&l.Etag)
			l.enableRead(readVendorName | readModelID | readSWBuildID)
			l.nextReadTime = time.Now().Add(readDelayShort)
			c.lights = append(c.lights, l)
			c.logger.Info("light discovered", "id", l.ID, "ext", c.hexAddr(n.ExtAddr), "endpoint", ep)
			c.bus.Emit(Event{Type: EventDeviceFound, ID: l.ID})
		}
		c.queueSaveLights()
	}
}

func (c *Core) knownAddress(ext uint64) bool {
	for _, l := range c.lights {
		if l.ExtAddress == ext {
			return true
		}
	}
	for _, s := range c.sensors {
		if s.ExtAddress == ext {
			return true
		}
	}
	return false
}

func (c *Core) nextLightID() string {
	max := 0
	for _, l := range c.lights {
		if n, err := strconv.Atoi(l.ID); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

func (c *Core) nextSensorID() string {
	max := 0
	for _, s := range c.sensors {
		if n, err := strconv.Atoi(s.ID); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

// AddLight registers a light endpoint explicitly, e.g. from a pairing
// flow. Returns the new resource id.
func (c *Core) AddLight(ext uint64, endpoint uint8, profile, device uint16, name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := &LightNode{
		Endpoint:  endpoint,
		ProfileID: profile,
		DeviceID:  device,
	}
	l.ID = c.nextLightID()
	l.Name = name
	l.ExtAddress = ext
	l.Available = true
	l.LastSeen = time.Now()
	updateEtag(&l.Etag)
	l.enableRead(readVendorName | readModelID | readSWBuildID)
	l.nextReadTime = time.Now().Add(readDelayShort)
	c.lights = append(c.lights, l)
	c.queueSaveLights()
	c.bus.Emit(Event{Type: EventDeviceFound, ID: l.ID})
	return l.ID
}

// AddSensor registers a sensor resource for a device endpoint.
func (c *Core) AddSensor(sensorType, name string, ext uint64, fp Fingerprint) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Sensor{
		Type:        sensorType,
		Fingerprint: fp,
		Config:      SensorConfig{On: true},
	}
	s.ID = c.nextSensorID()
	s.Name = name
	s.ExtAddress = ext
	s.Available = true
	s.LastSeen = time.Now()
	updateEtag(&s.Etag)
	if fp.HasInCluster(clusterCommissioning) {
		s.enableRead(readGroupIdentifiers)
		s.nextReadTime = time.Now().Add(readDelayShort)
	}
	c.sensors = append(c.sensors, s)
	c.queueSaveSensors()
	c.bus.Emit(Event{Type: EventDeviceFound, ID: s.ID})
	return s.ID
}

// save scheduling

func (c *Core) queueSaveLights() {
	updateEtag(&c.configEtag)
	if c.saver != nil {
		c.saver.QueueSave(store.KindLights, store.SaveDelayShort)
	}
}

func (c *Core) queueSaveLightsLong() {
	if c.saver != nil {
		c.saver.QueueSave(store.KindLights, store.SaveDelayLong)
	}
}

func (c *Core) queueSaveSensors() {
	updateEtag(&c.configEtag)
	if c.saver != nil {
		c.saver.QueueSave(store.KindSensors, store.SaveDelayShort)
	}
}

func (c *Core) queueSaveGroups() {
	updateEtag(&c.configEtag)
	if c.saver != nil {
		c.saver.QueueSave(store.KindGroups, store.SaveDelayShort)
	}
}

func (c *Core) queueSaveRules() {
	updateEtag(&c.configEtag)
	if c.saver != nil {
		c.saver.QueueSave(store.KindRules, store.SaveDelayShort)
	}
}

func (c *Core) flushLights() error {
	c.mu.Lock()
	recs := make([]*store.LightRecord, 0, len(c.lights))
	var gone []string
	for _, l := range c.lights {
		if l.State == StateDeleted {
			gone = append(gone, l.ID)
			continue
		}
		recs = append(recs, l.record())
	}
	c.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		errs = append(errs, c.db.SaveLight(rec))
	}
	for _, id := range gone {
		errs = append(errs, c.db.DeleteLight(id))
	}
	return errors.Join(errs...)
}

func (c *Core) flushSensors() error {
	c.mu.Lock()
	recs := make([]*store.SensorRecord, 0, len(c.sensors))
	var gone []string
	for _, s := range c.sensors {
		if s.State == StateDeleted {
			gone = append(gone, s.ID)
			continue
		}
		recs = append(recs, s.record())
	}
	c.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		errs = append(errs, c.db.SaveSensor(rec))
	}
	for _, id := range gone {
		errs = append(errs, c.db.DeleteSensor(id))
	}
	return errors.Join(errs...)
}

func (c *Core) flushGroups() error {
	c.mu.Lock()
	recs := make([]*store.GroupRecord, 0, len(c.groups))
	var gone []string
	for _, g := range c.groups {
		if g.State == StateDeleted {
			gone = append(gone, g.ID)
			continue
		}
		recs = append(recs, g.record())
	}
	c.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		errs = append(errs, c.db.SaveGroup(rec))
	}
	for _, id := range gone {
		errs = append(errs, c.db.DeleteGroup(id))
	}
	return errors.Join(errs...)
}

func (c *Core) flushRules() error {
	c.mu.Lock()
	recs := make([]*store.RuleRecord, 0, len(c.rules))
	for _, r := range c.rules {
		recs = append(recs, r.record())
	}
	c.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		errs = append(errs, c.db.SaveRule(rec))
	}
	return errors.Join(errs...)
}
