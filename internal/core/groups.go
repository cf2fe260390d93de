package core

import (
	"fmt"
	"strconv"
	"time"

	"zigbee-gateway/internal/store"
)

// MembershipState is the device-side view of one light's membership in
// one group, as last reported by the device.
type MembershipState int

const (
	GroupStateNotInGroup MembershipState = iota
	GroupStateInGroup
)

// Pending membership actions. An action stays set until the matching
// command confirms, then the state flips.
const (
	ActionAddToGroup uint8 = 1 << iota
	ActionRemoveFromGroup
)

// GroupInfo tracks one light's membership in one group along with
// pending membership and scene maintenance work.
type GroupInfo struct {
	ID      uint16
	State   MembershipState
	Actions uint8

	// Scene ids that still have to be pushed to or removed from this
	// device, drained one command per sync tick.
	AddScenes    []uint8
	RemoveScenes []uint8
	ModifyScenes []uint8

	SceneCount uint8
}

// Group is one light group with its scenes.
type Group struct {
	ID      string
	Address uint16
	Name    string
	State   NodeState
	Etag    string

	On    bool
	Level uint8

	Scenes []*Scene

	// DeviceMemberships lists sensor ids of switches that manage this
	// group themselves. Membership reported for such groups is left
	// alone during reconciliation.
	DeviceMemberships []string

	lastSend time.Time
}

func (g *Group) sceneByID(id uint8) *Scene {
	for _, s := range g.Scenes {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func groupIDFromAddress(addr uint16) string {
	return strconv.Itoa(int(addr))
}

func (c *Core) groupByAddress(addr uint16) *Group {
	for _, g := range c.groups {
		if g.Address == addr {
			return g
		}
	}
	return nil
}

func (c *Core) groupByID(id string) *Group {
	for _, g := range c.groups {
		if g.ID == id && g.State != StateDeleted {
			return g
		}
	}
	return nil
}

// lightInGroup reports device-confirmed membership.
func (c *Core) lightInGroup(l *LightNode, addr uint16) bool {
	gi := l.groupInfo(addr)
	return gi != nil && gi.State == GroupStateInGroup
}

// groupManagedByDevice reports whether any switch claims the group.
func (c *Core) groupManagedByDevice(g *Group) bool {
	return len(g.DeviceMemberships) > 0
}

// CreateGroup allocates a new group with a free group address.
func (c *Core) CreateGroup(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := uint16(1)
	for c.groupByAddress(addr) != nil {
		addr++
	}
	id := strconv.Itoa(int(addr))
	for _, g := range c.groups {
		if g.ID == id {
			id = strconv.Itoa(len(c.groups) + int(addr))
			break
		}
	}

	g := &Group{
		ID:      id,
		Address: addr,
		Name:    name,
	}
	updateEtag(&g.Etag)
	c.groups = append(c.groups, g)
	c.queueSaveGroups()
	c.bus.Emit(Event{Type: EventGroupState, ID: g.ID, Data: groupStateData(g)})
	c.logger.Info("group created", "id", g.ID, "address", fmt.Sprintf("0x%04x", addr), "name", name)
	return id, nil
}

// DeleteGroup marks the group deleted and schedules every member light
// for removal from it on the device side.
func (c *Core) DeleteGroup(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.groupByID(id)
	if g == nil {
		return fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	g.State = StateDeleted
	updateEtag(&g.Etag)

	for _, l := range c.lights {
		gi := l.groupInfo(g.Address)
		if gi == nil || gi.State != GroupStateInGroup {
			continue
		}
		gi.Actions &^= ActionAddToGroup
		gi.Actions |= ActionRemoveFromGroup
	}
	c.queueSaveGroups()
	c.bus.Emit(Event{Type: EventGroupState, ID: g.ID, Data: groupStateData(g)})
	return nil
}

// SetLightGroups replaces the desired group membership of one light.
// Device-side membership converges over the sync ticks.
func (c *Core) SetLightGroups(lightID string, groupIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.lightByID(lightID)
	if l == nil {
		return fmt.Errorf("light %s: %w", lightID, ErrNotFound)
	}

	want := make(map[uint16]bool, len(groupIDs))
	for _, gid := range groupIDs {
		g := c.groupByID(gid)
		if g == nil {
			return fmt.Errorf("group %s: %w", gid, ErrNotFound)
		}
		want[g.Address] = true
	}

	for addr := range want {
		gi := l.groupInfo(addr)
		if gi == nil {
			l.Groups = append(l.Groups, GroupInfo{ID: addr})
			gi = &l.Groups[len(l.Groups)-1]
		}
		if gi.State != GroupStateInGroup {
			gi.Actions &^= ActionRemoveFromGroup
			gi.Actions |= ActionAddToGroup
		}
	}
	for i := range l.Groups {
		gi := &l.Groups[i]
		if want[gi.ID] {
			continue
		}
		if gi.State == GroupStateInGroup || gi.Actions&ActionAddToGroup != 0 {
			gi.Actions &^= ActionAddToGroup
			gi.Actions |= ActionRemoveFromGroup
			if g := c.groupByAddress(gi.ID); g != nil {
				c.scrubLightFromGroupScenes(l, g, gi)
			}
		}
	}

	updateEtag(&l.Etag)
	c.queueSaveLights()
	return nil
}

// scrubLightFromGroupScenes purges the light's stored states from every
// scene of the group and queues device-side removal while the light is
// still a member.
func (c *Core) scrubLightFromGroupScenes(l *LightNode, g *Group, gi *GroupInfo) {
	changed := false
	for _, s := range g.Scenes {
		for i, ls := range s.Lights {
			if ls.LightID != l.ID {
				continue
			}
			s.Lights = append(s.Lights[:i], s.Lights[i+1:]...)
			changed = true
			if gi.State == GroupStateInGroup {
				gi.RemoveScenes = appendSceneID(gi.RemoveScenes, s.ID)
			}
			break
		}
	}
	if changed {
		updateEtag(&g.Etag)
		c.queueSaveGroups()
	}
}

// GroupState is the caller-visible state of a group command.
type GroupState struct {
	On             *bool
	Level          *uint8
	Hue            *uint16
	Sat            *uint8
	X, Y           *uint16
	ColorTemp      *uint16
	ColorLoop      *bool
	TransitionTime uint16
}

// SetGroupState groupcasts state commands to all members. Cached state
// of the group and its members updates as soon as the tasks enqueue.
func (c *Core) SetGroupState(id string, st GroupState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setGroupStateLocked(id, st)
}

func (c *Core) setGroupStateLocked(id string, st GroupState) error {
	g := c.groupByID(id)
	if g == nil {
		return fmt.Errorf("group %s: %w", id, ErrNotFound)
	}

	sent := false
	if st.On != nil {
		t := newGroupTask(g.Address, clusterOnOff)
		taskSetOnOff(t, c.nextSeq(), *st.On)
		if err := c.addTask(t); err != nil {
			return err
		}
		sent = true
	}
	if st.Level != nil {
		t := newGroupTask(g.Address, clusterLevel)
		taskSetLevel(t, c.nextSeq(), *st.Level, true, st.TransitionTime)
		if err := c.addTask(t); err != nil {
			return err
		}
		sent = true
	}
	if st.Hue != nil && st.Sat != nil {
		t := newGroupTask(g.Address, clusterColor)
		taskSetHueSat(t, c.nextSeq(), *st.Hue, *st.Sat, st.TransitionTime)
		if err := c.addTask(t); err != nil {
			return err
		}
		sent = true
	}
	if st.X != nil && st.Y != nil {
		t := newGroupTask(g.Address, clusterColor)
		taskSetXYColor(t, c.nextSeq(), *st.X, *st.Y, st.TransitionTime)
		if err := c.addTask(t); err != nil {
			return err
		}
		sent = true
	}
	if st.ColorTemp != nil {
		t := newGroupTask(g.Address, clusterColor)
		taskSetColorTemperature(t, c.nextSeq(), *st.ColorTemp, st.TransitionTime)
		if err := c.addTask(t); err != nil {
			return err
		}
		sent = true
	}
	if st.ColorLoop != nil {
		t := newGroupTask(g.Address, clusterColor)
		taskSetColorLoop(t, c.nextSeq(), *st.ColorLoop, 15)
		if err := c.addTask(t); err != nil {
			return err
		}
		sent = true
	}
	if sent {
		c.readAllInGroup(g)
	}
	return nil
}

// readAllInGroup re-arms state reads for every member so the cache is
// verified against the devices once the groupcast has settled.
func (c *Core) readAllInGroup(g *Group) {
	due := time.Now().Add(readDelayLonger)
	for _, l := range c.lights {
		if l.State == StateDeleted || !c.lightInGroup(l, g.Address) {
			continue
		}
		l.enableRead(readOnOff | readLevel | readColor)
		if l.nextReadTime.Before(due) {
			l.nextReadTime = due
		}
	}
}


// groupSyncTick pushes at most one pending membership or scene command
// for one light, round-robin across lights.
func (c *Core) groupSyncTick() {
	if len(c.lights) == 0 || !c.radio.NetworkFormed() {
		return
	}

	for n := 0; n < len(c.lights); n++ {
		c.groupSyncCursor = (c.groupSyncCursor + 1) % len(c.lights)
		l := c.lights[c.groupSyncCursor]
		if l.State == StateDeleted || c.zombies[l.ExtAddress] {
			continue
		}
		if c.syncLightGroups(l) {
			return
		}
	}
}

// syncLightGroups enqueues the first pending command for the light.
// Reports whether a command was enqueued.
func (c *Core) syncLightGroups(l *LightNode) bool {
	for i := range l.Groups {
		gi := &l.Groups[i]

		// Scene removals go out before the light leaves the group, while
		// the device still honors scene commands for it.
		if gi.State == GroupStateInGroup && len(gi.RemoveScenes) > 0 {
			t := newUnicastTask(l, clusterScenes)
			taskRemoveScene(t, c.nextSeq(), gi.ID, gi.RemoveScenes[0])
			return c.addTask(t) == nil
		}
		if gi.Actions&ActionRemoveFromGroup != 0 {
			t := newUnicastTask(l, clusterGroups)
			taskRemoveFromGroup(t, c.nextSeq(), gi.ID)
			return c.addTask(t) == nil
		}
		if gi.Actions&ActionAddToGroup != 0 {
			t := newUnicastTask(l, clusterGroups)
			taskAddToGroup(t, c.nextSeq(), gi.ID)
			return c.addTask(t) == nil
		}
		if gi.State != GroupStateInGroup {
			continue
		}

		g := c.groupByAddress(gi.ID)
		if g == nil {
			continue
		}
		if len(gi.ModifyScenes) > 0 {
			s := g.sceneByID(gi.ModifyScenes[0])
			if s == nil {
				gi.ModifyScenes = gi.ModifyScenes[1:]
				continue
			}
			ls := s.lightState(l.ID)
			if ls == nil {
				gi.ModifyScenes = gi.ModifyScenes[1:]
				continue
			}
			t := newUnicastTask(l, clusterScenes)
			taskAddScene(t, c.nextSeq(), gi.ID, s.ID, ls)
			return c.addTask(t) == nil
		}
		if len(gi.AddScenes) > 0 {
			s := g.sceneByID(gi.AddScenes[0])
			if s == nil {
				gi.AddScenes = gi.AddScenes[1:]
				continue
			}
			t := newUnicastTask(l, clusterScenes)
			taskStoreScene(t, c.nextSeq(), gi.ID, s.ID)
			return c.addTask(t) == nil
		}
	}
	return false
}

// applyMembershipEcho folds a confirmed membership command into the
// light's membership view.
func (c *Core) applyMembershipEcho(t *Task) {
	l := t.Light
	if l == nil {
		return
	}
	gi := l.groupInfo(t.GroupID)
	if gi == nil {
		return
	}
	switch t.Type {
	case TaskAddToGroup:
		gi.Actions &^= ActionAddToGroup
		gi.State = GroupStateInGroup
	case TaskRemoveFromGroup:
		gi.Actions &^= ActionRemoveFromGroup
		gi.State = GroupStateNotInGroup
		gi.AddScenes = nil
		gi.RemoveScenes = nil
		gi.ModifyScenes = nil
	default:
		return
	}
	updateEtag(&l.Etag)
	c.queueSaveLights()
	if g := c.groupByAddress(t.GroupID); g != nil {
		c.bus.Emit(Event{Type: EventGroupState, ID: g.ID, Data: groupStateData(g)})
	}
}

// reconcileGroupMembership processes one get-group-membership response:
// the authoritative list of groups the device belongs to.
func (c *Core) reconcileGroupMembership(l *LightNode, capacity uint8, reported []uint16) {
	l.GroupCapacity = capacity

	inReport := make(map[uint16]bool, len(reported))
	for _, addr := range reported {
		inReport[addr] = true

		gi := l.groupInfo(addr)
		if gi == nil {
			l.Groups = append(l.Groups, GroupInfo{ID: addr})
			gi = l.groupInfo(addr)
		}

		g := c.groupByAddress(addr)
		switch {
		case g == nil || g.State == StateDeleted:
			// Unknown or deleted on our side. Groups a switch manages
			// are its own business and are adopted instead of scrubbed.
			if g != nil && c.groupManagedByDevice(g) {
				gi.State = GroupStateInGroup
			} else if gi.Actions&ActionRemoveFromGroup == 0 {
				gi.State = GroupStateInGroup
				gi.Actions |= ActionRemoveFromGroup
			}
		case gi.Actions&ActionRemoveFromGroup != 0:
			gi.State = GroupStateInGroup
		default:
			gi.Actions &^= ActionAddToGroup
			if gi.State != GroupStateInGroup {
				gi.State = GroupStateInGroup
				updateEtag(&l.Etag)
				c.queueSaveLights()
			}
		}
	}

	for i := range l.Groups {
		gi := &l.Groups[i]
		if inReport[gi.ID] {
			continue
		}
		if gi.Actions&ActionAddToGroup != 0 {
			// add still pending, leave it
			continue
		}
		if gi.Actions&ActionRemoveFromGroup != 0 {
			// the removal took effect
			gi.Actions &^= ActionRemoveFromGroup
			if gi.State == GroupStateInGroup {
				gi.State = GroupStateNotInGroup
				updateEtag(&l.Etag)
				c.queueSaveLights()
			}
			continue
		}
		if gi.State != GroupStateInGroup {
			continue
		}
		g := c.groupByAddress(gi.ID)
		if g != nil && g.State != StateDeleted && !c.groupManagedByDevice(g) {
			// The device forgot a membership we still want, usually after
			// a factory reset or power cycle. Restore it.
			gi.Actions |= ActionAddToGroup
			continue
		}
		gi.State = GroupStateNotInGroup
		updateEtag(&l.Etag)
		c.queueSaveLights()
	}
}

// loadGroupRecord rebuilds a group from its stored record.
func loadGroupRecord(rec *store.GroupRecord) *Group {
	g := &Group{
		ID:                rec.ID,
		Address:           rec.Address,
		Name:              rec.Name,
		On:                rec.On,
		Level:             rec.Level,
		DeviceMemberships: rec.DeviceMemberships,
	}
	updateEtag(&g.Etag)
	for _, sr := range rec.Scenes {
		s := &Scene{
			ID:             sr.ID,
			Name:           sr.Name,
			TransitionTime: sr.TransitionTime,
		}
		for _, lr := range sr.Lights {
			s.Lights = append(s.Lights, &LightState{
				LightID:         lr.LightID,
				On:              lr.On,
				Bri:             lr.Bri,
				X:               lr.X,
				Y:               lr.Y,
				ColorLoopActive: lr.ColorLoopActive,
				ColorLoopTime:   lr.ColorLoopTime,
			})
		}
		g.Scenes = append(g.Scenes, s)
	}
	return g
}

func (g *Group) record() *store.GroupRecord {
	rec := &store.GroupRecord{
		ID:                g.ID,
		Address:           g.Address,
		Name:              g.Name,
		On:                g.On,
		Level:             g.Level,
		DeviceMemberships: g.DeviceMemberships,
	}
	for _, s := range g.Scenes {
		if s.State == StateDeleted {
			continue
		}
		sr := store.SceneRecord{ID: s.ID, Name: s.Name, TransitionTime: s.TransitionTime}
		for _, ls := range s.Lights {
			sr.Lights = append(sr.Lights, store.LightStateRecord{
				LightID:         ls.LightID,
				On:              ls.On,
				Bri:             ls.Bri,
				X:               ls.X,
				Y:               ls.Y,
				ColorLoopActive: ls.ColorLoopActive,
				ColorLoopTime:   ls.ColorLoopTime,
			})
		}
		rec.Scenes = append(rec.Scenes, sr)
	}
	return rec
}

// groupStateData is the event payload for group changes.
func groupStateData(g *Group) map[string]any {
	return map[string]any{
		"name":  g.Name,
		"on":    g.On,
		"level": g.Level,
		"etag":  g.Etag,
	}
}
