package core

import (
	"fmt"
)

// Scene is one stored scene of a group. Deleted scenes linger until the
// removal has been pushed to every member device.
type Scene struct {
	ID             uint8
	Name           string
	State          NodeState
	TransitionTime uint16

	// Lights holds the per-light target states captured when the scene
	// was stored or set when it was modified.
	Lights []*LightState
}

// LightState is one light's target state within a scene.
type LightState struct {
	LightID         string
	On              bool
	Bri             uint8
	X               uint16
	Y               uint16
	TransitionTime  uint16
	ColorLoopActive bool
	ColorLoopTime   uint8
}

func (s *Scene) lightState(lightID string) *LightState {
	for _, ls := range s.Lights {
		if ls.LightID == lightID {
			return ls
		}
	}
	return nil
}

// CreateScene allocates a scene id in the group and stores the current
// member states under it on the devices.
func (c *Core) CreateScene(groupID, name string) (uint8, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.groupByID(groupID)
	if g == nil {
		return 0, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}

	var id uint8 = 1
	for g.sceneByID(id) != nil {
		if id == 255 {
			return 0, fmt.Errorf("group %s: no free scene id", groupID)
		}
		id++
	}

	s := &Scene{ID: id, Name: name}
	g.Scenes = append(g.Scenes, s)
	updateEtag(&g.Etag)

	if err := c.storeSceneLocked(g, s); err != nil {
		return 0, err
	}
	c.queueSaveGroups()
	return id, nil
}

// StoreScene re-captures the current member states into an existing
// scene.
func (c *Core) StoreScene(groupID string, sceneID uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.groupByID(groupID)
	if g == nil {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	s := g.sceneByID(sceneID)
	if s == nil || s.State == StateDeleted {
		return fmt.Errorf("scene %d: %w", sceneID, ErrNotFound)
	}
	return c.storeSceneLocked(g, s)
}

// storeSceneLocked queues a store-scene for every reachable member. The
// sync tick drains the queues one command at a time; capture happens on
// each light's own confirm.
func (c *Core) storeSceneLocked(g *Group, s *Scene) error {
	for _, l := range c.lights {
		if l.State == StateDeleted || !l.Available || c.zombies[l.ExtAddress] {
			continue
		}
		gi := l.groupInfo(g.Address)
		if gi == nil || gi.State != GroupStateInGroup {
			continue
		}
		gi.AddScenes = appendSceneID(gi.AddScenes, s.ID)
	}
	return nil
}

// ModifyScene replaces the stored target states of a scene and pushes
// the new states to each member device.
func (c *Core) ModifyScene(groupID string, sceneID uint8, states []*LightState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.groupByID(groupID)
	if g == nil {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	s := g.sceneByID(sceneID)
	if s == nil || s.State == StateDeleted {
		return fmt.Errorf("scene %d: %w", sceneID, ErrNotFound)
	}

	for _, st := range states {
		cur := s.lightState(st.LightID)
		if cur == nil {
			s.Lights = append(s.Lights, st)
		} else {
			*cur = *st
		}
		l := c.lightByID(st.LightID)
		if l == nil {
			continue
		}
		gi := l.groupInfo(g.Address)
		if gi == nil || gi.State != GroupStateInGroup {
			continue
		}
		gi.ModifyScenes = appendSceneID(gi.ModifyScenes, s.ID)
	}
	updateEtag(&g.Etag)
	c.queueSaveGroups()
	return nil
}

// RemoveScene marks the scene deleted and removes it from the devices.
func (c *Core) RemoveScene(groupID string, sceneID uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.groupByID(groupID)
	if g == nil {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	s := g.sceneByID(sceneID)
	if s == nil || s.State == StateDeleted {
		return fmt.Errorf("scene %d: %w", sceneID, ErrNotFound)
	}
	s.State = StateDeleted
	updateEtag(&g.Etag)

	// Removal goes to every member, reachable or not. A light that is
	// off the mains right now still holds the scene and gets the command
	// once the sync tick reaches it again.
	for _, l := range c.lights {
		if l.State == StateDeleted {
			continue
		}
		gi := l.groupInfo(g.Address)
		if gi == nil || gi.State != GroupStateInGroup {
			continue
		}
		gi.AddScenes = removeSceneID(gi.AddScenes, sceneID)
		gi.ModifyScenes = removeSceneID(gi.ModifyScenes, sceneID)
		gi.RemoveScenes = appendSceneID(gi.RemoveScenes, sceneID)
	}
	if !c.scenePendingRemoval(g, sceneID) {
		c.dropScene(g, sceneID)
	}
	c.queueSaveGroups()
	return nil
}

// RecallScene groupcasts a scene recall. Bulbs that are running the
// color loop effect ignore a plain recall, so when any member light has
// the loop active while the scene stores it inactive, one deactivate
// command goes out per such light followed by exactly one repeated
// recall for the whole group.
func (c *Core) RecallScene(groupID string, sceneID uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recallSceneLocked(groupID, sceneID)
}

func (c *Core) recallSceneLocked(groupID string, sceneID uint8) error {
	g := c.groupByID(groupID)
	if g == nil {
		return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	s := g.sceneByID(sceneID)
	if s == nil || s.State == StateDeleted {
		return fmt.Errorf("scene %d: %w", sceneID, ErrNotFound)
	}

	t := newGroupTask(g.Address, clusterScenes)
	taskCallScene(t, c.nextSeq(), g.Address, sceneID)
	if err := c.addTask(t); err != nil {
		return err
	}

	colorloopDeactivated := false
	for _, ls := range s.Lights {
		l := c.lightByID(ls.LightID)
		if l == nil || l.State == StateDeleted {
			continue
		}
		if l.ColorLoopActive && !ls.ColorLoopActive {
			lt := newUnicastTask(l, clusterColor)
			taskSetColorLoop(lt, c.nextSeq(), false, 15)
			if err := c.addTask(lt); err == nil {
				colorloopDeactivated = true
			}
		} else if ls.ColorLoopActive && !l.ColorLoopActive {
			// a plain recall does not restart the effect, activate it
			// explicitly at the stored speed
			lt := newUnicastTask(l, clusterColor)
			taskSetColorLoop(lt, c.nextSeq(), true, ls.ColorLoopTime)
			if err := c.addTask(lt); err == nil {
				l.ColorLoopSpeed = ls.ColorLoopTime
			}
		} else if ls.ColorLoopActive {
			// already looping, cache follows the stored speed
			l.ColorLoopSpeed = ls.ColorLoopTime
			updateEtag(&l.Etag)
		}
	}

	if colorloopDeactivated {
		t2 := newGroupTask(g.Address, clusterScenes)
		taskCallScene(t2, c.nextSeq(), g.Address, sceneID)
		if err := c.addTask(t2); err != nil {
			return err
		}
	}

	c.applyRecallEcho(g, s)
	c.bus.Emit(Event{Type: EventSceneRecall, ID: g.ID, Data: map[string]any{
		"scene": int(sceneID),
	}})
	return nil
}

// applyRecallEcho folds the stored scene states into the light cache.
// The group counts as on after any recall, even of an all-off scene.
func (c *Core) applyRecallEcho(g *Group, s *Scene) {
	for _, ls := range s.Lights {
		l := c.lightByID(ls.LightID)
		if l == nil || l.State == StateDeleted {
			continue
		}
		l.On = ls.On
		l.Level = ls.Bri
		if ls.X != 0 || ls.Y != 0 {
			l.X = ls.X
			l.Y = ls.Y
		}
		l.ColorLoopActive = ls.ColorLoopActive
		updateEtag(&l.Etag)
		c.bus.Emit(Event{Type: EventLightState, ID: l.ID, Data: lightStateData(l)})
	}
	if !g.On {
		g.On = true
		updateEtag(&g.Etag)
		c.bus.Emit(Event{Type: EventGroupState, ID: g.ID, Data: groupStateData(g)})
	}
	c.queueSaveLights()
	c.queueSaveGroups()
}

// applySceneConfirm finishes a confirmed scene maintenance command.
func (c *Core) applySceneConfirm(t *Task) {
	g := c.groupByAddress(t.GroupID)
	if g == nil {
		return
	}
	s := g.sceneByID(t.SceneID)

	switch t.Type {
	case TaskStoreScene:
		if s == nil || s.State == StateDeleted || t.Light == nil {
			return
		}
		c.captureSceneState(g, s, t.Light)
		if gi := t.Light.groupInfo(g.Address); gi != nil {
			gi.AddScenes = removeSceneID(gi.AddScenes, s.ID)
		}
		c.queueSaveGroups()
	case TaskAddScene:
		if t.Light != nil {
			if gi := t.Light.groupInfo(g.Address); gi != nil {
				gi.ModifyScenes = removeSceneID(gi.ModifyScenes, t.SceneID)
				gi.AddScenes = removeSceneID(gi.AddScenes, t.SceneID)
			}
		}
	case TaskRemoveScene:
		if t.Light != nil {
			if gi := t.Light.groupInfo(g.Address); gi != nil {
				gi.RemoveScenes = removeSceneID(gi.RemoveScenes, t.SceneID)
			}
		}
		if s != nil && s.State == StateDeleted && !c.scenePendingRemoval(g, s.ID) {
			c.dropScene(g, s.ID)
			c.queueSaveGroups()
		}
	}
}

// captureSceneState snapshots one light's current state into the scene.
// Scene capacity on the device shrinks only when the entry is new.
func (c *Core) captureSceneState(g *Group, s *Scene, l *LightNode) {
	ls := s.lightState(l.ID)
	if ls == nil {
		ls = &LightState{LightID: l.ID}
		s.Lights = append(s.Lights, ls)
		if l.SceneCapacity > 0 {
			l.SceneCapacity--
		}
		if gi := l.groupInfo(g.Address); gi != nil {
			gi.SceneCount++
		}
	}
	ls.On = l.On
	ls.Bri = l.Level
	ls.X = l.X
	ls.Y = l.Y
	ls.ColorLoopActive = l.ColorLoopActive
	ls.ColorLoopTime = l.ColorLoopSpeed
}

// scenePendingRemoval reports whether any light still has the scene
// queued for removal.
func (c *Core) scenePendingRemoval(g *Group, sceneID uint8) bool {
	for _, l := range c.lights {
		gi := l.groupInfo(g.Address)
		if gi == nil {
			continue
		}
		for _, id := range gi.RemoveScenes {
			if id == sceneID {
				return true
			}
		}
	}
	return false
}

func (c *Core) dropScene(g *Group, sceneID uint8) {
	for i, s := range g.Scenes {
		if s.ID == sceneID {
			g.Scenes = append(g.Scenes[:i], g.Scenes[i+1:]...)
			return
		}
	}
}

// deleteLightFromScenes scrubs a deleted light from every stored scene.
func (c *Core) deleteLightFromScenes(lightID string) {
	for _, g := range c.groups {
		changed := false
		for _, s := range g.Scenes {
			for i, ls := range s.Lights {
				if ls.LightID == lightID {
					s.Lights = append(s.Lights[:i], s.Lights[i+1:]...)
					changed = true
					break
				}
			}
		}
		if changed {
			updateEtag(&g.Etag)
			c.queueSaveGroups()
		}
	}
}

// reconcileSceneMembership processes one get-scene-membership response:
// the scenes the device holds for the group.
func (c *Core) reconcileSceneMembership(l *LightNode, groupAddr uint16, capacity uint8, reported []uint8) {
	l.SceneCapacity = capacity
	g := c.groupByAddress(groupAddr)
	if g == nil {
		return
	}
	gi := l.groupInfo(groupAddr)
	if gi == nil {
		return
	}
	gi.SceneCount = uint8(len(reported))

	onDevice := make(map[uint8]bool, len(reported))
	for _, id := range reported {
		onDevice[id] = true
		s := g.sceneByID(id)
		if s == nil || s.State == StateDeleted {
			// stale scene on the device
			gi.RemoveScenes = appendSceneID(gi.RemoveScenes, id)
		}
	}
	for _, s := range g.Scenes {
		if s.State == StateDeleted {
			continue
		}
		if !onDevice[s.ID] && s.lightState(l.ID) != nil {
			gi.ModifyScenes = appendSceneID(gi.ModifyScenes, s.ID)
		}
	}
}

func appendSceneID(ids []uint8, id uint8) []uint8 {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

func removeSceneID(ids []uint8, id uint8) []uint8 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
