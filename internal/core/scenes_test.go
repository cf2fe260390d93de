package core

import (
	"testing"

	"zigbee-gateway/internal/radio"
)

// storeSceneOnDevices drains the pending per-light store commands for
// every member, confirming each as the device would.
func storeSceneOnDevices(c *Core, r *fakeRadio, members int) {
	for i := 0; i < members; i++ {
		c.groupSyncTick()
		c.dispatchTick()
		c.handleConfirm(radio.Confirm{ID: r.lastID(), Status: radio.ConfirmSuccess})
	}
}

func TestStoreSceneCapturesLightState(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)
	l.On = true
	l.Level = 128
	l.X = 30000
	l.Y = 27000

	id, err := c.CreateScene("1", "evening")
	if err != nil {
		t.Fatal(err)
	}
	gi := l.groupInfo(g.Address)
	if len(gi.AddScenes) != 1 || gi.AddScenes[0] != id {
		t.Fatalf("pending stores = %v, want [%d]", gi.AddScenes, id)
	}

	c.groupSyncTick()
	c.dispatchTick()
	sent := r.sent()
	if len(sent) != 1 || sent[0].Cluster != clusterScenes || sent[0].Command != 0x04 {
		t.Fatalf("expected one store scene command, got %+v", sent)
	}
	if sent[0].Dst.Mode != radio.AddressModeExt {
		t.Fatal("store scene must go to the member, not the group")
	}

	s := g.sceneByID(id)
	if s.lightState("1") != nil {
		t.Fatal("capture must wait for the device confirm")
	}

	c.handleConfirm(radio.Confirm{ID: r.lastID(), Status: radio.ConfirmSuccess})

	ls := s.lightState("1")
	if ls == nil {
		t.Fatal("light state not captured on store confirm")
	}
	if !ls.On || ls.Bri != 128 || ls.X != 30000 || ls.Y != 27000 {
		t.Errorf("captured state = %+v, want on/128/30000/27000", ls)
	}
	if len(gi.AddScenes) != 0 {
		t.Errorf("pending stores = %v, want drained", gi.AddScenes)
	}
}

func TestStoreSceneSkipsUnreachableMember(t *testing.T) {
	c, _ := newTestCore()
	g := testGroup(c, "1", 0x0001)
	reachable := testLight(c, "1", 0x1111, 1)
	dark := testLight(c, "2", 0x2222, 1)
	joinGroup(reachable, g.Address)
	joinGroup(dark, g.Address)
	dark.Available = false

	id, err := c.CreateScene("1", "s")
	if err != nil {
		t.Fatal(err)
	}
	if got := reachable.groupInfo(g.Address).AddScenes; len(got) != 1 || got[0] != id {
		t.Errorf("reachable member pending stores = %v, want [%d]", got, id)
	}
	if got := dark.groupInfo(g.Address).AddScenes; len(got) != 0 {
		t.Errorf("unreachable member pending stores = %v, want none", got)
	}
}

func TestStoreSceneDecrementsCapacityOnceOnly(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)
	l.SceneCapacity = 10

	id, err := c.CreateScene("1", "s")
	if err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 1)
	if l.SceneCapacity != 9 {
		t.Fatalf("capacity = %d, want 9 after first store", l.SceneCapacity)
	}

	// storing again overwrites the entry, capacity stays
	if err := c.StoreScene("1", id); err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 1)
	if l.SceneCapacity != 9 {
		t.Errorf("capacity = %d, want 9 after re-store", l.SceneCapacity)
	}
	_ = g
}

func TestRecallSceneRoundtrip(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)
	l.On = true
	l.Level = 200

	id, err := c.CreateScene("1", "bright")
	if err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 1)

	// change live state, then recall
	l.On = false
	l.Level = 10

	if err := c.RecallScene("1", id); err != nil {
		t.Fatal(err)
	}
	if !l.On || l.Level != 200 {
		t.Errorf("recall echo: on=%v level=%d, want on/200", l.On, l.Level)
	}
	if !g.On {
		t.Error("group must reflect recalled member state")
	}
}

// Recalling a scene counts as switching the group on, even when every
// stored member state is off.
func TestRecallAllOffSceneTurnsGroupOn(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)
	l.On = false

	id, err := c.CreateScene("1", "night")
	if err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 1)
	g.On = false

	if err := c.RecallScene("1", id); err != nil {
		t.Fatal(err)
	}
	if l.On {
		t.Error("recall echo must keep the stored off state")
	}
	if !g.On {
		t.Error("the group counts as on after any recall")
	}
}

// A bulb running the color loop ignores a plain recall, so one
// deactivate per affected light plus exactly one repeated recall must
// go out, regardless of how many lights need the deactivation.
func TestRecallSceneColorLoopWorkaround(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l1 := testLight(c, "1", 0x1111, 1)
	l2 := testLight(c, "2", 0x2222, 1)
	joinGroup(l1, g.Address)
	joinGroup(l2, g.Address)

	id, err := c.CreateScene("1", "calm")
	if err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 2)

	// both lights start looping after the scene was stored
	l1.ColorLoopActive = true
	l2.ColorLoopActive = true

	if err := c.RecallScene("1", id); err != nil {
		t.Fatal(err)
	}

	recalls, deactivates := 0, 0
	for _, task := range c.tasks {
		switch task.Type {
		case TaskCallScene:
			recalls++
		case TaskSetColorLoop:
			if !task.ColorLoop {
				deactivates++
			}
		}
	}
	if recalls != 2 {
		t.Errorf("recall tasks = %d, want 2 (original plus one repeat)", recalls)
	}
	if deactivates != 2 {
		t.Errorf("deactivate tasks = %d, want 2 (one per looping light)", deactivates)
	}
	if l1.ColorLoopActive || l2.ColorLoopActive {
		t.Error("recall echo must clear cached color loop state")
	}
	_ = g
}

// The inverse case: the scene stores the loop running but the bulb has
// since stopped it. The recall alone leaves the effect off, so an
// explicit activate at the stored speed must follow.
func TestRecallSceneRestartsStoredColorLoop(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)
	l.ColorLoopActive = true
	l.ColorLoopSpeed = 25

	id, err := c.CreateScene("1", "party")
	if err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 1)

	l.ColorLoopActive = false
	l.ColorLoopSpeed = 0

	if err := c.RecallScene("1", id); err != nil {
		t.Fatal(err)
	}

	recalls, activates := 0, 0
	for _, task := range c.tasks {
		switch task.Type {
		case TaskCallScene:
			recalls++
		case TaskSetColorLoop:
			if task.ColorLoop {
				activates++
			}
		}
	}
	if recalls != 1 {
		t.Errorf("recall tasks = %d, want 1 (restart needs no repeated recall)", recalls)
	}
	if activates != 1 {
		t.Errorf("activate tasks = %d, want 1", activates)
	}
	if l.ColorLoopSpeed != 25 {
		t.Errorf("cached loop speed = %d, want the stored 25", l.ColorLoopSpeed)
	}
	if !l.ColorLoopActive {
		t.Error("recall echo must restore the stored loop state")
	}
	_ = g
}

func TestRecallSceneNoWorkaroundWhenLoopStored(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)
	l.ColorLoopActive = true
	l.ColorLoopSpeed = 20

	id, err := c.CreateScene("1", "party")
	if err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 1)
	_ = g

	if err := c.RecallScene("1", id); err != nil {
		t.Fatal(err)
	}

	recalls, loops := 0, 0
	for _, task := range c.tasks {
		switch task.Type {
		case TaskCallScene:
			recalls++
		case TaskSetColorLoop:
			loops++
		}
	}
	if recalls != 1 {
		t.Errorf("recall tasks = %d, want 1 when the loop already runs", recalls)
	}
	if loops != 0 {
		t.Errorf("color loop tasks = %d, want 0 when stored and live state agree", loops)
	}
	if !l.ColorLoopActive {
		t.Error("loop stored active must stay active after recall")
	}
}

func TestRemoveSceneDropsAfterDeviceConfirm(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)

	id, err := c.CreateScene("1", "tmp")
	if err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 1)

	if err := c.RemoveScene("1", id); err != nil {
		t.Fatal(err)
	}
	s := g.sceneByID(id)
	if s == nil || s.State != StateDeleted {
		t.Fatal("scene must linger as deleted until devices confirm")
	}

	c.groupSyncTick()
	c.dispatchTick()
	sent := r.sent()
	last := sent[len(sent)-1]
	if last.Cluster != clusterScenes || last.Command != 0x02 {
		t.Fatalf("expected a remove scene command, got %+v", last)
	}
	if last.Dst.Mode != radio.AddressModeExt {
		t.Fatal("scene removal must go to the member, not the group")
	}

	c.handleConfirm(radio.Confirm{ID: r.lastID(), Status: radio.ConfirmSuccess})
	if g.sceneByID(id) != nil {
		t.Error("scene must drop once removal confirms and nothing is pending")
	}
}

// A member that is off the mains still holds the scene, so its removal
// stays queued until the device comes back.
func TestRemoveSceneQueuesForUnreachableMember(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)

	id, err := c.CreateScene("1", "tmp")
	if err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 1)

	l.Available = false
	if err := c.RemoveScene("1", id); err != nil {
		t.Fatal(err)
	}

	gi := l.groupInfo(g.Address)
	if len(gi.RemoveScenes) != 1 || gi.RemoveScenes[0] != id {
		t.Errorf("pending removals = %v, want [%d]", gi.RemoveScenes, id)
	}
	s := g.sceneByID(id)
	if s == nil || s.State != StateDeleted {
		t.Error("scene must linger while a member still holds it")
	}
}

func TestDeleteLightScrubsScenes(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)

	id, err := c.CreateScene("1", "s")
	if err != nil {
		t.Fatal(err)
	}
	storeSceneOnDevices(c, r, 1)

	if err := c.DeleteLight("1"); err != nil {
		t.Fatal(err)
	}
	if g.sceneByID(id).lightState("1") != nil {
		t.Error("deleted light must leave stored scenes")
	}
}
