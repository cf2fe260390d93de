package core

import (
	"errors"
	"testing"
	"time"

	"zigbee-gateway/internal/radio"
)

func TestAddTaskQueueBound(t *testing.T) {
	c, _ := newTestCore()
	l := testLight(c, "1", 0x1111, 1)

	accepted, rejected := 0, 0
	for i := 0; i < 25; i++ {
		task := newUnicastTask(l, clusterScenes)
		taskViewScene(task, c.nextSeq(), uint16(i), uint8(i)) // refresh exempt, no dedup
		if err := c.addTask(task); err != nil {
			if !errors.Is(err, ErrQueueFull) {
				t.Fatalf("unexpected error: %v", err)
			}
			rejected++
		} else {
			accepted++
		}
	}

	if accepted != maxTasks {
		t.Errorf("accepted = %d, want %d", accepted, maxTasks)
	}
	if rejected != 5 {
		t.Errorf("rejected = %d, want 5", rejected)
	}
	if len(c.tasks) != maxTasks {
		t.Errorf("queue length = %d, want %d", len(c.tasks), maxTasks)
	}
}

func TestAddTaskReplacesEquivalent(t *testing.T) {
	c, _ := newTestCore()
	l := testLight(c, "1", 0x1111, 1)

	t1 := newUnicastTask(l, clusterLevel)
	taskSetLevel(t1, c.nextSeq(), 10, true, 0)
	if err := c.addTask(t1); err != nil {
		t.Fatal(err)
	}
	t2 := newUnicastTask(l, clusterLevel)
	taskSetLevel(t2, c.nextSeq(), 200, true, 0)
	if err := c.addTask(t2); err != nil {
		t.Fatal(err)
	}

	if len(c.tasks) != 1 {
		t.Fatalf("queue length = %d, want 1", len(c.tasks))
	}
	if c.tasks[0].Level != 200 {
		t.Errorf("queued level = %d, want 200 (newer submission)", c.tasks[0].Level)
	}
}

func TestAddTaskRefreshExemptTypesAccumulate(t *testing.T) {
	c, _ := newTestCore()
	l := testLight(c, "1", 0x1111, 1)

	for i := 0; i < 3; i++ {
		task := newUnicastTask(l, clusterGroups)
		taskGetGroupMembership(task, c.nextSeq())
		if err := c.addTask(task); err != nil {
			t.Fatal(err)
		}
	}
	if len(c.tasks) != 3 {
		t.Errorf("queue length = %d, want 3", len(c.tasks))
	}
}

func TestDispatchOneInFlightPerDestination(t *testing.T) {
	c, r := newTestCore()
	l := testLight(c, "1", 0x1111, 1)

	for i := 0; i < 2; i++ {
		task := newUnicastTask(l, clusterScenes)
		taskViewScene(task, c.nextSeq(), 1, uint8(i))
		if err := c.addTask(task); err != nil {
			t.Fatal(err)
		}
	}

	c.dispatchTick()
	c.dispatchTick()
	if got := len(r.sent()); got != 1 {
		t.Fatalf("submitted = %d, want 1 while first is unconfirmed", got)
	}

	c.handleConfirm(radio.Confirm{ID: r.lastID(), Status: radio.ConfirmSuccess})
	if got := len(r.sent()); got != 2 {
		t.Errorf("submitted = %d, want 2 after confirm", got)
	}
}

func TestDispatchInFlightCap(t *testing.T) {
	c, r := newTestCore()
	for i := 0; i < 6; i++ {
		l := testLight(c, string(rune('1'+i)), uint64(0x1000+i), 1)
		task := newUnicastTask(l, clusterOnOff)
		taskSetOnOff(task, c.nextSeq(), true)
		if err := c.addTask(task); err != nil {
			t.Fatal(err)
		}
	}

	// a tick entered with the cap reached may still fill the last slot,
	// only a tick that starts over the cap refuses
	for i := 0; i < 10; i++ {
		c.dispatchTick()
	}
	if got := len(r.sent()); got != maxRunning+1 {
		t.Errorf("submitted = %d, want %d (in-flight cap)", got, maxRunning+1)
	}
}

// A group destination is as exclusive as a unicast one: while a
// groupcast waits for its confirm, nothing else goes to that group.
func TestDispatchOneInFlightPerGroupDestination(t *testing.T) {
	c, r := newTestCore()
	g := testGroup(c, "1", 0x0001)

	for i := 0; i < 2; i++ {
		task := newGroupTask(g.Address, clusterScenes)
		taskCallScene(task, c.nextSeq(), g.Address, uint8(i+1))
		if err := c.addTask(task); err != nil {
			t.Fatal(err)
		}
	}

	c.dispatchTick()
	if got := len(r.sent()); got != 1 {
		t.Fatalf("submitted = %d, want 1", got)
	}

	g.lastSend = time.Time{} // past the group send window
	c.dispatchTick()
	if got := len(r.sent()); got != 1 {
		t.Fatalf("submitted = %d, want 1 while the first groupcast is unconfirmed", got)
	}

	c.handleConfirm(radio.Confirm{ID: r.lastID(), Status: radio.ConfirmSuccess})
	if got := len(r.sent()); got != 2 {
		t.Errorf("submitted = %d, want 2 after confirm", got)
	}
}

// Replacing a queued groupcast still updates the cached state, the
// newest command wins both in the queue and in the cache.
func TestReplacedGroupTaskStillEchoes(t *testing.T) {
	c, _ := newTestCore()
	g := testGroup(c, "1", 0x0001)
	l := testLight(c, "1", 0x1111, 1)
	joinGroup(l, g.Address)

	on, off := true, false
	if err := c.SetGroupState("1", GroupState{On: &on}); err != nil {
		t.Fatal(err)
	}
	if err := c.SetGroupState("1", GroupState{On: &off}); err != nil {
		t.Fatal(err)
	}

	if len(c.tasks) != 1 {
		t.Fatalf("queue length = %d, want 1 (off replaces on)", len(c.tasks))
	}
	if c.tasks[0].OnOff {
		t.Error("the queued command must be the newer off")
	}
	if l.On || g.On {
		t.Error("the cache must follow the replacement, not the replaced command")
	}
}

func TestDispatchDropsZombieTask(t *testing.T) {
	c, r := newTestCore()
	l := testLight(c, "1", 0x1111, 1)
	c.zombies[l.ExtAddress] = true

	task := newUnicastTask(l, clusterOnOff)
	taskSetOnOff(task, c.nextSeq(), true)
	if err := c.addTask(task); err != nil {
		t.Fatal(err)
	}

	c.dispatchTick()
	if got := len(r.sent()); got != 0 {
		t.Errorf("submitted = %d, want 0 for zombie destination", got)
	}
	if len(c.tasks) != 0 {
		t.Errorf("queue length = %d, want 0 after drop", len(c.tasks))
	}
}

func TestNetworkLossPurgesQueues(t *testing.T) {
	c, r := newTestCore()
	l := testLight(c, "1", 0x1111, 1)

	task := newUnicastTask(l, clusterOnOff)
	taskSetOnOff(task, c.nextSeq(), true)
	if err := c.addTask(task); err != nil {
		t.Fatal(err)
	}
	c.queueBindingTask(BindingBind, Binding{SrcAddress: 0x2222, SrcEndpoint: 1, Cluster: clusterOnOff})

	r.formed = false
	c.dispatchTick()

	if len(c.tasks) != 0 {
		t.Errorf("task queue length = %d, want 0", len(c.tasks))
	}
	if len(c.bindingQueue) != 0 {
		t.Errorf("binding queue length = %d, want 0", len(c.bindingQueue))
	}
}

func TestConfirmSuccessAppliesEcho(t *testing.T) {
	c, r := newTestCore()
	l := testLight(c, "1", 0x1111, 1)
	l.On = false

	task := newUnicastTask(l, clusterOnOff)
	taskSetOnOff(task, c.nextSeq(), true)
	if err := c.addTask(task); err != nil {
		t.Fatal(err)
	}
	c.dispatchTick()
	if l.On {
		t.Fatal("state must not change before confirm")
	}

	c.handleConfirm(radio.Confirm{ID: r.lastID(), Status: radio.ConfirmSuccess})
	if !l.On {
		t.Error("confirmed on command must set cached on state")
	}
}

func TestConfirmOffDeactivatesColorLoop(t *testing.T) {
	c, r := newTestCore()
	l := testLight(c, "1", 0x1111, 1)
	l.On = true
	l.ColorLoopActive = true

	task := newUnicastTask(l, clusterOnOff)
	taskSetOnOff(task, c.nextSeq(), false)
	if err := c.addTask(task); err != nil {
		t.Fatal(err)
	}
	c.dispatchTick()
	c.handleConfirm(radio.Confirm{ID: r.lastID(), Status: radio.ConfirmSuccess})

	if l.On {
		t.Error("light must be off")
	}
	if l.ColorLoopActive {
		t.Error("color loop must deactivate with the light")
	}
}

func TestNoAckGroupIdentifiersReArmsSensorRead(t *testing.T) {
	c, r := newTestCore()
	s := testSensor(c, "3", 0x3333, 2)

	task := &Task{}
	task.Req.Dst = s.Address()
	task.Req.DstEndpoint = s.Fingerprint.Endpoint
	task.Req.SrcEndpoint = srcEndpoint
	task.Req.Profile = profileHA
	task.Req.TxOptions = radio.TxAcknowledged
	taskGetGroupIdentifiers(task, c.nextSeq(), 0)
	if err := c.addTask(task); err != nil {
		t.Fatal(err)
	}
	c.dispatchTick()
	s.clearRead(readGroupIdentifiers)

	c.handleConfirm(radio.Confirm{ID: r.lastID(), Status: radio.ConfirmNoAck})
	if !s.mustRead(readGroupIdentifiers) {
		t.Error("no-ack must re-arm the group identifiers read")
	}
}

func TestConfirmFreesSlotImmediately(t *testing.T) {
	c, r := newTestCore()
	a := testLight(c, "1", 0x1111, 1)
	b := testLight(c, "2", 0x2222, 1)

	t1 := newUnicastTask(a, clusterOnOff)
	taskSetOnOff(t1, c.nextSeq(), true)
	t2 := newUnicastTask(b, clusterOnOff)
	taskSetOnOff(t2, c.nextSeq(), true)
	if err := c.addTask(t1); err != nil {
		t.Fatal(err)
	}
	c.dispatchTick()
	if err := c.addTask(t2); err != nil {
		t.Fatal(err)
	}

	// the confirm handler dispatches the successor without waiting for
	// the next timer tick
	c.handleConfirm(radio.Confirm{ID: r.lastID(), Status: radio.ConfirmSuccess})
	if got := len(r.sent()); got != 2 {
		t.Errorf("submitted = %d, want 2", got)
	}
}
