package core

import (
	"encoding/binary"
	"testing"

	"zigbee-gateway/internal/radio"
)

func testBinding(src uint64, cluster uint16, group uint16) Binding {
	return Binding{
		SrcAddress:  src,
		SrcEndpoint: 1,
		Cluster:     cluster,
		DstMode:     radio.AddressModeGroup,
		DstGroup:    group,
	}
}

func TestQueueBindingTaskDedup(t *testing.T) {
	c, _ := newTestCore()
	b := testBinding(0x3333, clusterOnOff, 0x0001)

	if !c.queueBindingTask(BindingBind, b) {
		t.Fatal("first queue must succeed")
	}
	if !c.queueBindingTask(BindingBind, b) {
		t.Fatal("duplicate queue reports success")
	}
	if len(c.bindingQueue) != 1 {
		t.Errorf("queue length = %d, want 1 after duplicate", len(c.bindingQueue))
	}

	// same binding, opposite action is distinct work
	if !c.queueBindingTask(BindingUnbind, b) {
		t.Fatal("unbind for the same binding must queue")
	}
	if len(c.bindingQueue) != 2 {
		t.Errorf("queue length = %d, want 2", len(c.bindingQueue))
	}
}

func TestQueueBindingTaskBound(t *testing.T) {
	c, _ := newTestCore()
	for i := 0; i < maxBindingTasks; i++ {
		if !c.queueBindingTask(BindingBind, testBinding(0x3333, uint16(i), 0x0001)) {
			t.Fatalf("queue %d must succeed", i)
		}
	}
	if c.queueBindingTask(BindingBind, testBinding(0x3333, 0x0100, 0x0001)) {
		t.Error("queue beyond the bound must be rejected")
	}
	if len(c.bindingQueue) != maxBindingTasks {
		t.Errorf("queue length = %d, want %d", len(c.bindingQueue), maxBindingTasks)
	}
}

func TestBindingTickSendsOneRequest(t *testing.T) {
	c, _ := newTestCore()
	c.queueBindingTask(BindingBind, testBinding(0x3333, clusterOnOff, 0x0001))
	c.queueBindingTask(BindingBind, testBinding(0x3333, clusterLevel, 0x0001))

	c.bindingTick()
	if len(c.tasks) != 1 {
		t.Fatalf("queued tasks = %d, want 1 per binding tick", len(c.tasks))
	}
	task := c.tasks[0]
	if !task.FireAndForget {
		t.Error("device profile requests are fire and forget")
	}
	if task.Req.Profile != profileZDP || task.Req.Cluster != zdpBindReq {
		t.Errorf("request = profile 0x%04x cluster 0x%04x, want device profile bind", task.Req.Profile, task.Req.Cluster)
	}
	if task.Req.DstEndpoint != 0 || task.Req.SrcEndpoint != 0 {
		t.Error("device profile frames go endpoint 0 to endpoint 0")
	}

	if c.bindingQueue[0].state != bindingInProgress {
		t.Error("sent request must wait for its response")
	}
	if c.bindingQueue[1].state != bindingIdle {
		t.Error("second request waits for a later tick")
	}
}

func TestHandleBindingResponseSuccess(t *testing.T) {
	c, _ := newTestCore()
	c.queueBindingTask(BindingBind, testBinding(0x3333, clusterOnOff, 0x0001))
	c.bindingTick()
	seq := c.bindingQueue[0].zdpSeq

	c.handleBindingResponse(zdpBindRsp, []byte{seq, 0x00})
	if len(c.bindingQueue) != 0 {
		t.Errorf("queue length = %d, want 0 after success", len(c.bindingQueue))
	}
}

func TestHandleBindingResponseRetriesThenDrops(t *testing.T) {
	c, _ := newTestCore()
	c.queueBindingTask(BindingBind, testBinding(0x3333, clusterOnOff, 0x0001))

	for try := 0; try <= maxBindingRetries; try++ {
		if len(c.bindingQueue) != 1 {
			t.Fatalf("try %d: queue length = %d, want 1", try, len(c.bindingQueue))
		}
		c.tasks = nil
		c.bindingTick()
		seq := c.bindingQueue[0].zdpSeq
		c.handleBindingResponse(zdpBindRsp, []byte{seq, 0x8C}) // table full
	}
	if len(c.bindingQueue) != 0 {
		t.Errorf("queue length = %d, want 0 after retries ran out", len(c.bindingQueue))
	}
}

func TestHandleBindingResponseIgnoresWrongKind(t *testing.T) {
	c, _ := newTestCore()
	c.queueBindingTask(BindingBind, testBinding(0x3333, clusterOnOff, 0x0001))
	c.bindingTick()
	seq := c.bindingQueue[0].zdpSeq

	// an unbind response must not resolve a bind request
	c.handleBindingResponse(zdpUnbindRsp, []byte{seq, 0x00})
	if len(c.bindingQueue) != 1 {
		t.Errorf("queue length = %d, want 1", len(c.bindingQueue))
	}
}

func TestParseBindingTable(t *testing.T) {
	p := []byte{0x01, 0x00, 0x02, 0x00, 0x02}
	// entry 1: src 0x3333 ep 1 cluster on/off -> group 0x0001
	p = binary.LittleEndian.AppendUint64(p, 0x3333)
	p = append(p, 0x01)
	p = binary.LittleEndian.AppendUint16(p, clusterOnOff)
	p = append(p, 0x01)
	p = binary.LittleEndian.AppendUint16(p, 0x0001)
	// entry 2: src 0x3333 ep 1 cluster level -> unicast 0x1111 ep 1
	p = binary.LittleEndian.AppendUint64(p, 0x3333)
	p = append(p, 0x01)
	p = binary.LittleEndian.AppendUint16(p, clusterLevel)
	p = append(p, 0x03)
	p = binary.LittleEndian.AppendUint64(p, 0x1111)
	p = append(p, 0x01)

	entries := parseBindingTable(p)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if !entries[0].Equal(testBinding(0x3333, clusterOnOff, 0x0001)) {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	want := Binding{
		SrcAddress:  0x3333,
		SrcEndpoint: 1,
		Cluster:     clusterLevel,
		DstMode:     radio.AddressModeExt,
		DstAddress:  0x1111,
		DstEndpoint: 1,
	}
	if !entries[1].Equal(want) {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestParseBindingTableRejectsFailure(t *testing.T) {
	if got := parseBindingTable([]byte{0x01, 0x8C, 0x00, 0x00, 0x00}); got != nil {
		t.Errorf("failure status parsed to %+v, want nil", got)
	}
	if got := parseBindingTable([]byte{0x01}); got != nil {
		t.Errorf("short payload parsed to %+v, want nil", got)
	}
}

func TestMgmtBindResponseVerifiesRuleBindings(t *testing.T) {
	c, _ := newTestCore()
	testGroup(c, "1", 0x0001)
	s := testSensor(c, "3", 0x3333, 2)
	c.idleCounter = 42

	if _, err := buttonRule(c, "BIND"); err != nil {
		t.Fatal(err)
	}
	r := c.rules[0]
	if len(r.bindings) != 1 || r.bindings[0].verified != 0 {
		t.Fatalf("fresh binding must be unverified, got %+v", r.bindings)
	}

	p := []byte{0x01, 0x00, 0x01, 0x00, 0x01}
	p = binary.LittleEndian.AppendUint64(p, s.ExtAddress)
	p = append(p, 0x02)
	p = binary.LittleEndian.AppendUint16(p, clusterOnOff)
	p = append(p, 0x01)
	p = binary.LittleEndian.AppendUint16(p, 0x0001)

	c.handleMgmtBindResponse(s.Address(), p)
	if r.bindings[0].verified != 42 {
		t.Errorf("verified = %d, want 42", r.bindings[0].verified)
	}
}
