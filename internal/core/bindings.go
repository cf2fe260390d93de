package core

import (
	"encoding/binary"
	"time"

	"zigbee-gateway/internal/radio"
)

// Device profile (ZDP) clusters used for binding maintenance.
const (
	profileZDP     uint16 = 0x0000
	zdpBindReq     uint16 = 0x0021
	zdpUnbindReq   uint16 = 0x0022
	zdpMgmtBindReq uint16 = 0x0033
	zdpBindRsp     uint16 = 0x8021
	zdpUnbindRsp   uint16 = 0x8022
	zdpMgmtBindRsp uint16 = 0x8033
	zdpDeviceAnnce uint16 = 0x0013
)

// BindingAction selects what a queued binding task does on the device.
type BindingAction int

const (
	BindingBind BindingAction = iota
	BindingUnbind
)

func (a BindingAction) String() string {
	if a == BindingUnbind {
		return "unbind"
	}
	return "bind"
}

// Binding is one entry of a device-side binding table: source endpoint
// and cluster bound to either a unicast endpoint or a group.
type Binding struct {
	SrcAddress  uint64
	SrcEndpoint uint8
	Cluster     uint16
	DstMode     radio.AddressMode
	DstAddress  uint64
	DstEndpoint uint8
	DstGroup    uint16
}

// Equal reports whether two bindings describe the same table entry.
func (b Binding) Equal(o Binding) bool {
	if b.SrcAddress != o.SrcAddress || b.SrcEndpoint != o.SrcEndpoint || b.Cluster != o.Cluster || b.DstMode != o.DstMode {
		return false
	}
	if b.DstMode == radio.AddressModeGroup {
		return b.DstGroup == o.DstGroup
	}
	return b.DstAddress == o.DstAddress && b.DstEndpoint == o.DstEndpoint
}

// bindingTaskState tracks a queued binding request through its ZDP
// round trip.
type bindingTaskState int

const (
	bindingIdle bindingTaskState = iota
	bindingInProgress
)

// BindingTask is one queued bind or unbind request.
type BindingTask struct {
	Action  BindingAction
	Binding Binding

	state    bindingTaskState
	retries  int
	zdpSeq   uint8
	deadline time.Time
}

// Binding queue bound. Requests beyond it are dropped and re-created by
// a later verification pass.
const (
	maxBindingTasks    = 16
	maxBindingRetries  = 2
	bindingRspDeadline = 5 * time.Second
)

// queueBindingTask enqueues a bind or unbind unless an identical request
// is already waiting. Caller holds c.mu.
func (c *Core) queueBindingTask(action BindingAction, b Binding) bool {
	for _, bt := range c.bindingQueue {
		if bt.Action == action && bt.Binding.Equal(b) {
			return true
		}
	}
	if len(c.bindingQueue) >= maxBindingTasks {
		c.logger.Debug("binding queue full", "action", action.String())
		return false
	}
	c.bindingQueue = append(c.bindingQueue, &BindingTask{Action: action, Binding: b})
	c.logger.Debug("binding queued",
		"action", action.String(),
		"src", c.hexAddr(b.SrcAddress),
		"cluster", b.Cluster)
	return true
}

func (c *Core) hexAddr(a uint64) string {
	return radio.Address{Mode: radio.AddressModeExt, Ext: a}.String()
}

// bindingTick sends the next idle binding request and retires requests
// whose response never came.
func (c *Core) bindingTick() {
	if !c.radio.NetworkFormed() {
		return
	}
	now := time.Now()

	kept := c.bindingQueue[:0]
	for _, bt := range c.bindingQueue {
		if bt.state == bindingInProgress && now.After(bt.deadline) {
			bt.retries++
			if bt.retries > maxBindingRetries {
				c.logger.Debug("binding dropped", "action", bt.Action.String(), "retries", bt.retries)
				continue
			}
			bt.state = bindingIdle
		}
		kept = append(kept, bt)
	}
	c.bindingQueue = kept

	for _, bt := range c.bindingQueue {
		if bt.state != bindingIdle {
			continue
		}
		if c.sendBindingRequest(bt) {
			bt.state = bindingInProgress
			bt.deadline = now.Add(bindingRspDeadline)
		}
		return
	}
}

// sendBindingRequest submits the ZDP frame for the task. ZDP requests
// are fire and forget; completion comes via the response indication.
func (c *Core) sendBindingRequest(bt *BindingTask) bool {
	cluster := zdpBindReq
	if bt.Action == BindingUnbind {
		cluster = zdpUnbindReq
	}

	seq := c.nextSeq()
	bt.zdpSeq = seq

	p := []byte{seq}
	p = binary.LittleEndian.AppendUint64(p, bt.Binding.SrcAddress)
	p = append(p, bt.Binding.SrcEndpoint)
	p = appendUint16(p, bt.Binding.Cluster)
	if bt.Binding.DstMode == radio.AddressModeGroup {
		p = append(p, 0x01) // group address mode
		p = appendUint16(p, bt.Binding.DstGroup)
	} else {
		p = append(p, 0x03) // extended address mode
		p = binary.LittleEndian.AppendUint64(p, bt.Binding.DstAddress)
		p = append(p, bt.Binding.DstEndpoint)
	}

	t := &Task{FireAndForget: true}
	t.Req.Dst = radio.Address{Mode: radio.AddressModeExt, Ext: bt.Binding.SrcAddress}
	t.Req.DstEndpoint = 0x00
	t.Req.SrcEndpoint = 0x00
	t.Req.Profile = profileZDP
	t.Req.Cluster = cluster
	t.Req.TxOptions = radio.TxAcknowledged
	t.Req.Payload = p
	t.Type = TaskNone

	return c.addTask(t) == nil
}

// handleBindingResponse resolves one bind or unbind response by ZDP
// sequence number.
func (c *Core) handleBindingResponse(cluster uint16, payload []byte) {
	if len(payload) < 2 {
		return
	}
	seq, status := payload[0], payload[1]

	wantUnbind := cluster == zdpUnbindRsp
	for i, bt := range c.bindingQueue {
		if bt.state != bindingInProgress || bt.zdpSeq != seq {
			continue
		}
		if (bt.Action == BindingUnbind) != wantUnbind {
			continue
		}
		if status == 0x00 {
			c.bindingQueue = append(c.bindingQueue[:i], c.bindingQueue[i+1:]...)
			c.logger.Debug("binding done", "action", bt.Action.String(), "cluster", bt.Binding.Cluster)
		} else {
			bt.retries++
			bt.state = bindingIdle
			if bt.retries > maxBindingRetries {
				c.bindingQueue = append(c.bindingQueue[:i], c.bindingQueue[i+1:]...)
			}
			c.logger.Debug("binding rejected", "action", bt.Action.String(), "status", status)
		}
		return
	}
}

// taskMgmtBindRequest reads one page of a device's binding table.
func taskMgmtBindRequest(t *Task, seq uint8, startIndex uint8) {
	t.Type = TaskReadAttributes
	t.Req.Profile = profileZDP
	t.Req.Cluster = zdpMgmtBindReq
	t.Req.DstEndpoint = 0x00
	t.Req.SrcEndpoint = 0x00
	t.Req.Payload = []byte{seq, startIndex}
}

// parseBindingTable decodes a management bind response into table
// entries.
func parseBindingTable(payload []byte) []Binding {
	// seq, status, total, start index, list count
	if len(payload) < 5 || payload[1] != 0x00 {
		return nil
	}
	count := int(payload[4])
	p := payload[5:]
	var out []Binding

	for i := 0; i < count; i++ {
		if len(p) < 12 {
			break
		}
		var b Binding
		b.SrcAddress = binary.LittleEndian.Uint64(p[0:8])
		b.SrcEndpoint = p[8]
		b.Cluster = binary.LittleEndian.Uint16(p[9:11])
		switch p[11] {
		case 0x01:
			if len(p) < 14 {
				return out
			}
			b.DstMode = radio.AddressModeGroup
			b.DstGroup = binary.LittleEndian.Uint16(p[12:14])
			p = p[14:]
		case 0x03:
			if len(p) < 21 {
				return out
			}
			b.DstMode = radio.AddressModeExt
			b.DstAddress = binary.LittleEndian.Uint64(p[12:20])
			b.DstEndpoint = p[20]
			p = p[21:]
		default:
			return out
		}
		out = append(out, b)
	}
	return out
}

// handleMgmtBindResponse reconciles a read binding table page against
// the bindings the rules expect.
func (c *Core) handleMgmtBindResponse(src radio.Address, payload []byte) {
	entries := parseBindingTable(payload)
	if entries == nil {
		return
	}
	c.logger.Debug("binding table", "src", src.String(), "entries", len(entries))

	for _, r := range c.rules {
		if r.Status != RuleStatusEnabled {
			continue
		}
		for i := range r.bindings {
			rb := &r.bindings[i]
			if rb.binding.SrcAddress != src.Ext {
				continue
			}
			for _, e := range entries {
				if e.Equal(rb.binding) {
					rb.verified = c.idleCounter
					break
				}
			}
		}
	}
}
