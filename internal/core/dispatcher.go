package core

import (
	"errors"
	"time"

	"zigbee-gateway/internal/radio"
)

// Queue limits. At most maxTasks commands wait for airtime and at most
// maxRunning are in flight at once.
const (
	maxTasks   = 20
	maxRunning = 4
)

// addTask enqueues a task, replacing an equivalent queued task when the
// type allows it. The caller holds c.mu.
func (c *Core) addTask(t *Task) error {
	if !c.radio.NetworkFormed() {
		return ErrNotInNetwork
	}

	replaced := false
	if !t.Type.refreshExempt() {
		for i, q := range c.tasks {
			if equivalent(q, t) {
				t.ordinal = q.ordinal
				t.queuedAt = q.queuedAt
				c.tasks[i] = t
				replaced = true
				c.logger.Debug("task replaced", "type", t.Type.String(), "dst", t.Req.Dst.String())
				break
			}
		}
	}

	if !replaced {
		if len(c.tasks) >= maxTasks {
			c.logger.Warn("task queue full", "type", t.Type.String(), "dst", t.Req.Dst.String())
			return ErrQueueFull
		}
		c.taskOrdinal++
		t.ordinal = c.taskOrdinal
		t.queuedAt = time.Now()
		c.tasks = append(c.tasks, t)
	}

	// Group casts change every member's state the moment they are
	// accepted. Waiting for per-member confirms is not possible for a
	// groupcast, so the cache is updated optimistically on every
	// successful submission, replacements included.
	if t.Req.Dst.Mode == radio.AddressModeGroup {
		c.applyGroupEcho(t)
	}
	return nil
}

// dispatchTick pushes at most one queued task to the radio. Called on
// every dispatch timer tick and immediately after a confirm frees an
// in-flight slot.
func (c *Core) dispatchTick() {
	if !c.radio.NetworkFormed() {
		c.purgeAllTasks()
		return
	}
	if len(c.running) > maxRunning {
		return
	}

	now := time.Now()
	for i := 0; i < len(c.tasks); i++ {
		t := c.tasks[i]

		if t.Light != nil {
			if t.Light.State == StateDeleted || c.zombies[t.Light.ExtAddress] {
				c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
				c.logger.Debug("task dropped", "type", t.Type.String(), "reason", "unreachable")
				return
			}
		}

		// One outstanding request per destination, groupcasts included.
		if !t.FireAndForget && c.destinationBusy(t) {
			continue
		}
		if t.Req.Dst.Mode == radio.AddressModeGroup {
			g := c.groupByAddress(t.Req.Dst.Group)
			if g != nil && now.Sub(g.lastSend) < c.cfg.GroupSendDelay {
				continue
			}
		}

		if t.FireAndForget {
			if err := c.submit(t); err != nil {
				if errors.Is(err, radio.ErrBusy) {
					return
				}
				c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
				return
			}
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			return
		}

		err := c.submit(t)
		switch {
		case err == nil:
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			c.running[t.id] = t
			t.confirmDeadline = now.Add(c.cfg.ConfirmTimeout)
			if g := c.groupByAddress(t.Req.Dst.Group); t.Req.Dst.Mode == radio.AddressModeGroup && g != nil {
				g.lastSend = now
			}
			return
		case errors.Is(err, radio.ErrBusy):
			// transport saturated, try again next tick
			return
		case errors.Is(err, radio.ErrZombie):
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			if t.Light != nil {
				c.zombies[t.Light.ExtAddress] = true
			}
			return
		default:
			c.tasks = append(c.tasks[:i], c.tasks[i+1:]...)
			c.logger.Warn("submit failed", "type", t.Type.String(), "err", err)
			return
		}
	}
}

func (c *Core) submit(t *Task) error {
	id, err := c.radio.Submit(&t.Req)
	if err != nil {
		return err
	}
	t.id = id
	c.logger.Debug("task sent",
		"type", t.Type.String(),
		"dst", t.Req.Dst.String(),
		"cluster", t.Req.Cluster,
		"id", id)
	return nil
}

// destinationBusy reports whether a confirm is still outstanding for the
// task's destination.
func (c *Core) destinationBusy(t *Task) bool {
	for _, r := range c.running {
		if sameDestination(r, t) {
			return true
		}
	}
	return false
}

// handleConfirm finishes an in-flight task and immediately tries to
// dispatch a successor.
func (c *Core) handleConfirm(conf radio.Confirm) {
	t, ok := c.running[conf.ID]
	if !ok {
		return
	}
	delete(c.running, conf.ID)

	switch conf.Status {
	case radio.ConfirmSuccess:
		c.applyTaskEcho(t)
	case radio.ConfirmNoAck:
		// An end device that sleeps between polls routinely misses the
		// first group identifiers query. Schedule a retry instead of
		// giving up on its group links.
		if t.Type == TaskGetGroupIdentifiers {
			if s := c.sensorByAddress(t.Req.Dst, t.Req.DstEndpoint); s != nil {
				s.enableRead(readGroupIdentifiers)
				s.nextReadTime = time.Now().Add(readDelayLong)
			}
		}
		c.logger.Debug("task not acked", "type", t.Type.String(), "dst", t.Req.Dst.String())
	default:
		c.logger.Debug("task failed", "type", t.Type.String(), "status", conf.Status, "dst", t.Req.Dst.String())
	}

	c.dispatchTick()
}

// expireRunning drops in-flight tasks whose confirm never arrived so
// their destinations do not stay blocked forever.
func (c *Core) expireRunning(now time.Time) {
	for id, t := range c.running {
		if now.After(t.confirmDeadline) {
			delete(c.running, id)
			c.logger.Debug("confirm timeout", "type", t.Type.String(), "dst", t.Req.Dst.String())
		}
	}
}

// purgeAllTasks empties the task queue and the binding queue. Used when
// the network drops; confirms for in-flight frames may still arrive and
// are handled normally.
func (c *Core) purgeAllTasks() {
	if len(c.tasks) > 0 || len(c.bindingQueue) > 0 {
		c.logger.Info("purging queues", "tasks", len(c.tasks), "bindings", len(c.bindingQueue))
	}
	c.tasks = c.tasks[:0]
	c.bindingQueue = c.bindingQueue[:0]
}

// purgeTasksForLight drops queued work for a light that was deleted.
func (c *Core) purgeTasksForLight(light *LightNode) {
	kept := c.tasks[:0]
	for _, t := range c.tasks {
		if t.Light != light {
			kept = append(kept, t)
		}
	}
	c.tasks = kept
}

// purgeTasksForAddress drops queued unicast work and binding work aimed
// at a node that went unreachable.
func (c *Core) purgeTasksForAddress(ext uint64) {
	kept := c.tasks[:0]
	for _, t := range c.tasks {
		if t.Req.Dst.Mode == radio.AddressModeExt && t.Req.Dst.Ext == ext {
			continue
		}
		kept = append(kept, t)
	}
	c.tasks = kept

	keptB := c.bindingQueue[:0]
	for _, bt := range c.bindingQueue {
		if bt.Binding.SrcAddress != ext {
			keptB = append(keptB, bt)
		}
	}
	c.bindingQueue = keptB
}

// applyTaskEcho folds a confirmed unicast command into the cached state
// of its target light.
func (c *Core) applyTaskEcho(t *Task) {
	if t.ReadFlags != 0 {
		if t.Light != nil {
			t.Light.clearRead(t.ReadFlags)
			t.Light.lastRead = c.idleCounter
			if t.ReadFlags&readBindingTable != 0 {
				// one table per node, not per endpoint record
				for _, l := range c.lights {
					if l.ExtAddress == t.Light.ExtAddress {
						l.clearRead(readBindingTable)
					}
				}
			}
		} else if s := c.sensorByAddress(t.Req.Dst, t.Req.DstEndpoint); s != nil {
			s.clearRead(t.ReadFlags)
			s.lastRead = c.idleCounter
		}
	}

	if t.Req.Dst.Mode == radio.AddressModeGroup {
		c.applySceneConfirm(t)
		return
	}

	l := t.Light
	if l == nil {
		return
	}

	changed := true
	switch t.Type {
	case TaskAddToGroup, TaskRemoveFromGroup:
		c.applyMembershipEcho(t)
		return
	case TaskStoreScene, TaskAddScene, TaskRemoveScene:
		c.applySceneConfirm(t)
		return
	case TaskSetOnOff:
		l.On = t.OnOff
		if !t.OnOff {
			l.ColorLoopActive = false
		}
	case TaskSetLevel:
		l.Level = t.Level
	case TaskSetHueSat:
		l.Hue = t.Hue
		l.Sat = t.Sat
	case TaskSetXYColor:
		l.X = t.X
		l.Y = t.Y
	case TaskSetColorTemperature:
		l.ColorTemp = t.ColorTemp
	case TaskSetColorLoop:
		l.ColorLoopActive = t.ColorLoop
	default:
		changed = false
	}
	if changed {
		updateEtag(&l.Etag)
		c.bus.Emit(Event{Type: EventLightState, ID: l.ID, Data: lightStateData(l)})
		c.queueSaveLights()
	}
}

// applyGroupEcho folds a groupcast command into the cached state of the
// group and of every member light.
func (c *Core) applyGroupEcho(t *Task) {
	g := c.groupByAddress(t.Req.Dst.Group)
	if g == nil {
		return
	}

	apply := func(l *LightNode) bool {
		switch t.Type {
		case TaskSetOnOff:
			l.On = t.OnOff
			if !t.OnOff {
				l.ColorLoopActive = false
			}
		case TaskSetLevel:
			l.Level = t.Level
		case TaskSetHueSat:
			l.Hue = t.Hue
			l.Sat = t.Sat
		case TaskSetXYColor:
			l.X = t.X
			l.Y = t.Y
		case TaskSetColorTemperature:
			l.ColorTemp = t.ColorTemp
		case TaskSetColorLoop:
			l.ColorLoopActive = t.ColorLoop
		default:
			return false
		}
		return true
	}

	groupChanged := false
	switch t.Type {
	case TaskSetOnOff:
		g.On = t.OnOff
		groupChanged = true
	case TaskSetLevel:
		g.Level = t.Level
		groupChanged = true
	}

	for _, l := range c.lights {
		if l.State == StateDeleted || !c.lightInGroup(l, g.Address) {
			continue
		}
		if apply(l) {
			updateEtag(&l.Etag)
			c.bus.Emit(Event{Type: EventLightState, ID: l.ID, Data: lightStateData(l)})
		}
	}
	if groupChanged {
		updateEtag(&g.Etag)
		c.bus.Emit(Event{Type: EventGroupState, ID: g.ID, Data: groupStateData(g)})
		c.queueSaveGroups()
	}
	c.queueSaveLights()
}
