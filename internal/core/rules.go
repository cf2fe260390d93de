package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"zigbee-gateway/internal/radio"
	"zigbee-gateway/internal/store"
)

// Rule status values.
const (
	RuleStatusEnabled  = "enabled"
	RuleStatusDisabled = "disabled"
)

// Condition operators.
const (
	OpEqual       = "eq"
	OpGreaterThan = "gt"
	OpLowerThan   = "lt"
)

// RuleCondition guards a rule: an operator applied to one sensor state
// item, e.g. "/sensors/3/state/buttonevent" eq "2000".
type RuleCondition struct {
	Address  string
	Operator string
	Value    string
}

// RuleAction is what a rule does. BIND actions compile into device
// bindings; PUT actions run against the local API when the rule
// triggers.
type RuleAction struct {
	Address string
	Method  string
	Body    map[string]any
}

// Rule links sensor events to light or group behavior.
type Rule struct {
	ID             string
	Name           string
	Owner          string
	Status         string
	Etag           string
	Conditions     []RuleCondition
	Actions        []RuleAction
	TriggerPeriodic int // seconds between periodic evaluations, 0 = event driven
	LastTriggered  time.Time
	TimesTriggered int
	Created        time.Time

	// compiled bindings plus verification bookkeeping, in idle seconds
	bindings   []ruleBinding
	lastVerify int64
}

type ruleBinding struct {
	binding  Binding
	verified int64
}

// Verification pacing. A rule is recompiled and its bindings re-queued
// when it has not been verified for maxVerifyDelay idle seconds.
const (
	maxVerifyDelay = 300
	luxMaxAge      = 180 * time.Second
	luxReadBackoff = 60 * time.Second
)

// sensorStateAddress matches /sensors/<id>/state/<item>.
func sensorStateAddress(addr string) (id, item string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(addr, "/"), "/")
	if len(parts) != 4 || parts[0] != "sensors" || parts[2] != "state" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// actionTarget matches /groups/<id>/action and /lights/<id>/state.
func actionTarget(addr string) (kind, id string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(addr, "/"), "/")
	if len(parts) != 3 {
		return "", "", false
	}
	switch {
	case parts[0] == "groups" && parts[2] == "action":
		return "group", parts[1], true
	case parts[0] == "lights" && parts[2] == "state":
		return "light", parts[1], true
	}
	return "", "", false
}

// validateRule rejects malformed conditions and actions before anything
// is stored.
func (c *Core) validateRule(conditions []RuleCondition, actions []RuleAction) error {
	if len(conditions) == 0 || len(actions) == 0 {
		return fmt.Errorf("%w: rule needs conditions and actions", ErrValidation)
	}
	for _, cond := range conditions {
		_, item, ok := sensorStateAddress(cond.Address)
		if !ok {
			return fmt.Errorf("%w: condition address %q", ErrValidation, cond.Address)
		}
		switch item {
		case "buttonevent", "illuminance", "presence":
		default:
			return fmt.Errorf("%w: condition item %q", ErrValidation, item)
		}
		switch cond.Operator {
		case OpEqual, OpGreaterThan, OpLowerThan:
		default:
			return fmt.Errorf("%w: condition operator %q", ErrValidation, cond.Operator)
		}
		if cond.Operator != OpEqual || item != "presence" {
			if _, err := strconv.Atoi(cond.Value); err != nil {
				return fmt.Errorf("%w: condition value %q", ErrValidation, cond.Value)
			}
		}
	}
	for _, act := range actions {
		if _, _, ok := actionTarget(act.Address); !ok {
			return fmt.Errorf("%w: action address %q", ErrValidation, act.Address)
		}
		switch act.Method {
		case "BIND", "PUT":
		default:
			return fmt.Errorf("%w: action method %q", ErrValidation, act.Method)
		}
	}
	return nil
}

// CreateRule validates, stores and compiles a rule. Bindings go out on
// the following verification ticks.
func (c *Core) CreateRule(name, owner string, conditions []RuleCondition, actions []RuleAction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateRule(conditions, actions); err != nil {
		return "", err
	}

	id := strconv.Itoa(c.nextRuleID())
	r := &Rule{
		ID:         id,
		Name:       name,
		Owner:      owner,
		Status:     RuleStatusEnabled,
		Conditions: conditions,
		Actions:    actions,
		Created:    time.Now(),
	}
	updateEtag(&r.Etag)
	c.rules = append(c.rules, r)
	c.verifyRuleBindings(r)
	c.queueSaveRules()
	c.logger.Info("rule created", "id", id, "name", name)
	return id, nil
}

func (c *Core) nextRuleID() int {
	max := 0
	for _, r := range c.rules {
		if n, err := strconv.Atoi(r.ID); err == nil && n > max {
			max = n
		}
	}
	return max + 1
}

// DeleteRule removes the rule and unbinds whatever it had bound.
func (c *Core) DeleteRule(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.rules {
		if r.ID != id {
			continue
		}
		for _, rb := range r.bindings {
			c.queueBindingTask(BindingUnbind, rb.binding)
		}
		c.rules = append(c.rules[:i], c.rules[i+1:]...)
		if c.verifyCursor >= len(c.rules) {
			c.verifyCursor = 0
		}
		c.queueSaveRules()
		c.logger.Info("rule deleted", "id", id)
		return nil
	}
	return fmt.Errorf("rule %s: %w", id, ErrNotFound)
}

// SetRuleStatus enables or disables a rule. Disabling unbinds.
func (c *Core) SetRuleStatus(id, status string) error {
	if status != RuleStatusEnabled && status != RuleStatusDisabled {
		return fmt.Errorf("%w: status %q", ErrValidation, status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.ruleByID(id)
	if r == nil {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if r.Status == status {
		return nil
	}
	r.Status = status
	updateEtag(&r.Etag)
	if status == RuleStatusDisabled {
		for _, rb := range r.bindings {
			c.queueBindingTask(BindingUnbind, rb.binding)
		}
		r.bindings = nil
	} else {
		c.verifyRuleBindings(r)
	}
	c.queueSaveRules()
	return nil
}

func (c *Core) ruleByID(id string) *Rule {
	for _, r := range c.rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// conditionCluster maps a sensor state item to the cluster a binding
// must cover for the event to reach its destination.
func conditionCluster(item string) (uint16, bool) {
	switch item {
	case "illuminance":
		return clusterIlluminance, true
	case "presence":
		return clusterOccupancy, true
	}
	return 0, false
}

// actionClusters maps action body keys to the clusters the switch must
// be bound on to drive them directly.
func actionClusters(body map[string]any) []uint16 {
	var out []uint16
	add := func(cl uint16) {
		for _, v := range out {
			if v == cl {
				return
			}
		}
		out = append(out, cl)
	}
	for key := range body {
		switch key {
		case "on":
			add(clusterOnOff)
		case "bri", "bri_inc":
			add(clusterLevel)
		case "scene":
			add(clusterScenes)
		}
	}
	return out
}

// compileRule derives the bindings a rule needs. A rule whose sensor is
// configured off compiles to unbind requests instead.
func (c *Core) compileRule(r *Rule) (bind, unbind []Binding) {
	for _, cond := range r.Conditions {
		sid, item, ok := sensorStateAddress(cond.Address)
		if !ok {
			continue
		}
		s := c.sensorByID(sid)
		if s == nil || s.State == StateDeleted {
			continue
		}

		// Button conditions encode the button in the thousands digit;
		// it must correspond to an endpoint the device exposes.
		srcEndpoint := s.Fingerprint.Endpoint
		if item == "buttonevent" {
			v, err := strconv.Atoi(cond.Value)
			if err != nil {
				continue
			}
			button := uint8(v / 1000)
			if button == 0 || button != srcEndpoint {
				// multi-endpoint switches expose one sensor per button
				continue
			}
		}

		var clusters []uint16
		if cl, ok := conditionCluster(item); ok {
			clusters = []uint16{cl}
		}

		for _, act := range r.Actions {
			if act.Method != "BIND" {
				continue
			}
			kind, tid, ok := actionTarget(act.Address)
			if !ok {
				continue
			}

			cls := clusters
			if len(cls) == 0 {
				cls = actionClusters(act.Body)
			}

			for _, cl := range cls {
				b := Binding{
					SrcAddress:  s.ExtAddress,
					SrcEndpoint: srcEndpoint,
					Cluster:     cl,
				}
				switch kind {
				case "group":
					g := c.groupByID(tid)
					if g == nil {
						continue
					}
					b.DstMode = radio.AddressModeGroup
					b.DstGroup = g.Address
				case "light":
					l := c.lightByID(tid)
					if l == nil {
						continue
					}
					b.DstMode = radio.AddressModeExt
					b.DstAddress = l.ExtAddress
					b.DstEndpoint = l.Endpoint
				}
				if !s.Config.On {
					unbind = appendBinding(unbind, b)
				} else {
					bind = appendBinding(bind, b)
				}
			}
		}
	}
	return bind, unbind
}

func appendBinding(list []Binding, b Binding) []Binding {
	for _, v := range list {
		if v.Equal(b) {
			return list
		}
	}
	return append(list, b)
}

// verifyRuleBindings recompiles one rule and queues whatever changed.
func (c *Core) verifyRuleBindings(r *Rule) {
	if r.Status != RuleStatusEnabled {
		return
	}
	bind, unbind := c.compileRule(r)

	// bindings the rule no longer produces get unbound
	for _, rb := range r.bindings {
		found := false
		for _, b := range bind {
			if b.Equal(rb.binding) {
				found = true
				break
			}
		}
		if !found {
			c.queueBindingTask(BindingUnbind, rb.binding)
		}
	}

	var next []ruleBinding
	for _, b := range bind {
		verified := int64(0)
		for _, rb := range r.bindings {
			if rb.binding.Equal(b) {
				verified = rb.verified
				break
			}
		}
		next = append(next, ruleBinding{binding: b, verified: verified})
		c.queueBindingTask(BindingBind, b)
	}
	for _, b := range unbind {
		c.queueBindingTask(BindingUnbind, b)
	}

	r.bindings = next
	r.lastVerify = c.idleCounter
}

// verifyTick walks the rules round-robin, one rule per tick. Periodic
// trigger evaluation always runs; the more expensive recompilation only
// when the rule's verification is overdue and the binding queue has
// room.
func (c *Core) verifyTick() {
	if len(c.rules) == 0 || !c.radio.NetworkFormed() {
		return
	}

	c.verifyCursor = (c.verifyCursor + 1) % len(c.rules)
	r := c.rules[c.verifyCursor]
	if r.Status != RuleStatusEnabled {
		return
	}

	c.triggerRuleIfNeeded(r)

	if r.lastVerify+maxVerifyDelay < c.idleCounter && len(c.bindingQueue) < maxBindingTasks {
		c.verifyRuleBindings(r)
	}
}

// triggerRuleIfNeeded evaluates a periodic rule against cached sensor
// values and fires its PUT actions when every condition holds.
func (c *Core) triggerRuleIfNeeded(r *Rule) {
	if r.TriggerPeriodic <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(r.LastTriggered) < time.Duration(r.TriggerPeriodic)*time.Second {
		return
	}

	for _, cond := range r.Conditions {
		sid, item, ok := sensorStateAddress(cond.Address)
		if !ok {
			return
		}
		s := c.sensorByID(sid)
		if s == nil || s.State == StateDeleted || !s.Config.On {
			return
		}

		switch item {
		case "illuminance":
			// A stale reading must not fire the rule. Ask the device
			// for a fresh value and try again on a later tick.
			if now.Sub(s.Value.LuxTime) > luxMaxAge {
				if now.Sub(s.luxReadRequested) > luxReadBackoff {
					s.enableRead(readIlluminance)
					s.nextReadTime = now.Add(readDelayShort)
					s.luxReadRequested = now
				}
				return
			}
			want, err := strconv.Atoi(cond.Value)
			if err != nil {
				return
			}
			if !compareInt(int(s.Value.Lux), cond.Operator, want) {
				return
			}
		case "presence":
			want := cond.Value == "true"
			if cond.Operator != OpEqual || s.Value.Presence != want {
				return
			}
		case "buttonevent":
			// button events fire rules on indications, not periodically
			return
		}
	}

	c.fireRule(r)
}

func compareInt(have int, op string, want int) bool {
	switch op {
	case OpEqual:
		return have == want
	case OpGreaterThan:
		return have > want
	case OpLowerThan:
		return have < want
	}
	return false
}

// fireRule runs the rule's PUT actions through the regular command path.
func (c *Core) fireRule(r *Rule) {
	r.LastTriggered = time.Now()
	r.TimesTriggered++
	updateEtag(&r.Etag)
	c.queueSaveRules()
	c.bus.Emit(Event{Type: EventRuleTrigger, ID: r.ID, Data: map[string]any{"name": r.Name}})

	for _, act := range r.Actions {
		if act.Method != "PUT" {
			continue
		}
		if err := c.applyRuleAction(act); err != nil {
			c.logger.Warn("rule action failed", "rule", r.ID, "address", act.Address, "err", err)
		}
	}
}

// applyRuleAction translates an action body into group or light
// commands. Caller holds c.mu.
func (c *Core) applyRuleAction(act RuleAction) error {
	kind, id, ok := actionTarget(act.Address)
	if !ok {
		return fmt.Errorf("%w: action address %q", ErrValidation, act.Address)
	}

	st := GroupState{}
	if v, ok := act.Body["on"].(bool); ok {
		st.On = &v
	}
	if v, ok := bodyNumber(act.Body, "bri"); ok {
		b := uint8(v)
		st.Level = &b
	}
	if v, ok := bodyNumber(act.Body, "ct"); ok {
		ct := uint16(v)
		st.ColorTemp = &ct
	}

	switch kind {
	case "group":
		if v, ok := bodyNumber(act.Body, "scene"); ok {
			return c.recallSceneLocked(id, uint8(v))
		}
		return c.setGroupStateLocked(id, st)
	case "light":
		return c.setLightStateLocked(id, st)
	}
	return nil
}

func bodyNumber(body map[string]any, key string) (float64, bool) {
	switch v := body[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return float64(n), true
		}
	}
	return 0, false
}

// handleButtonEvent runs event-driven rules matching a fresh button
// event from a sensor.
func (c *Core) handleButtonEvent(s *Sensor, event int) {
	s.Value.ButtonEvent = event
	s.Value.LastUpdated = time.Now()
	updateEtag(&s.Etag)
	c.bus.Emit(Event{Type: EventSensorState, ID: s.ID, Data: map[string]any{"buttonevent": event}})
	c.queueSaveSensors()

	if !s.Config.On {
		return
	}
	for _, r := range c.rules {
		if r.Status != RuleStatusEnabled {
			continue
		}
		match := true
		for _, cond := range r.Conditions {
			sid, item, ok := sensorStateAddress(cond.Address)
			if !ok || sid != s.ID || item != "buttonevent" || cond.Operator != OpEqual {
				match = false
				break
			}
			want, err := strconv.Atoi(cond.Value)
			if err != nil || want != event {
				match = false
				break
			}
		}
		if match {
			c.fireRule(r)
		}
	}
}

// loadRuleRecord rebuilds a rule from its stored record.
func loadRuleRecord(rec *store.RuleRecord) *Rule {
	r := &Rule{
		ID:              rec.ID,
		Name:            rec.Name,
		Owner:           rec.Owner,
		Status:          rec.Status,
		TriggerPeriodic: rec.TriggerPeriodic,
		LastTriggered:   rec.LastTriggered,
		TimesTriggered:  rec.TimesTriggered,
		Created:         rec.Created,
	}
	updateEtag(&r.Etag)
	for _, cr := range rec.Conditions {
		r.Conditions = append(r.Conditions, RuleCondition(cr))
	}
	for _, ar := range rec.Actions {
		r.Actions = append(r.Actions, RuleAction{Address: ar.Address, Method: ar.Method, Body: ar.Body})
	}
	return r
}

func (r *Rule) record() *store.RuleRecord {
	rec := &store.RuleRecord{
		ID:              r.ID,
		Name:            r.Name,
		Owner:           r.Owner,
		Status:          r.Status,
		TriggerPeriodic: r.TriggerPeriodic,
		LastTriggered:   r.LastTriggered,
		TimesTriggered:  r.TimesTriggered,
		Created:         r.Created,
	}
	for _, cond := range r.Conditions {
		rec.Conditions = append(rec.Conditions, store.RuleConditionRecord(cond))
	}
	for _, act := range r.Actions {
		rec.Actions = append(rec.Actions, store.RuleActionRecord{Address: act.Address, Method: act.Method, Body: act.Body})
	}
	return rec
}
