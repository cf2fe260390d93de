package core

// View types are copies handed to API consumers; mutating them has no
// effect on the cached state.

// ConfigEtag returns the gateway-wide change token. It moves whenever
// any persisted resource changes, so clients can cheap-poll one value.
func (c *Core) ConfigEtag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configEtag
}

type LightView struct {
	ID           string
	Name         string
	Manufacturer string
	ModelID      string
	SWBuildID    string
	On           bool
	Level        uint8
	Hue          uint16
	Sat          uint8
	X, Y         uint16
	ColorTemp    uint16
	ColorLoop    bool
	Reachable    bool
	Etag         string
	GroupIDs     []string
}

type SensorView struct {
	ID           string
	Name         string
	Type         string
	Manufacturer string
	ModelID      string
	On           bool
	Duration     int
	ButtonEvent  int
	Lux          uint32
	Presence     bool
	Etag         string
}

type SceneView struct {
	ID   uint8
	Name string
}

type GroupView struct {
	ID     string
	Name   string
	On     bool
	Level  uint8
	Etag   string
	Scenes []SceneView
}

type RuleView struct {
	ID             string
	Name           string
	Status         string
	Conditions     []RuleCondition
	Actions        []RuleAction
	TimesTriggered int
	Etag           string
}

func (c *Core) lightView(l *LightNode) LightView {
	v := LightView{
		ID:           l.ID,
		Name:         l.Name,
		Manufacturer: l.Manufacturer,
		ModelID:      l.ModelID,
		SWBuildID:    l.SWBuildID,
		On:           l.On,
		Level:        l.Level,
		Hue:          l.Hue,
		Sat:          l.Sat,
		X:            l.X,
		Y:            l.Y,
		ColorTemp:    l.ColorTemp,
		ColorLoop:    l.ColorLoopActive,
		Reachable:    l.Available,
		Etag:         l.Etag,
	}
	for _, gi := range l.Groups {
		if gi.State == GroupStateInGroup {
			if g := c.groupByAddress(gi.ID); g != nil {
				v.GroupIDs = append(v.GroupIDs, g.ID)
			}
		}
	}
	return v
}

// Lights returns all non-deleted lights.
func (c *Core) Lights() []LightView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LightView, 0, len(c.lights))
	for _, l := range c.lights {
		if l.State != StateDeleted {
			out = append(out, c.lightView(l))
		}
	}
	return out
}

// GetLight returns one light by id.
func (c *Core) GetLight(id string) (LightView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lightByID(id)
	if l == nil {
		return LightView{}, ErrNotFound
	}
	return c.lightView(l), nil
}

func sensorView(s *Sensor) SensorView {
	return SensorView{
		ID:           s.ID,
		Name:         s.Name,
		Type:         s.Type,
		Manufacturer: s.Manufacturer,
		ModelID:      s.ModelID,
		On:           s.Config.On,
		Duration:     s.Config.Duration,
		ButtonEvent:  s.Value.ButtonEvent,
		Lux:          s.Value.Lux,
		Presence:     s.Value.Presence,
		Etag:         s.Etag,
	}
}

// Sensors returns all non-deleted sensors.
func (c *Core) Sensors() []SensorView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SensorView, 0, len(c.sensors))
	for _, s := range c.sensors {
		if s.State != StateDeleted {
			out = append(out, sensorView(s))
		}
	}
	return out
}

// GetSensor returns one sensor by id.
func (c *Core) GetSensor(id string) (SensorView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sensorByID(id)
	if s == nil {
		return SensorView{}, ErrNotFound
	}
	return sensorView(s), nil
}

func groupView(g *Group) GroupView {
	v := GroupView{
		ID:    g.ID,
		Name:  g.Name,
		On:    g.On,
		Level: g.Level,
		Etag:  g.Etag,
	}
	for _, s := range g.Scenes {
		if s.State != StateDeleted {
			v.Scenes = append(v.Scenes, SceneView{ID: s.ID, Name: s.Name})
		}
	}
	return v
}

// Groups returns all non-deleted groups.
func (c *Core) Groups() []GroupView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GroupView, 0, len(c.groups))
	for _, g := range c.groups {
		if g.State != StateDeleted {
			out = append(out, groupView(g))
		}
	}
	return out
}

// GetGroup returns one group by id.
func (c *Core) GetGroup(id string) (GroupView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groupByID(id)
	if g == nil {
		return GroupView{}, ErrNotFound
	}
	return groupView(g), nil
}

func ruleView(r *Rule) RuleView {
	return RuleView{
		ID:             r.ID,
		Name:           r.Name,
		Status:         r.Status,
		Conditions:     append([]RuleCondition(nil), r.Conditions...),
		Actions:        append([]RuleAction(nil), r.Actions...),
		TimesTriggered: r.TimesTriggered,
		Etag:           r.Etag,
	}
}

// Rules returns all rules.
func (c *Core) Rules() []RuleView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RuleView, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, ruleView(r))
	}
	return out
}

// GetRule returns one rule by id.
func (c *Core) GetRule(id string) (RuleView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.ruleByID(id)
	if r == nil {
		return RuleView{}, ErrNotFound
	}
	return ruleView(r), nil
}
