package store

import "time"

// LightRecord is the persisted form of a light node.
type LightRecord struct {
	ID           string    `json:"id"`
	ExtAddress   uint64    `json:"ext_address"`
	Endpoint     uint8     `json:"endpoint"`
	ProfileID    uint16    `json:"profile_id"`
	DeviceID     uint16    `json:"device_id"`
	Name         string    `json:"name,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	ModelID      string    `json:"model_id,omitempty"`
	SWBuildID    string    `json:"sw_build_id,omitempty"`
	On           bool      `json:"on"`
	Level        uint8     `json:"level"`
	Hue          uint16    `json:"hue"`
	Sat          uint8     `json:"sat"`
	X            uint16    `json:"x"`
	Y            uint16    `json:"y"`
	ColorTemp    uint16    `json:"ct"`
	GroupIDs     []uint16  `json:"group_ids,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// SensorRecord is the persisted form of a sensor node.
type SensorRecord struct {
	ID           string    `json:"id"`
	ExtAddress   uint64    `json:"ext_address"`
	Endpoint     uint8     `json:"endpoint"`
	Profile      uint16    `json:"profile"`
	Device       uint16    `json:"device"`
	InClusters   []uint16  `json:"in_clusters,omitempty"`
	OutClusters  []uint16  `json:"out_clusters,omitempty"`
	Type         string    `json:"type"`
	Name         string    `json:"name,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	ModelID      string    `json:"model_id,omitempty"`
	SWBuildID    string    `json:"sw_build_id,omitempty"`
	ConfigOn     bool      `json:"config_on"`
	Duration     int       `json:"duration,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
}

// LightStateRecord captures one light's state inside a scene.
type LightStateRecord struct {
	LightID         string `json:"light_id"`
	On              bool   `json:"on"`
	Bri             uint8  `json:"bri"`
	X               uint16 `json:"x"`
	Y               uint16 `json:"y"`
	ColorLoopActive bool   `json:"colorloop_active"`
	ColorLoopTime   uint8  `json:"colorloop_time"`
}

// SceneRecord is persisted inside its owning group.
type SceneRecord struct {
	ID             uint8              `json:"id"`
	Name           string             `json:"name,omitempty"`
	TransitionTime uint16             `json:"transition_time,omitempty"`
	Lights         []LightStateRecord `json:"lights,omitempty"`
}

// GroupRecord is the persisted form of a group including its scenes.
type GroupRecord struct {
	ID                string        `json:"id"`
	Address           uint16        `json:"address"`
	Name              string        `json:"name,omitempty"`
	On                bool          `json:"on"`
	Level             uint8         `json:"level"`
	Scenes            []SceneRecord `json:"scenes,omitempty"`
	DeviceMemberships []string      `json:"device_memberships,omitempty"`
}

// RuleRecord is the persisted form of an automation rule.
type RuleRecord struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Owner           string                `json:"owner,omitempty"`
	Status          string                `json:"status"`
	Conditions      []RuleConditionRecord `json:"conditions"`
	Actions         []RuleActionRecord    `json:"actions"`
	TriggerPeriodic int                   `json:"trigger_periodic,omitempty"`
	LastTriggered   time.Time             `json:"last_triggered,omitempty"`
	TimesTriggered  int                   `json:"times_triggered"`
	Created         time.Time             `json:"created"`
}

// RuleConditionRecord is a single rule condition.
type RuleConditionRecord struct {
	Address  string `json:"address"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// RuleActionRecord is a single rule action.
type RuleActionRecord struct {
	Address string         `json:"address"`
	Method  string         `json:"method"`
	Body    map[string]any `json:"body,omitempty"`
}

// NetworkState holds persisted mesh network configuration.
type NetworkState struct {
	Channel  uint8  `json:"channel"`
	PanID    uint16 `json:"pan_id"`
	ExtPanID string `json:"ext_pan_id"`
	Formed   bool   `json:"formed"`
}
