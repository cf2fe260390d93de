package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Kind names a record bucket. Used for debounced batch saves.
type Kind string

const (
	KindLights  Kind = "lights"
	KindSensors Kind = "sensors"
	KindGroups  Kind = "groups"
	KindRules   Kind = "rules"
	KindNetwork Kind = "network"
)

// Store defines the persistence interface.
type Store interface {
	SaveLight(rec *LightRecord) error
	GetLight(id string) (*LightRecord, error)
	DeleteLight(id string) error
	ListLights() ([]*LightRecord, error)

	SaveSensor(rec *SensorRecord) error
	GetSensor(id string) (*SensorRecord, error)
	DeleteSensor(id string) error
	ListSensors() ([]*SensorRecord, error)

	SaveGroup(rec *GroupRecord) error
	GetGroup(id string) (*GroupRecord, error)
	DeleteGroup(id string) error
	ListGroups() ([]*GroupRecord, error)

	SaveRule(rec *RuleRecord) error
	GetRule(id string) (*RuleRecord, error)
	DeleteRule(id string) error
	ListRules() ([]*RuleRecord, error)

	SaveNetworkState(state *NetworkState) error
	GetNetworkState() (*NetworkState, error)

	Close() error
}
