package core

import (
	"time"

	"github.com/google/uuid"

	"zigbee-gateway/internal/radio"
)

// Staleness flags: attributes that must be read from (or written to) the
// device when its cached state expires.
const (
	readBindingTable uint32 = 1 << iota
	readVendorName
	readModelID
	readSWBuildID
	readOnOff
	readLevel
	readColor
	readGroups
	readScenes
	readSceneDetails
	readOccupancyConfig
	readGroupIdentifiers
	writeOccupancyConfig
	readIlluminance
)

// Poll delay tiers used to spread read traffic after state changes.
const (
	readDelayShort  = 750 * time.Millisecond
	readDelayLong   = 5 * time.Second
	readDelayLonger = 60 * time.Second
)

// NodeState marks records that are logically removed but still referenced
// by queued work.
type NodeState int

const (
	StateNormal NodeState = iota
	StateDeleted
)

// nodeBase carries the identity and poll bookkeeping shared by lights and
// sensors.
type nodeBase struct {
	ID         string
	Name       string
	ExtAddress uint64
	Available  bool
	Etag       string

	readFlags    uint32
	nextReadTime time.Time
	lastRead     int64
}

func (n *nodeBase) enableRead(flags uint32)    { n.readFlags |= flags }
func (n *nodeBase) clearRead(flags uint32)     { n.readFlags &^= flags }
func (n *nodeBase) mustRead(flags uint32) bool { return n.readFlags&flags != 0 }

// LightNode mirrors one light endpoint. At most one record exists per
// (extended address, endpoint) pair.
type LightNode struct {
	nodeBase

	Endpoint  uint8
	ProfileID uint16
	DeviceID  uint16
	State     NodeState

	Manufacturer string
	ModelID      string
	SWBuildID    string

	On              bool
	Level           uint8
	Hue             uint16
	Sat             uint8
	X               uint16
	Y               uint16
	ColorTemp       uint16
	ColorLoopActive bool
	ColorLoopSpeed  uint8

	GroupCapacity uint8
	SceneCapacity uint8

	// Groups is the device-side membership view, reconciled against
	// get-group-membership responses.
	Groups []GroupInfo

	LastSeen time.Time
}

// Address returns the unicast destination of the light.
func (l *LightNode) Address() radio.Address {
	return radio.Address{Mode: radio.AddressModeExt, Ext: l.ExtAddress}
}

// groupInfo returns the membership entry for the group id, or nil.
func (l *LightNode) groupInfo(groupID uint16) *GroupInfo {
	for i := range l.Groups {
		if l.Groups[i].ID == groupID {
			return &l.Groups[i]
		}
	}
	return nil
}

// Fingerprint classifies a sensor subtype by its endpoint signature. A
// physical node may back multiple sensor records distinguished by
// fingerprint and type.
type Fingerprint struct {
	Endpoint    uint8
	Profile     uint16
	Device      uint16
	InClusters  []uint16
	OutClusters []uint16
}

// Equal reports whether two fingerprints describe the same signature.
func (f Fingerprint) Equal(o Fingerprint) bool {
	if f.Endpoint != o.Endpoint || f.Profile != o.Profile || f.Device != o.Device {
		return false
	}
	if len(f.InClusters) != len(o.InClusters) || len(f.OutClusters) != len(o.OutClusters) {
		return false
	}
	for i := range f.InClusters {
		if f.InClusters[i] != o.InClusters[i] {
			return false
		}
	}
	for i := range f.OutClusters {
		if f.OutClusters[i] != o.OutClusters[i] {
			return false
		}
	}
	return true
}

// HasInCluster reports whether the fingerprint lists the server cluster.
func (f Fingerprint) HasInCluster(clusterID uint16) bool {
	for _, c := range f.InClusters {
		if c == clusterID {
			return true
		}
	}
	return false
}

// SensorConfig is the user-facing sensor configuration.
type SensorConfig struct {
	On       bool
	Duration int // occupied-to-unoccupied delay, seconds
}

// SensorState is the last reported sensor state.
type SensorState struct {
	ButtonEvent int
	Lux         uint32
	LuxTime     time.Time // when Lux was reported
	Presence    bool
	LastUpdated time.Time
}

// Sensor mirrors one logical sensor resource.
type Sensor struct {
	nodeBase

	Type        string
	Fingerprint Fingerprint
	State       NodeState

	Manufacturer string
	ModelID      string
	SWBuildID    string

	Config SensorConfig
	Value  SensorState

	// luxReadRequested throttles forced reads while a request is in flight.
	luxReadRequested time.Time

	LastSeen time.Time
}

// Address returns the unicast destination of the sensor.
func (s *Sensor) Address() radio.Address {
	return radio.Address{Mode: radio.AddressModeExt, Ext: s.ExtAddress}
}

// updateEtag assigns a fresh change token. Callers bump etags on every
// observable mutation so REST clients can detect changes.
func updateEtag(etag *string) {
	*etag = uuid.NewString()[:8]
}
