package core

import (
	"encoding/binary"
	"time"

	"zigbee-gateway/internal/radio"
)

// ZCL cluster identifiers used by the core.
const (
	clusterBasic         uint16 = 0x0000
	clusterGroups        uint16 = 0x0004
	clusterScenes        uint16 = 0x0005
	clusterOnOff         uint16 = 0x0006
	clusterLevel         uint16 = 0x0008
	clusterColor         uint16 = 0x0300
	clusterIlluminance   uint16 = 0x0400
	clusterOccupancy     uint16 = 0x0406
	clusterCommissioning uint16 = 0x1000
)

// Basic cluster attribute ids read during discovery polls.
const (
	attrManufacturer uint16 = 0x0004
	attrModelID      uint16 = 0x0005
	attrSWBuildID    uint16 = 0x4000
)

// Home Automation profile.
const profileHA uint16 = 0x0104

// Gateway-side source endpoint for all outgoing requests.
const srcEndpoint uint8 = 0x01

// ZCL frame control bits and general command ids, enough to build the
// frames the core sends and to recognize the responses it handles.
const (
	zclFCProfileCommand  uint8 = 0x00
	zclFCClusterCommand  uint8 = 0x01
	zclFCDirectionServer uint8 = 0x08

	zclCmdReadAttributes        uint8 = 0x00
	zclCmdReadAttributesRsp     uint8 = 0x01
	zclCmdWriteAttributes       uint8 = 0x02
	zclCmdReportAttributes      uint8 = 0x0A
	zclCmdDefaultResponse       uint8 = 0x0B
	zclCmdDiscoverAttributes    uint8 = 0x0C
	zclCmdDiscoverAttributesRsp uint8 = 0x0D
)

// TaskType identifies the kind of work a queued task performs.
type TaskType int

const (
	TaskNone TaskType = iota
	TaskSetOnOff
	TaskSetLevel
	TaskSetHueSat
	TaskSetXYColor
	TaskSetColorTemperature
	TaskSetColorLoop
	TaskIdentify
	TaskReadAttributes
	TaskWriteAttribute
	TaskAddToGroup
	TaskRemoveFromGroup
	TaskGetGroupMembership
	TaskGetGroupIdentifiers
	TaskStoreScene
	TaskCallScene
	TaskAddScene
	TaskRemoveScene
	TaskRemoveAllScenes
	TaskGetSceneMembership
	TaskViewScene
)

func (t TaskType) String() string {
	switch t {
	case TaskSetOnOff:
		return "set-on-off"
	case TaskSetLevel:
		return "set-level"
	case TaskSetHueSat:
		return "set-hue-sat"
	case TaskSetXYColor:
		return "set-xy-color"
	case TaskSetColorTemperature:
		return "set-color-temperature"
	case TaskSetColorLoop:
		return "set-color-loop"
	case TaskIdentify:
		return "identify"
	case TaskReadAttributes:
		return "read-attributes"
	case TaskWriteAttribute:
		return "write-attribute"
	case TaskAddToGroup:
		return "add-to-group"
	case TaskRemoveFromGroup:
		return "remove-from-group"
	case TaskGetGroupMembership:
		return "get-group-membership"
	case TaskGetGroupIdentifiers:
		return "get-group-identifiers"
	case TaskStoreScene:
		return "store-scene"
	case TaskCallScene:
		return "call-scene"
	case TaskAddScene:
		return "add-scene"
	case TaskRemoveScene:
		return "remove-scene"
	case TaskRemoveAllScenes:
		return "remove-all-scenes"
	case TaskGetSceneMembership:
		return "get-scene-membership"
	case TaskViewScene:
		return "view-scene"
	default:
		return "none"
	}
}

// refreshExempt reports whether queued tasks of this type may pile up
// instead of being replaced by a newer equivalent submission. Query and
// scene maintenance tasks carry distinct meaning per instance.
func (t TaskType) refreshExempt() bool {
	switch t {
	case TaskGetSceneMembership,
		TaskGetGroupMembership,
		TaskGetGroupIdentifiers,
		TaskStoreScene,
		TaskCallScene,
		TaskAddScene,
		TaskRemoveScene,
		TaskRemoveAllScenes,
		TaskViewScene,
		TaskReadAttributes,
		TaskWriteAttribute:
		return true
	}
	return false
}

// Task is one queued unit of outgoing mesh work plus the local state echo
// applied when the destination confirms delivery.
type Task struct {
	Type TaskType
	Req  radio.Request

	// radio id assigned on submission, zero while queued.
	id uint8

	// Light is set for unicast tasks addressed to a known light so the
	// dispatcher can drop work for zombies and deleted records.
	Light *LightNode

	// FireAndForget tasks skip the one-outstanding-per-destination rule
	// and produce no confirm bookkeeping.
	FireAndForget bool

	// ReadFlags to clear from the target node once this task confirms.
	ReadFlags uint32

	// Local echo captured at build time.
	OnOff           bool
	Level           uint8
	Hue             uint16
	Sat             uint8
	X               uint16
	Y               uint16
	ColorTemp       uint16
	ColorLoop       bool
	TransitionTime  uint16
	GroupID         uint16
	SceneID         uint8
	AttrIDs         []uint16
	ordinal         uint64
	queuedAt        time.Time
	confirmDeadline time.Time
}

// sameDestination reports whether two tasks target the same node, which
// for dedup purposes includes the endpoints and addressing mode.
func sameDestination(a, b *Task) bool {
	return a.Req.Dst.Equal(b.Req.Dst) &&
		a.Req.DstEndpoint == b.Req.DstEndpoint &&
		a.Req.SrcEndpoint == b.Req.SrcEndpoint
}

// equivalent reports whether b is a newer rendition of a: same type,
// destination, cluster, profile, options and payload size. Payload bytes
// are deliberately not compared so that a fresher value replaces a stale
// queued one.
func equivalent(a, b *Task) bool {
	return a.Type == b.Type &&
		sameDestination(a, b) &&
		a.Req.Profile == b.Req.Profile &&
		a.Req.Cluster == b.Req.Cluster &&
		a.Req.TxOptions == b.Req.TxOptions &&
		len(a.Req.Payload) == len(b.Req.Payload)
}

// zclHeader builds a cluster-specific ZCL frame header.
func zclHeader(seq, cmd uint8) []byte {
	return []byte{zclFCClusterCommand, seq, cmd}
}

// zclProfileHeader builds a profile-wide ZCL frame header.
func zclProfileHeader(seq, cmd uint8) []byte {
	return []byte{zclFCProfileCommand, seq, cmd}
}

func appendUint16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

// newUnicastTask prepares a task addressed at one light endpoint.
func newUnicastTask(light *LightNode, cluster uint16) *Task {
	t := &Task{Light: light}
	t.Req.Dst = light.Address()
	t.Req.DstEndpoint = light.Endpoint
	t.Req.SrcEndpoint = srcEndpoint
	t.Req.Profile = profileHA
	t.Req.Cluster = cluster
	t.Req.TxOptions = radio.TxAcknowledged
	t.Req.Radius = 0
	return t
}

// newGroupTask prepares a task addressed at a group.
func newGroupTask(groupAddr uint16, cluster uint16) *Task {
	t := &Task{}
	t.Req.Dst = radio.Address{Mode: radio.AddressModeGroup, Group: groupAddr}
	t.Req.DstEndpoint = 0xFF
	t.Req.SrcEndpoint = srcEndpoint
	t.Req.Profile = profileHA
	t.Req.Cluster = cluster
	t.Req.Radius = 0
	return t
}

func taskSetOnOff(t *Task, seq uint8, on bool) {
	t.Type = TaskSetOnOff
	t.Req.Cluster = clusterOnOff
	t.OnOff = on
	cmd := uint8(0x00)
	if on {
		cmd = 0x01
	}
	t.Req.Command = cmd
	t.Req.Payload = zclHeader(seq, cmd)
}

func taskSetLevel(t *Task, seq uint8, level uint8, withOnOff bool, transition uint16) {
	t.Type = TaskSetLevel
	t.Req.Cluster = clusterLevel
	t.Level = level
	t.TransitionTime = transition
	cmd := uint8(0x00) // move to level
	if withOnOff {
		cmd = 0x04 // move to level (with on/off)
	}
	t.Req.Command = cmd
	p := zclHeader(seq, cmd)
	p = append(p, level)
	p = appendUint16(p, transition)
	t.Req.Payload = p
}

func taskSetHueSat(t *Task, seq uint8, hue uint16, sat uint8, transition uint16) {
	t.Type = TaskSetHueSat
	t.Req.Cluster = clusterColor
	t.Hue = hue
	t.Sat = sat
	t.TransitionTime = transition
	t.Req.Command = 0x06 // move to hue and saturation
	p := zclHeader(seq, 0x06)
	p = append(p, uint8(hue>>8), sat) // enhanced hue is scaled to 8 bit here
	p = appendUint16(p, transition)
	t.Req.Payload = p
}

func taskSetXYColor(t *Task, seq uint8, x, y uint16, transition uint16) {
	t.Type = TaskSetXYColor
	t.Req.Cluster = clusterColor
	t.X = x
	t.Y = y
	t.TransitionTime = transition
	t.Req.Command = 0x07 // move to color
	p := zclHeader(seq, 0x07)
	p = appendUint16(p, x)
	p = appendUint16(p, y)
	p = appendUint16(p, transition)
	t.Req.Payload = p
}

func taskSetColorTemperature(t *Task, seq uint8, ct uint16, transition uint16) {
	t.Type = TaskSetColorTemperature
	t.Req.Cluster = clusterColor
	t.ColorTemp = ct
	t.TransitionTime = transition
	t.Req.Command = 0x0A // move to color temperature
	p := zclHeader(seq, 0x0A)
	p = appendUint16(p, ct)
	p = appendUint16(p, transition)
	t.Req.Payload = p
}

// taskSetColorLoop starts or stops the color loop effect. Speed is the
// time in seconds for one full hue rotation.
func taskSetColorLoop(t *Task, seq uint8, activate bool, speed uint8) {
	t.Type = TaskSetColorLoop
	t.Req.Cluster = clusterColor
	t.ColorLoop = activate
	t.Req.Command = 0x44 // color loop set
	action := uint8(0x00)
	if activate {
		action = 0x02 // activate from current hue
	}
	p := zclHeader(seq, 0x44)
	p = append(p, 0x0F) // update flags: action, direction, time, start hue
	p = append(p, action)
	p = append(p, 0x01) // direction: increment
	p = appendUint16(p, uint16(speed))
	p = appendUint16(p, 0x0000) // start hue
	t.Req.Payload = p
}

func taskAddToGroup(t *Task, seq uint8, groupID uint16) {
	t.Type = TaskAddToGroup
	t.Req.Cluster = clusterGroups
	t.GroupID = groupID
	t.Req.Command = 0x00
	p := zclHeader(seq, 0x00)
	p = appendUint16(p, groupID)
	p = append(p, 0x00) // empty group name
	t.Req.Payload = p
}

func taskRemoveFromGroup(t *Task, seq uint8, groupID uint16) {
	t.Type = TaskRemoveFromGroup
	t.Req.Cluster = clusterGroups
	t.GroupID = groupID
	t.Req.Command = 0x03
	p := zclHeader(seq, 0x03)
	p = appendUint16(p, groupID)
	t.Req.Payload = p
}

// taskGetGroupMembership with no group ids asks for the full list.
func taskGetGroupMembership(t *Task, seq uint8) {
	t.Type = TaskGetGroupMembership
	t.Req.Cluster = clusterGroups
	t.Req.Command = 0x02
	p := zclHeader(seq, 0x02)
	p = append(p, 0x00) // group count 0: report all
	t.Req.Payload = p
}

func taskGetGroupIdentifiers(t *Task, seq uint8, startIndex uint8) {
	t.Type = TaskGetGroupIdentifiers
	t.Req.Cluster = clusterCommissioning
	t.Req.Profile = profileHA
	t.Req.Command = 0x41
	p := zclHeader(seq, 0x41)
	p = append(p, startIndex)
	t.Req.Payload = p
}

func taskStoreScene(t *Task, seq uint8, groupID uint16, sceneID uint8) {
	t.Type = TaskStoreScene
	t.Req.Cluster = clusterScenes
	t.GroupID = groupID
	t.SceneID = sceneID
	t.Req.Command = 0x04
	p := zclHeader(seq, 0x04)
	p = appendUint16(p, groupID)
	p = append(p, sceneID)
	t.Req.Payload = p
}

func taskCallScene(t *Task, seq uint8, groupID uint16, sceneID uint8) {
	t.Type = TaskCallScene
	t.Req.Cluster = clusterScenes
	t.GroupID = groupID
	t.SceneID = sceneID
	t.Req.Command = 0x05
	p := zclHeader(seq, 0x05)
	p = appendUint16(p, groupID)
	p = append(p, sceneID)
	t.Req.Payload = p
}

// taskAddScene writes a scene with an explicit light state instead of
// capturing the current one, used to push modified scenes back out.
func taskAddScene(t *Task, seq uint8, groupID uint16, sceneID uint8, st *LightState) {
	t.Type = TaskAddScene
	t.Req.Cluster = clusterScenes
	t.GroupID = groupID
	t.SceneID = sceneID
	t.Req.Command = 0x00
	p := zclHeader(seq, 0x00)
	p = appendUint16(p, groupID)
	p = append(p, sceneID)
	p = appendUint16(p, st.TransitionTime)
	p = append(p, 0x00) // empty scene name

	// on/off extension field set
	p = appendUint16(p, clusterOnOff)
	p = append(p, 1)
	if st.On {
		p = append(p, 0x01)
	} else {
		p = append(p, 0x00)
	}

	// level extension field set
	p = appendUint16(p, clusterLevel)
	p = append(p, 1, st.Bri)

	// color extension field set: currentX, currentY
	p = appendUint16(p, clusterColor)
	p = append(p, 4)
	p = appendUint16(p, st.X)
	p = appendUint16(p, st.Y)

	t.Req.Payload = p
}

func taskRemoveScene(t *Task, seq uint8, groupID uint16, sceneID uint8) {
	t.Type = TaskRemoveScene
	t.Req.Cluster = clusterScenes
	t.GroupID = groupID
	t.SceneID = sceneID
	t.Req.Command = 0x02
	p := zclHeader(seq, 0x02)
	p = appendUint16(p, groupID)
	p = append(p, sceneID)
	t.Req.Payload = p
}

func taskGetSceneMembership(t *Task, seq uint8, groupID uint16) {
	t.Type = TaskGetSceneMembership
	t.Req.Cluster = clusterScenes
	t.GroupID = groupID
	t.Req.Command = 0x06
	p := zclHeader(seq, 0x06)
	p = appendUint16(p, groupID)
	t.Req.Payload = p
}

func taskViewScene(t *Task, seq uint8, groupID uint16, sceneID uint8) {
	t.Type = TaskViewScene
	t.Req.Cluster = clusterScenes
	t.GroupID = groupID
	t.SceneID = sceneID
	t.Req.Command = 0x01
	p := zclHeader(seq, 0x01)
	p = appendUint16(p, groupID)
	p = append(p, sceneID)
	t.Req.Payload = p
}

// taskReadAttributes builds a profile-wide read of the given attributes.
func taskReadAttributes(t *Task, seq uint8, cluster uint16, attrs []uint16) {
	t.Type = TaskReadAttributes
	t.Req.Cluster = cluster
	t.AttrIDs = attrs
	t.Req.Command = zclCmdReadAttributes
	p := zclProfileHeader(seq, zclCmdReadAttributes)
	for _, a := range attrs {
		p = appendUint16(p, a)
	}
	t.Req.Payload = p
}

// taskWriteAttribute builds a profile-wide write of a single uint16
// attribute. The occupancy delay write is the only current user.
func taskWriteAttribute(t *Task, seq uint8, cluster uint16, attr uint16, dataType uint8, value uint16) {
	t.Type = TaskWriteAttribute
	t.Req.Cluster = cluster
	t.AttrIDs = []uint16{attr}
	t.Req.Command = zclCmdWriteAttributes
	p := zclProfileHeader(seq, zclCmdWriteAttributes)
	p = appendUint16(p, attr)
	p = append(p, dataType)
	p = appendUint16(p, value)
	t.Req.Payload = p
}
