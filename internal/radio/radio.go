// Package radio defines the interface to the mesh transceiver. The core
// schedules and correlates opaque request/confirm/indication frames; the
// actual over-the-air encoding is the transceiver's business.
package radio

import (
	"errors"
	"fmt"
)

// Submit errors. ErrBusy means the transceiver queue is full and the caller
// should retry on a later tick. ErrZombie means the destination is known to
// be unreachable and the request should be dropped.
var (
	ErrNotJoined = errors.New("network not formed")
	ErrBusy      = errors.New("transceiver busy")
	ErrZombie    = errors.New("destination is zombie")
)

// AddressMode selects how a request is addressed.
type AddressMode uint8

const (
	AddressModeNone AddressMode = iota
	AddressModeExt              // unicast by extended (64-bit) address
	AddressModeGroup
	AddressModeBroadcast
)

// Address is a request destination or indication source.
type Address struct {
	Mode  AddressMode
	Ext   uint64
	Group uint16
}

// Equal reports whether two addresses refer to the same destination.
func (a Address) Equal(b Address) bool {
	if a.Mode != b.Mode {
		return false
	}
	switch a.Mode {
	case AddressModeExt:
		return a.Ext == b.Ext
	case AddressModeGroup:
		return a.Group == b.Group
	}
	return a.Mode == b.Mode
}

// String renders the address for log output.
func (a Address) String() string {
	switch a.Mode {
	case AddressModeExt:
		return fmt.Sprintf("0x%016x", a.Ext)
	case AddressModeGroup:
		return fmt.Sprintf("group 0x%04x", a.Group)
	case AddressModeBroadcast:
		return "broadcast"
	}
	return "none"
}

// TxOption flags for a request.
const (
	TxAcknowledged uint8 = 0x04
)

// Request is one outbound frame. Payload carries the opaque application
// frame (command id plus command payload); the core never touches the
// network-layer encoding.
type Request struct {
	Dst         Address
	DstEndpoint uint8
	SrcEndpoint uint8
	Profile     uint16
	Cluster     uint16
	TxOptions   uint8
	Radius      uint8
	Command     uint8
	Payload     []byte
}

// ConfirmStatus is the transceiver-reported delivery result.
type ConfirmStatus uint8

const (
	ConfirmSuccess ConfirmStatus = 0x00
	ConfirmNoAck   ConfirmStatus = 0xA7
	ConfirmFailure ConfirmStatus = 0xE1
)

// Confirm resolves a previously submitted request by correlation id.
type Confirm struct {
	ID     uint8
	Status ConfirmStatus
}

// Indication is one inbound frame: a cluster response, an attribute report
// or a device announcement, already split into command id and payload.
type Indication struct {
	Src         Address
	SrcEndpoint uint8
	DstEndpoint uint8
	Profile     uint16
	Cluster     uint16
	Command     uint8
	Response    bool // cluster response (vs. unsolicited report/command)
	Payload     []byte
	LQI         uint8
	RSSI        int8
}

// NodeInfo describes one node known to the transceiver's neighbor table.
type NodeInfo struct {
	ExtAddr   uint64
	Endpoints []uint8
	Zombie    bool
}

// Radio is the abstract transceiver. Submit assigns and returns a
// correlation id; the matching Confirm arrives asynchronously on the
// handler registered with OnConfirm.
type Radio interface {
	Submit(req *Request) (uint8, error)
	OnConfirm(handler func(Confirm))
	OnIndication(handler func(Indication))
	NetworkFormed() bool
	Nodes() []NodeInfo
	Close() error
}
