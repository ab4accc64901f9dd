package wire

import (
	"fmt"
	"net"
)

// AdvertisingMode is the advertising state the transport reports.
type AdvertisingMode int

const (
	AdvertisingOff AdvertisingMode = iota
	AdvertisingFast
	AdvertisingSlow
)

func (m AdvertisingMode) String() string {
	switch m {
	case AdvertisingOff:
		return "off"
	case AdvertisingFast:
		return "fast"
	case AdvertisingSlow:
		return "slow"
	}
	return fmt.Sprintf("AdvertisingMode(%d)", int(m))
}

// Event is something the transport reports to the processing loop.
type Event interface {
	event()
}

// Connected reports a central attaching. ID is never 0.
type Connected struct {
	ID   uint16
	Addr net.HardwareAddr
}

// Disconnected reports the central going away.
type Disconnected struct {
	ID     uint16
	Reason string
}

// AdvertisingChanged reports the advertising state.
type AdvertisingChanged struct {
	Mode AdvertisingMode
}

// Request carries one ATT PDU received from the central.
type Request struct {
	PDU []byte
}

func (Connected) event()          {}
func (Disconnected) event()       {}
func (AdvertisingChanged) event() {}
func (Request) event()            {}

// ReleaseFunc returns a response buffer to its owner once the transport is
// done with it.
type ReleaseFunc func()

// Transport is the link below the attribute server.
type Transport interface {
	Events() <-chan Event

	// SendResponse transmits pdu. When release is non-nil the transport
	// calls it exactly once after the bytes are written or dropped.
	SendResponse(pdu []byte, release ReleaseFunc) error
	SendNotification(handle uint16, value []byte) error
	SendIndication(handle uint16, value []byte) error
	SendError(requestOpcode uint8, handle uint16, code uint8) error

	StartAdvertising() error
	StopAdvertising() error
	SetMTU(mtu int)
}
