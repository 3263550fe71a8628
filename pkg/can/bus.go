package can

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send/Receive on a backend that has not
// completed Connect (or has been Disconnect-ed).
var ErrNotConnected = errors.New("can: bus not connected")

// CAN bus error bits, mirrored from the node's last CAN status word.
const (
	ErrorTxWarning  = 0x0001
	ErrorTxPassive  = 0x0002
	ErrorTxBusOff   = 0x0004
	ErrorTxOverflow = 0x0008
	ErrorPdoLate    = 0x0080
	ErrorRxWarning  = 0x0100
	ErrorRxPassive  = 0x0200
	ErrorRxOverflow = 0x0800
)

// Bus is the low-level CAN driver collaborator: a backend capable of
// sending and polling for frames on one physical or virtual channel. It is
// the only "external collaborator" this module consumes for bus access
// (spec section 1, non-goal: the driver's physical layer itself).
//
// Receive must be non-blocking: it reports ok=false immediately when no
// frame is pending, never sleeping or waiting. Backends that are
// inherently push/callback-driven (e.g. a vendor SDK) buffer internally
// between the callback and Receive.
type Bus interface {
	Connect(channel string, bitrateBPS int) error
	Disconnect() error
	Send(frame Frame) error
	Receive() (frame Frame, ok bool, err error)
}

// NewBusFunc constructs an unconnected Bus backend.
type NewBusFunc func() Bus

var registry = make(map[string]NewBusFunc)

// RegisterBackend makes a Bus backend available to [New] under name. Called
// from the init() function of each backend package (pkg/can/socketcan,
// pkg/can/socketcanraw, pkg/can/virtual).
func RegisterBackend(name string, ctor NewBusFunc) {
	registry[name] = ctor
}

// New creates a Bus of the named backend and connects it to channel at the
// given bitrate. Backends registered by this module: "socketcan"
// (brutella/can), "socketcanraw" (native AF_CAN sockets), "virtual"
// (in-process broadcast segment, for tests).
func New(backend string, channel string, bitrateBPS int) (Bus, error) {
	ctor, ok := registry[backend]
	if !ok {
		return nil, fmt.Errorf("can: unknown backend %q", backend)
	}
	bus := ctor()
	if err := bus.Connect(channel, bitrateBPS); err != nil {
		return nil, err
	}
	return bus, nil
}
