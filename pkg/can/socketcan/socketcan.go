// Package socketcan wires a Linux SocketCAN interface into a [can.Bus] using
// github.com/brutella/can, which is natively push/callback driven. Bus
// buffers incoming frames in a fixed-size queue so Receive can stay
// non-blocking.
package socketcan

import (
	"log/slog"

	sockcan "github.com/brutella/can"
	"github.com/cia301/conode/pkg/can"
)

func init() {
	can.RegisterBackend("socketcan", func() can.Bus { return &Bus{} })
}

const rxQueueSize = 256

// Bus adapts a brutella/can bus to the poll-style [can.Bus] interface.
type Bus struct {
	logger *slog.Logger
	bus    *sockcan.Bus
	rx     chan can.Frame
}

// Connect opens the named Linux network interface (e.g. "can0"). bitrateBPS
// is accepted for interface symmetry; bitrate is set at the OS/ip-link level
// for SocketCAN, not by this driver.
func (b *Bus) Connect(channel string, bitrateBPS int) error {
	if b.logger == nil {
		b.logger = slog.Default().With("component", "can-socketcan")
	}
	bus, err := sockcan.NewBusForInterfaceWithName(channel)
	if err != nil {
		return err
	}
	b.bus = bus
	b.rx = make(chan can.Frame, rxQueueSize)
	b.bus.Subscribe(handlerFunc(b.handle))
	go func() {
		if err := b.bus.ConnectAndPublish(); err != nil {
			b.logger.Error("socketcan bus closed", "error", err)
		}
	}()
	return nil
}

// handlerFunc adapts a plain function to brutella/can's Handler interface,
// whose single method is Handle(Frame).
type handlerFunc func(sockcan.Frame)

func (h handlerFunc) Handle(frame sockcan.Frame) { h(frame) }

func (b *Bus) handle(frame sockcan.Frame) {
	f := can.NewFrame(frame.ID, frame.Data[:frame.Length])
	select {
	case b.rx <- f:
	default:
		b.logger.Warn("receive queue full, dropping frame", "id", f.ID)
	}
}

// Disconnect closes the underlying SocketCAN socket.
func (b *Bus) Disconnect() error {
	if b.bus == nil {
		return nil
	}
	return b.bus.Disconnect()
}

// Send transmits one frame on the bus.
func (b *Bus) Send(frame can.Frame) error {
	if b.bus == nil {
		return can.ErrNotConnected
	}
	return b.bus.Publish(sockcan.Frame{
		ID:     frame.ID,
		Length: frame.DLC,
		Data:   frame.Data,
	})
}

// Receive returns the next buffered frame, if any, without blocking.
func (b *Bus) Receive() (can.Frame, bool, error) {
	if b.rx == nil {
		return can.Frame{}, false, can.ErrNotConnected
	}
	select {
	case frame := <-b.rx:
		return frame, true, nil
	default:
		return can.Frame{}, false, nil
	}
}
