package conode

import (
	"log/slog"

	"github.com/cia301/conode/pkg/can"
)

// Interface is the thin CAN driver adapter (spec component #1): send one
// frame, enable/reset/close. It keeps no queue of its own — every call is
// forwarded straight to the underlying [can.Bus] — and tracks only the
// single last-error slot a driver failure leaves behind.
type Interface struct {
	logger   *slog.Logger
	bus      can.Bus
	lastErr  LastError
	canError uint16
}

// NewInterface wraps an already-connected bus.
func NewInterface(bus can.Bus, logger *slog.Logger) *Interface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interface{logger: logger.With("component", "can-if"), bus: bus}
}

// Send transmits one frame. A driver failure is latched in the last-error
// slot and returned to the caller; it never panics and never retries.
func (i *Interface) Send(frame can.Frame) error {
	err := i.bus.Send(frame)
	if err != nil {
		i.logger.Warn("frame send failed", "id", frame.ID, "error", err)
		i.lastErr.Set(err)
	}
	return err
}

// Receive polls the driver for at most one pending frame. It never blocks.
func (i *Interface) Receive() (can.Frame, bool, error) {
	frame, ok, err := i.bus.Receive()
	if err != nil {
		i.lastErr.Set(err)
	}
	return frame, ok, err
}

// Reset disconnects the underlying driver. It does not reconnect it; the
// driver stays disconnected after Reset returns.
func (i *Interface) Reset() error {
	return i.bus.Disconnect()
}

// Close releases the underlying driver.
func (i *Interface) Close() error {
	return i.bus.Disconnect()
}

// LastError returns and clears the last driver-level error, if any.
func (i *Interface) LastError() error {
	return i.lastErr.Clear()
}
