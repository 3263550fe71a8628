// Package virtual implements an in-process CAN bus used by tests and by
// integrators that want to exercise the node without real hardware. Bus
// instances that Connect to the same channel name form a broadcast segment:
// a frame sent on one instance is queued for every other instance connected
// to that channel, exactly like frames on a real bus are seen by every other
// node.
package virtual

import (
	"sync"

	"github.com/cia301/conode/pkg/can"
)

func init() {
	can.RegisterBackend("virtual", func() can.Bus { return &Bus{} })
}

const inboxSize = 256

type segment struct {
	mu      sync.Mutex
	members map[*Bus]chan can.Frame
}

var (
	segmentsMu sync.Mutex
	segments   = make(map[string]*segment)
)

func join(channel string, b *Bus) chan can.Frame {
	segmentsMu.Lock()
	seg, ok := segments[channel]
	if !ok {
		seg = &segment{members: make(map[*Bus]chan can.Frame)}
		segments[channel] = seg
	}
	segmentsMu.Unlock()

	inbox := make(chan can.Frame, inboxSize)
	seg.mu.Lock()
	seg.members[b] = inbox
	seg.mu.Unlock()
	return inbox
}

func leave(channel string, b *Bus) {
	segmentsMu.Lock()
	seg, ok := segments[channel]
	segmentsMu.Unlock()
	if !ok {
		return
	}
	seg.mu.Lock()
	delete(seg.members, b)
	seg.mu.Unlock()
}

func broadcast(channel string, from *Bus, frame can.Frame) {
	segmentsMu.Lock()
	seg, ok := segments[channel]
	segmentsMu.Unlock()
	if !ok {
		return
	}
	seg.mu.Lock()
	defer seg.mu.Unlock()
	for member, inbox := range seg.members {
		if member == from {
			continue
		}
		select {
		case inbox <- frame:
		default:
			// member not keeping up with its inbox, drop like a bus-off receiver would
		}
	}
}

// Bus is a [can.Bus] backend with no physical transport: every connected
// instance on the same channel name sees every other instance's frames.
type Bus struct {
	channel    string
	connected  bool
	receiveOwn bool
	inbox      chan can.Frame
}

// SetReceiveOwn makes Send also deliver the frame back to this instance's
// own inbox, mirroring a controller's loopback/self-reception mode.
func (b *Bus) SetReceiveOwn(enabled bool) {
	b.receiveOwn = enabled
}

// Connect joins the named broadcast segment. bitrateBPS is accepted for
// interface symmetry with the other backends but otherwise unused.
func (b *Bus) Connect(channel string, bitrateBPS int) error {
	if b.connected {
		return nil
	}
	b.channel = channel
	b.inbox = join(channel, b)
	b.connected = true
	return nil
}

// Disconnect leaves the broadcast segment.
func (b *Bus) Disconnect() error {
	if !b.connected {
		return nil
	}
	leave(b.channel, b)
	b.connected = false
	return nil
}

// Send broadcasts frame to every other bus connected to the same channel.
func (b *Bus) Send(frame can.Frame) error {
	if !b.connected {
		return can.ErrNotConnected
	}
	broadcast(b.channel, b, frame)
	if b.receiveOwn {
		select {
		case b.inbox <- frame:
		default:
		}
	}
	return nil
}

// Receive returns the next queued frame, if any, without blocking.
func (b *Bus) Receive() (can.Frame, bool, error) {
	if !b.connected {
		return can.Frame{}, false, can.ErrNotConnected
	}
	select {
	case frame := <-b.inbox:
		return frame, true, nil
	default:
		return can.Frame{}, false, nil
	}
}
