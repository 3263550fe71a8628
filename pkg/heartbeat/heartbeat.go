// Package heartbeat implements the dictionary-facing subset of the CiA 301
// heartbeat consumer: the 0x1016 configuration object and a per-monitored-
// node "last heartbeat seen" state with EMCY reporting on timeout. The full
// consumer state machine (boot-up/NMT-change event callbacks, remote-reset
// detection across sub-states) is out of scope; see spec Non-goals.
package heartbeat

import (
	"log/slog"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/emergency"
	"github.com/cia301/conode/pkg/nmt"
	"github.com/cia301/conode/pkg/od"
	"github.com/cia301/conode/pkg/timer"
)

// ServiceId is the heartbeat function code; a monitored node's producer
// COB-ID is ServiceId + its node-ID, per spec section 6.
const ServiceId uint32 = 0x700

// State is one monitored node's consumer state.
type State uint8

const (
	StateUnconfigured State = iota // 0x1016 subentry disabled (node-id or period is 0)
	StateUnknown                   // configured, no heartbeat received yet
	StateActive                    // heartbeat received within the timeout period
	StateTimeout                   // timeout elapsed without a heartbeat
)

type entry struct {
	nodeId        uint8
	cobID         uint32
	timeoutMs     uint32
	state         State
	nmtState      nmt.State
	timeoutHandle timer.Handle
	armed         bool
}

// Consumer monitors up to len(0x1016 subentries) remote nodes' heartbeat
// production. Handle dispatches an already-identifier-matched incoming
// heartbeat frame; the node orchestrator routes frames whose ID equals
// ServiceId+nodeId for any configured entry here. No goroutines, channels,
// or mutexes.
type Consumer struct {
	logger  *slog.Logger
	dict    *od.Dictionary
	timers  *timer.Wheel
	emcy    *emergency.EMCY
	entries []*entry
}

// New builds the consumer from the 0x1016 object: subindex 0 is the count,
// subindexes 1..count each pack nodeId<<16 | timeoutMs.
func New(dict *od.Dictionary, timers *timer.Wheel, emcy *emergency.EMCY, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{logger: logger.With("service", "HBConsumer"), dict: dict, timers: timers, emcy: emcy}

	count, err := dict.ReadU8(od.EntryConsumerHeartbeatTime, 0)
	if err != nil {
		return nil, err
	}
	c.entries = make([]*entry, count)
	for i := uint8(0); i < count; i++ {
		raw, err := dict.ReadU32(od.EntryConsumerHeartbeatTime, i+1)
		if err != nil {
			return nil, err
		}
		c.entries[i] = newEntry(raw)
		if e, ok := dict.Find(od.EntryConsumerHeartbeatTime, i+1); ok {
			idx := i
			e.Type = od.FuncType{WriteFn: c.writeEntryFn(idx)}
		}
	}
	return c, nil
}

func newEntry(raw uint32) *entry {
	nodeId := uint8(raw >> 16)
	timeoutMs := raw & 0xFFFF
	e := &entry{nodeId: nodeId, timeoutMs: timeoutMs, nmtState: nmt.StateUnknown}
	if nodeId != 0 && timeoutMs != 0 {
		e.cobID = ServiceId + uint32(nodeId)
		e.state = StateUnknown
	} else {
		e.state = StateUnconfigured
	}
	return e
}

func (c *Consumer) writeEntryFn(idx uint8) od.WriteFunc {
	return func(oe *od.Entry, src []byte, offset uint32) error {
		if err := od.Bytes.Write(oe, src, offset); err != nil {
			return err
		}
		raw, err := c.dict.ReadU32(od.EntryConsumerHeartbeatTime, idx+1)
		if err != nil {
			return err
		}
		old := c.entries[idx]
		if old.armed {
			_ = c.timers.Delete(old.timeoutHandle)
		}
		c.entries[idx] = newEntry(raw)
		return nil
	}
}

// Owns reports whether id is a currently monitored node's heartbeat
// COB-ID, for the node orchestrator to decide whether to route a frame
// here.
func (c *Consumer) Owns(id uint32) bool {
	for _, e := range c.entries {
		if e.state != StateUnconfigured && e.cobID == id {
			return true
		}
	}
	return false
}

// Handle processes one received CAN frame whose ID matched a monitored
// node's heartbeat COB-ID.
func (c *Consumer) Handle(frame can.Frame) {
	for _, e := range c.entries {
		if e.state == StateUnconfigured || e.cobID != frame.ID {
			continue
		}
		c.handleEntry(e, frame)
		return
	}
}

func (c *Consumer) handleEntry(e *entry, frame can.Frame) {
	if frame.DLC != 1 {
		return
	}
	e.nmtState = nmt.State(frame.Data[0])
	wasTimeout := e.state == StateTimeout
	e.state = StateActive
	if wasTimeout {
		c.emcy.Clr(emergency.HeartbeatConsumer)
	}

	if e.armed {
		_ = c.timers.Delete(e.timeoutHandle)
	}
	h, err := c.timers.Create(e.timeoutMs, 0, c.onTimeout(e), nil)
	if err != nil {
		c.logger.Warn("heartbeat timeout timer create failed", "nodeId", e.nodeId, "error", err)
		e.armed = false
		return
	}
	e.timeoutHandle = h
	e.armed = true
}

func (c *Consumer) onTimeout(e *entry) timer.Func {
	return func(any) {
		e.armed = false
		if e.state != StateActive {
			return
		}
		e.state = StateTimeout
		c.emcy.Set(emergency.HeartbeatConsumer, emergency.ErrHeartbeat, uint32(e.nodeId))
		c.logger.Warn("heartbeat timeout", "nodeId", e.nodeId)
	}
}

// NodeState reports the consumer state and last-reported NMT state for the
// monitored node at 0x1016 subindex idx+1.
func (c *Consumer) NodeState(idx int) (State, nmt.State) {
	if idx < 0 || idx >= len(c.entries) {
		return StateUnconfigured, nmt.StateUnknown
	}
	e := c.entries[idx]
	return e.state, e.nmtState
}

// Reset clears every monitored node back to its configured-but-unseen
// state and disarms all timeout timers, for an NMT reset-communication.
func (c *Consumer) Reset() {
	for _, e := range c.entries {
		if e.armed {
			_ = c.timers.Delete(e.timeoutHandle)
			e.armed = false
		}
		if e.state != StateUnconfigured {
			e.state = StateUnknown
		}
		e.nmtState = nmt.StateUnknown
	}
}
