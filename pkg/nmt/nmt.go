// Package nmt implements the CiA 301 NMT slave state machine: the
// Init/Pre-operational/Operational/Stop transitions driven by incoming NMT
// command frames, and the heartbeat producer that rides the same object
// dictionary entry (0x1017) the teacher's implementation used.
package nmt

import (
	"log/slog"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/od"
	"github.com/cia301/conode/pkg/timer"
)

// State is one of the CiA 301 NMT states, numbered per the standard so the
// value can be sent directly as a heartbeat data byte.
type State uint8

const (
	StateInit        State = 0
	StateStopped     State = 4
	StateOperational State = 5
	StatePreOp       State = 127
	StateUnknown     State = 255
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStopped:
		return "STOPPED"
	case StateOperational:
		return "OPERATIONAL"
	case StatePreOp:
		return "PRE-OPERATIONAL"
	default:
		return "UNKNOWN"
	}
}

// Command is an NMT service command, received as byte 0 of an id-0x000
// frame or issued locally.
type Command uint8

const (
	CommandEnterOperational    Command = 1
	CommandEnterStopped        Command = 2
	CommandEnterPreOperational Command = 128
	CommandResetNode           Command = 129
	CommandResetCommunication  Command = 130
)

// Reset is the pending reset kind a ResetNode/ResetCommunication command
// leaves for the node orchestrator to act on; NMT itself only tracks the
// state machine, not NVM reload or re-init of other components.
type Reset uint8

const (
	ResetNone Reset = 0
	ResetComm Reset = 1
	ResetApp  Reset = 2
)

// ObjectClass is one bit of the allowed-object mask for the current state
// (spec section 4.3's table).
type ObjectClass uint8

const (
	ClassNMT ObjectClass = 1 << iota
	ClassBoot
	ClassEMCY
	ClassTIME
	ClassSYNC
	ClassSDO
	ClassPDO
)

var allowedByState = map[State]ObjectClass{
	StateInit:        ClassNMT | ClassBoot,
	StatePreOp:       ClassNMT | ClassSDO | ClassSYNC | ClassEMCY | ClassTIME,
	StateOperational: ClassNMT | ClassSDO | ClassSYNC | ClassEMCY | ClassTIME | ClassPDO,
	StateStopped:     ClassNMT,
}

// startToOperational, set in Config.Control, makes the Init→running
// transition land directly on Operational instead of Pre-operational.
const startToOperational uint16 = 0x0100

// Config carries the NMT slave's build-time parameters, read from the
// object dictionary at construction.
type Config struct {
	NodeID      uint8
	Control     uint16 // bit 0x0100: start directly in Operational
	HeartbeatTx uint32 // 0x700 + NodeID, precomputed by the caller
	NmtRx       uint32 // always 0x000
}

// Sender is the one collaborator NMT needs to emit frames; pkg/node's
// Interface satisfies it.
type Sender interface {
	Send(can.Frame) error
}

// NMT is the slave state machine: one instance per node, driven entirely
// from the node's main-loop Process call and the Handle dispatch for
// incoming frames. It holds no goroutines, channels or mutexes.
type NMT struct {
	logger *slog.Logger
	send   Sender
	timers *timer.Wheel

	nodeID  uint8
	control uint16
	txID    uint32

	state        State
	pendingReset Reset

	entry1017   *od.Entry
	dict        *od.Dictionary
	heartbeatMs uint32
	hbHandle    timer.Handle
	hbScheduled bool

	callbacks []func(State)
}

// New builds the NMT slave, installing a write hook on entry1017 (the
// heartbeat producer period) so writes through the dictionary immediately
// reschedule the timer, per spec section 4.3.
func New(dict *od.Dictionary, timers *timer.Wheel, sender Sender, cfg Config, logger *slog.Logger) (*NMT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entry, ok := dict.Find(od.EntryProducerHeartbeatTime, 0)
	if !ok {
		return nil, od.ErrNotFound
	}

	n := &NMT{
		logger:    logger.With("service", "NMT"),
		send:      sender,
		timers:    timers,
		nodeID:    cfg.NodeID,
		control:   cfg.Control,
		txID:      cfg.HeartbeatTx,
		state:     StateInit,
		entry1017: entry,
		dict:      dict,
	}

	periodMs, err := dict.ReadU16(od.EntryProducerHeartbeatTime, 0)
	if err != nil {
		return nil, err
	}
	n.heartbeatMs = uint32(periodMs)
	entry.Type = od.FuncType{WriteFn: n.onWriteHeartbeatPeriod}

	return n, nil
}

// State returns the current NMT state.
func (n *NMT) State() State { return n.state }

// AllowedObjects returns the object-class bitmask valid in the current
// state, used by the orchestrator to gate SDO/PDO/SYNC dispatch.
func (n *NMT) AllowedObjects() ObjectClass { return allowedByState[n.state] }

// PendingReset returns and clears a reset requested by an incoming
// ResetNode/ResetCommunication command, for the orchestrator to act on.
func (n *NMT) PendingReset() Reset {
	r := n.pendingReset
	n.pendingReset = ResetNone
	return r
}

// OnStateChange registers a callback invoked whenever the NMT state
// changes (used by pkg/node to switch its TPDOs/RPDOs in and out of
// operational mode).
func (n *NMT) OnStateChange(cb func(State)) {
	n.callbacks = append(n.callbacks, cb)
}

// Start transitions out of Init: sends the boot-up heartbeat (state byte
// 0), arms the heartbeat producer timer, then moves to Operational or
// Pre-operational per Config.Control. Called once at node start and again
// after a reset-node/reset-communication.
func (n *NMT) Start() {
	n.state = StateInit
	n.sendHeartbeat()
	n.armHeartbeat()

	if n.control&startToOperational != 0 {
		n.state = StateOperational
	} else {
		n.state = StatePreOp
	}
}

// Handle processes one received NMT command frame (id 0x000). Frames not
// addressed to this node (byte 1 nonzero and not matching NodeID) are
// ignored.
func (n *NMT) Handle(frame can.Frame) {
	if frame.DLC != 2 {
		return
	}
	target := frame.Data[1]
	if target != 0 && target != n.nodeID {
		return
	}
	n.processCommand(Command(frame.Data[0]))
}

func (n *NMT) processCommand(cmd Command) {
	next := n.state
	switch cmd {
	case CommandEnterOperational:
		next = StateOperational
	case CommandEnterStopped:
		next = StateStopped
	case CommandEnterPreOperational:
		next = StatePreOp
	case CommandResetNode:
		n.pendingReset = ResetApp
		return
	case CommandResetCommunication:
		n.pendingReset = ResetComm
		return
	default:
		return
	}
	n.setState(next)
}

func (n *NMT) setState(next State) {
	if next == n.state {
		return
	}
	prev := n.state
	n.state = next
	n.logger.Info("nmt state changed", "previous", prev, "new", next)
	n.sendHeartbeat()
	for _, cb := range n.callbacks {
		cb(next)
	}
}

func (n *NMT) sendHeartbeat() {
	frame := can.NewFrame(n.txID, []byte{uint8(n.state)})
	if err := n.send.Send(frame); err != nil {
		n.logger.Warn("heartbeat send failed", "error", err)
	}
}

func (n *NMT) armHeartbeat() {
	if n.hbScheduled {
		_ = n.timers.Delete(n.hbHandle)
		n.hbScheduled = false
	}
	if n.heartbeatMs == 0 {
		return
	}
	h, err := n.timers.Create(n.heartbeatMs, n.heartbeatMs, n.onHeartbeatTimeout, nil)
	if err != nil {
		n.logger.Error("heartbeat timer create failed", "error", err)
		return
	}
	n.hbHandle = h
	n.hbScheduled = true
}

func (n *NMT) onHeartbeatTimeout(any) {
	n.sendHeartbeat()
}

// onWriteHeartbeatPeriod is entry 0x1017's write hook: it stores the new
// period like a plain scalar, then reschedules the producer timer
// immediately, per spec section 4.3's "on write, the producer is
// rescheduled immediately."
func (n *NMT) onWriteHeartbeatPeriod(e *od.Entry, src []byte, offset uint32) error {
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	periodMs, err := n.dict.ReadU16(od.EntryProducerHeartbeatTime, 0)
	if err != nil {
		return err
	}
	n.heartbeatMs = uint32(periodMs)
	n.armHeartbeat()
	return nil
}
