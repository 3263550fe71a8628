// Package node implements the node orchestrator: the run loop step that
// pulls one frame at a time off the CAN interface and routes it to the
// component that owns it, per spec section 4.10. It owns construction of
// every other component from the object dictionary and drives the
// single-threaded cooperative model of spec section 5 — exactly one
// main-loop context calls Process, exactly one tick context calls the
// timer wheel's Service.
package node

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/emergency"
	"github.com/cia301/conode/pkg/heartbeat"
	"github.com/cia301/conode/pkg/lss"
	"github.com/cia301/conode/pkg/nmt"
	"github.com/cia301/conode/pkg/od"
	"github.com/cia301/conode/pkg/pdo"
	"github.com/cia301/conode/pkg/sdo"
	syncpkg "github.com/cia301/conode/pkg/sync"
	"github.com/cia301/conode/pkg/timer"
)

// Bus is the frame transport the node needs: send and a non-blocking
// receive. conode.Interface satisfies this.
type Bus interface {
	Send(can.Frame) error
	Receive() (can.Frame, bool, error)
}

// Config carries the orchestrator's build-time parameters. Every
// component that is actually present in the dictionary (SDO channels,
// PDOs, heartbeat consumer) is discovered by scanning the reserved index
// ranges rather than configured here — the object dictionary is the single
// source of truth for what exists, per spec section 6.
type Config struct {
	NodeID  uint8
	Control uint16 // passed through to nmt.Config.Control

	EMCYHistoryCapacity uint8
	SDOServerTimeoutMs  uint32
	SDOClientTimeoutMs  uint32
}

// Node is the orchestrator: one instance per CANopen node, owning every
// protocol component and the routing table between them. No goroutines,
// channels, or mutexes — Process and the timer wheel's Service/Process are
// the only entry points, called from the two contexts spec section 5
// names.
type Node struct {
	logger *slog.Logger
	dict   *od.Dictionary
	timers *timer.Wheel
	bus    Bus
	nodeID uint8

	nmt       *nmt.NMT
	sync      *syncpkg.SYNC
	emcy      *emergency.EMCY
	lss       *lss.LSS
	heartbeat *heartbeat.Consumer

	sdoServers []*sdo.Server
	sdoClients []*sdo.Client
	engine     *pdo.Engine
	tpdos      []*pdo.TPDO
	rpdos      []*pdo.RPDO

	onUnmatched func(can.Frame)

	haveLastTick bool
	lastTick     time.Time
}

// New builds every component from dict and wires them together. dict must
// already hold every object the configured components need (typically via
// od.ParseEDS); New installs read/write hooks on the relevant entries and
// freezes dict once construction completes — no further Add calls are
// expected after a node is live.
func New(dict *od.Dictionary, timers *timer.Wheel, bus Bus, cfg Config, onUnmatched func(can.Frame), logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "Node", "nodeId", fmt.Sprintf("0x%02X", cfg.NodeID))

	emcy, err := emergency.New(dict, bus, emergency.Config{NodeID: cfg.NodeID, HistoryCapacity: cfg.EMCYHistoryCapacity}, logger)
	if err != nil {
		return nil, fmt.Errorf("node: building emcy: %w", err)
	}

	syncH, err := syncpkg.New(dict, emcy, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("node: building sync: %w", err)
	}

	nmtH, err := nmt.New(dict, timers, bus, nmt.Config{
		NodeID:      cfg.NodeID,
		Control:     cfg.Control,
		HeartbeatTx: heartbeat.ServiceId + uint32(cfg.NodeID),
		NmtRx:       0,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("node: building nmt: %w", err)
	}

	lssH, err := lss.New(dict, bus, cfg.NodeID, logger)
	if err != nil {
		return nil, fmt.Errorf("node: building lss: %w", err)
	}

	n := &Node{
		logger:      logger,
		dict:        dict,
		timers:      timers,
		bus:         bus,
		nodeID:      cfg.NodeID,
		nmt:         nmtH,
		sync:        syncH,
		emcy:        emcy,
		lss:         lssH,
		engine:      pdo.NewEngine(logger),
		onUnmatched: onUnmatched,
	}

	if _, ok := dict.Find(od.EntryConsumerHeartbeatTime, 0); ok {
		n.heartbeat, err = heartbeat.New(dict, timers, emcy, logger)
		if err != nil {
			return nil, fmt.Errorf("node: building heartbeat consumer: %w", err)
		}
	}

	for idx := od.EntrySDOServerStart; idx <= od.EntrySDOServerEnd; idx++ {
		if _, ok := dict.Find(idx, 1); !ok {
			continue
		}
		srv, err := sdo.New(dict, timers, bus, sdo.Config{ChannelIndex: idx, TimeoutMs: cfg.SDOServerTimeoutMs}, logger)
		if err != nil {
			return nil, fmt.Errorf("node: building sdo server 0x%04X: %w", idx, err)
		}
		n.sdoServers = append(n.sdoServers, srv)
	}

	for idx := od.EntrySDOClientStart; idx <= od.EntrySDOClientEnd; idx++ {
		if _, ok := dict.Find(idx, 1); !ok {
			continue
		}
		cli, err := sdo.NewClient(dict, timers, bus, sdo.ClientConfig{ChannelIndex: idx, TimeoutMs: cfg.SDOClientTimeoutMs}, logger)
		if err != nil {
			return nil, fmt.Errorf("node: building sdo client 0x%04X: %w", idx, err)
		}
		n.sdoClients = append(n.sdoClients, cli)
	}

	const tpdoMapOffset = od.EntryTPDOMappingStart - od.EntryTPDOCommunicationStart
	for idx := od.EntryTPDOCommunicationStart; idx <= od.EntryTPDOCommunicationEnd; idx++ {
		if _, ok := dict.Find(idx, 1); !ok {
			continue
		}
		t, err := pdo.NewTPDO(dict, timers, bus, emcy, syncH, n.engine, idx, idx+tpdoMapOffset, logger)
		if err != nil {
			return nil, fmt.Errorf("node: building tpdo 0x%04X: %w", idx, err)
		}
		n.tpdos = append(n.tpdos, t)
	}

	const rpdoMapOffset = od.EntryRPDOMappingStart - od.EntryRPDOCommunicationStart
	for idx := od.EntryRPDOCommunicationStart; idx <= od.EntryRPDOCommunicationEnd; idx++ {
		if _, ok := dict.Find(idx, 1); !ok {
			continue
		}
		r, err := pdo.NewRPDO(dict, timers, emcy, idx, idx+rpdoMapOffset, logger)
		if err != nil {
			return nil, fmt.Errorf("node: building rpdo 0x%04X: %w", idx, err)
		}
		n.rpdos = append(n.rpdos, r)
	}

	nmtH.OnStateChange(n.onNMTStateChange)
	dict.Freeze()
	nmtH.Start()
	// Start's initial Init->Operational/PreOp transition bypasses
	// setState (no boot-up state change to announce), so it never fires
	// the OnStateChange callback above; synchronize PDO operational state
	// once here to cover a Config.Control that starts directly Operational.
	n.onNMTStateChange(nmtH.State())

	return n, nil
}

func (n *Node) onNMTStateChange(state nmt.State) {
	operational := state == nmt.StateOperational
	for _, t := range n.tpdos {
		t.SetOperational(operational)
	}
	for _, r := range n.rpdos {
		r.SetOperational(operational)
	}
}

// Process pulls up to one frame from the bus and routes it, per spec
// section 4.10's order: NMT command, SYNC, SDO server, SDO client, LSS,
// RPDO, heartbeat consumer, unmatched callback. Before routing, it also
// advances the SYNC handler by the elapsed time since the previous call
// and dispatches the resulting synchronous TPDO/RPDO flush or window
// violation — spec section 5 names Node.Process and the timer wheel's
// Process as the main loop's two calls, and SYNC's per-tick advance is
// naturally part of the node's own step rather than a third top-level
// call.
func (n *Node) Process() error {
	n.advanceSync()

	if reset := n.nmt.PendingReset(); reset != nmt.ResetNone {
		n.resetCommunication()
		n.nmt.Start()
	}

	frame, ok, err := n.bus.Receive()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	n.route(frame)
	return nil
}

func (n *Node) advanceSync() {
	now := time.Now()
	var deltaMs uint32
	if n.haveLastTick {
		deltaMs = uint32(now.Sub(n.lastTick).Milliseconds())
	}
	n.lastTick = now
	n.haveLastTick = true

	state := n.nmt.State()
	preOrOp := state == nmt.StatePreOp || state == nmt.StateOperational

	switch n.sync.Process(preOrOp, deltaMs, nil) {
	case syncpkg.EventRxOrTx:
		for _, t := range n.tpdos {
			t.Sync()
		}
		for _, r := range n.rpdos {
			r.Sync()
		}
	case syncpkg.EventPassedWindow:
		n.emcy.Set(emergency.TPDOOutsideWindow, emergency.ErrCommunication, 0)
	}
}

func (n *Node) route(frame can.Frame) {
	if frame.ID == 0 {
		n.nmt.Handle(frame)
		return
	}

	classes := n.nmt.AllowedObjects()

	if classes&nmt.ClassSYNC != 0 && frame.ID == n.sync.CobID() {
		n.sync.Handle(frame)
		return
	}

	if classes&nmt.ClassSDO != 0 {
		for _, s := range n.sdoServers {
			if s.RxID() == frame.ID {
				s.Handle(frame)
				return
			}
		}
		for _, c := range n.sdoClients {
			if c.RxID() == frame.ID {
				c.Handle(frame)
				return
			}
		}
	}

	if frame.ID == lss.ServiceMasterId {
		n.lss.Handle(frame)
		return
	}

	if classes&nmt.ClassPDO != 0 {
		for _, r := range n.rpdos {
			if r.Valid() && r.RxID() == frame.ID {
				r.Handle(frame)
				return
			}
		}
	}

	if n.heartbeat != nil && n.heartbeat.Owns(frame.ID) {
		n.heartbeat.Handle(frame)
		return
	}

	if n.onUnmatched != nil {
		n.onUnmatched(frame)
	}
}

// resetCommunication re-reads every PDO's communication and mapping
// objects and clears latched EMCY state, for an NMT reset-communication or
// reset-node command. Runtime node-ID reassignment via a pending LSS
// configure-node-ID is acknowledged but not cascaded into already-built
// components' COB-IDs; applying it requires rebuilding the node, which is
// outside this orchestrator's scope — see DESIGN.md.
func (n *Node) resetCommunication() {
	n.emcy.Reset(true)
	for _, t := range n.tpdos {
		if err := t.Reset(); err != nil {
			n.logger.Warn("tpdo reset failed", "error", err)
		}
	}
	for _, r := range n.rpdos {
		if err := r.Reset(); err != nil {
			n.logger.Warn("rpdo reset failed", "error", err)
		}
	}
	if n.heartbeat != nil {
		n.heartbeat.Reset()
	}
	if pending := n.lss.PendingNodeID(); pending != n.lss.NodeID() {
		n.logger.Warn("lss node-id change pending but not applied; runtime reassignment requires rebuilding the node",
			"pending", pending, "active", n.lss.NodeID())
	}
}

// State reports the NMT slave's current state.
func (n *Node) State() nmt.State { return n.nmt.State() }

// Dictionary returns the object dictionary this node was built from.
func (n *Node) Dictionary() *od.Dictionary { return n.dict }

// EMCY returns the emergency producer, for application code that needs to
// raise or clear device-specific error bits.
func (n *Node) EMCY() *emergency.EMCY { return n.emcy }

// SDOClients returns the configured SDO client channels, for application
// code driving master-role uploads/downloads against other nodes.
func (n *Node) SDOClients() []*sdo.Client { return n.sdoClients }

// TriggerPDO marks entry as changed, causing every TPDO mapping it as an
// asynchronous (event-driven) object to transmit immediately, or once its
// running inhibit timer expires.
func (n *Node) TriggerPDO(index uint16, subindex uint8) {
	if e, ok := n.dict.Find(index, subindex); ok {
		n.engine.TrigObj(e)
	}
}
