// Package lss implements the dictionary-facing subset of CiA 305 LSS: the
// active node-ID that every other component's COB-ID defaulting depends on,
// plus the two services that touch it (configure node-ID, inquire node-ID).
// The full LSS state machine (switch-state-selective addressing by
// vendor/product/revision/serial, bit-timing configuration) is out of
// scope; see spec Non-goals.
package lss

import (
	"log/slog"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/od"
)

// ServiceMasterId and ServiceSlaveId are the two fixed CAN-IDs LSS uses,
// per spec section 6 ("LSS 0x7E5 request, 0x7E4 response").
const (
	ServiceMasterId uint32 = 0x7E5
	ServiceSlaveId  uint32 = 0x7E4
)

const (
	cmdConfigureNodeId uint8 = 17
	cmdInquireNodeId   uint8 = 94

	configNodeIdOk         uint8 = 0
	configNodeIdOutOfRange uint8 = 1
)

// Sender is the frame-emitting collaborator LSS needs to answer inquiries.
type Sender interface {
	Send(can.Frame) error
}

// Identity mirrors the 0x1018 identity object's four subentries, read once
// at construction for completeness; this facade does not use them to
// address switch-state-selective requests (full LSS is out of scope).
type Identity struct {
	VendorId       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// LSS is the trimmed slave facade: it tracks the node's active and pending
// node-ID and answers the two services that touch the dictionary. No
// goroutines, channels, or mutexes.
type LSS struct {
	logger *slog.Logger
	send   Sender
	identity Identity

	activeNodeId  uint8
	pendingNodeId uint8
}

// New builds the facade from the identity object at 0x1018, tolerating its
// absence (all four fields stay zero), and the node's configured active
// node-ID.
func New(dict *od.Dictionary, sender Sender, nodeID uint8, logger *slog.Logger) (*LSS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &LSS{
		logger:        logger.With("service", "LSS"),
		send:          sender,
		activeNodeId:  nodeID,
		pendingNodeId: nodeID,
	}
	if v, err := dict.ReadU32(od.EntryIdentityObject, 1); err == nil {
		l.identity.VendorId = v
	}
	if v, err := dict.ReadU32(od.EntryIdentityObject, 2); err == nil {
		l.identity.ProductCode = v
	}
	if v, err := dict.ReadU32(od.EntryIdentityObject, 3); err == nil {
		l.identity.RevisionNumber = v
	}
	if v, err := dict.ReadU32(od.EntryIdentityObject, 4); err == nil {
		l.identity.SerialNumber = v
	}
	return l, nil
}

// NodeID reports the currently active node-ID, used by every other
// component's COB-ID defaulting.
func (l *LSS) NodeID() uint8 { return l.activeNodeId }

// PendingNodeID reports a node-ID configured but not yet applied by a
// subsequent NMT reset-communication.
func (l *LSS) PendingNodeID() uint8 { return l.pendingNodeId }

// Identity returns the identity object values read at construction.
func (l *LSS) Identity() Identity { return l.identity }

// Handle processes one received CAN frame already matched to
// ServiceMasterId by the node orchestrator. Only configure-node-ID and
// inquire-node-ID are implemented; every other LSS command is ignored.
func (l *LSS) Handle(frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	switch frame.Data[0] {
	case cmdConfigureNodeId:
		l.handleConfigureNodeId(frame.Data[1])
	case cmdInquireNodeId:
		l.reply(cmdInquireNodeId, l.activeNodeId)
	}
}

func (l *LSS) handleConfigureNodeId(nodeID uint8) {
	if !(nodeID >= 1 && nodeID <= 0x7F) && nodeID != 0xFF {
		l.logger.Warn("requested node-id out of range", "nodeId", nodeID)
		l.reply(cmdConfigureNodeId, configNodeIdOutOfRange)
		return
	}
	l.pendingNodeId = nodeID
	l.reply(cmdConfigureNodeId, configNodeIdOk)
}

func (l *LSS) reply(cmd uint8, value uint8) {
	if l.send == nil {
		return
	}
	if err := l.send.Send(can.NewFrame(ServiceSlaveId, []byte{cmd, value})); err != nil {
		l.logger.Warn("lss reply send failed", "error", err)
	}
}

// ApplyPending makes a previously configured node-ID active. Per CiA 305
// this only takes effect after an NMT "reset communication". pkg/node does
// not call it: its reset handling logs a pending node-ID and leaves the
// active one unchanged.
func (l *LSS) ApplyPending() uint8 {
	l.activeNodeId = l.pendingNodeId
	return l.activeNodeId
}
