package pdo

import (
	"encoding/binary"
	"log/slog"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/emergency"
	"github.com/cia301/conode/pkg/od"
	"github.com/cia301/conode/pkg/sync"
	"github.com/cia301/conode/pkg/timer"
)

// syncCounter sentinel states, mirroring the countdown scheme spec section
// 4.5 describes for SYNC-start-value gated synchronous-cyclic TPDOs.
const (
	syncCounterReset     uint8 = 255
	syncCounterWaitStart uint8 = 254
)

// Sender is the frame-emitting collaborator a TPDO needs.
type Sender interface {
	Send(can.Frame) error
}

// TPDO is one transmit-PDO: one instance per configured 0x1800+n/0x1A00+n
// pair. Driven by Sync (SYNC handler events), SendAsync (explicit or
// TrigObj-routed event triggers) and the timer-wheel callbacks armed for
// its inhibit and event timers. No goroutines, channels, or mutexes.
type TPDO struct {
	logger *slog.Logger
	sender Sender
	dict   *od.Dictionary
	timers *timer.Wheel
	emcy   *emergency.EMCY
	sync   *sync.SYNC
	engine *Engine

	commIndex uint16
	mapIndex  uint16

	txID  uint32
	valid bool

	transmissionType uint8
	syncStartValue   uint8
	syncCounter      uint8

	inhibitTicks  uint32
	inhibitHandle timer.Handle
	inhibitArmed  bool

	eventTicks  uint32
	eventHandle timer.Handle
	eventArmed  bool

	sendRequest bool
	operational bool

	mapping    []mapSlot
	dataLength uint32
}

// NewTPDO builds a TPDO from its communication record (0x1800+n) and
// mapping record (0x1A00+n). Both records must already exist in dict, with
// the communication record's COB-ID sub-entry holding the node's resolved
// default identifier — this package does not compute or fall back to one.
func NewTPDO(
	dict *od.Dictionary,
	timers *timer.Wheel,
	sender Sender,
	emcy *emergency.EMCY,
	syncHandler *sync.SYNC,
	engine *Engine,
	commIndex uint16,
	mapIndex uint16,
	logger *slog.Logger,
) (*TPDO, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TPDO{
		logger:      logger.With("service", "TPDO"),
		sender:      sender,
		dict:        dict,
		timers:      timers,
		emcy:        emcy,
		sync:        syncHandler,
		commIndex:   commIndex,
		mapIndex:    mapIndex,
		syncCounter: syncCounterReset,
	}

	if err := t.readMapping(); err != nil {
		return nil, err
	}
	if err := t.readComm(); err != nil {
		return nil, err
	}
	t.installHooks()

	if engine != nil {
		engine.Register(t)
	}
	return t, nil
}

func (t *TPDO) installHooks() {
	if e, ok := t.dict.Find(t.commIndex, subCobID); ok {
		e.Type = od.FuncType{ReadFn: t.readCobID, WriteFn: t.writeCobID}
	}
	if e, ok := t.dict.Find(t.commIndex, subTransmissionType); ok {
		e.Type = od.FuncType{WriteFn: t.writeTransmissionType}
	}
	if e, ok := t.dict.Find(t.commIndex, subInhibitTime); ok {
		e.Type = od.FuncType{WriteFn: t.writeInhibitTime}
	}
	if e, ok := t.dict.Find(t.commIndex, subEventTimer); ok {
		e.Type = od.FuncType{WriteFn: t.writeEventTimer}
	}
	if e, ok := t.dict.Find(t.commIndex, subSyncStartValue); ok {
		e.Type = od.FuncType{WriteFn: t.writeSyncStartValue}
	}
	if e, ok := t.dict.Find(t.mapIndex, subNbMapped); ok {
		e.Type = od.FuncType{WriteFn: t.writeMapping}
	}
	for i := uint8(1); i <= MaxMappedEntries; i++ {
		if e, ok := t.dict.Find(t.mapIndex, i); ok {
			e.Type = od.FuncType{WriteFn: t.writeMapping}
		}
	}
}

func (t *TPDO) readComm() error {
	cobID, err := t.dict.ReadU32(t.commIndex, subCobID)
	if err != nil {
		return err
	}
	t.applyCobID(cobID)

	transType, err := t.dict.ReadU8(t.commIndex, subTransmissionType)
	if err != nil {
		return err
	}
	t.transmissionType = transType

	if inhibit, err := t.dict.ReadU16(t.commIndex, subInhibitTime); err == nil {
		t.inhibitTicks = ceilDiv(uint32(inhibit), 10) // 100us units -> ms ticks
	}
	if event, err := t.dict.ReadU16(t.commIndex, subEventTimer); err == nil {
		t.eventTicks = uint32(event)
	}
	if start, err := t.dict.ReadU8(t.commIndex, subSyncStartValue); err == nil {
		t.syncStartValue = start
	}
	return nil
}

func (t *TPDO) readMapping() error {
	mapping, total, err := parseMapping(t.dict, t.mapIndex, false)
	if err != nil {
		return err
	}
	t.mapping = mapping
	t.dataLength = total
	return nil
}

func ceilDiv(v, d uint32) uint32 {
	if v == 0 {
		return 0
	}
	return (v + d - 1) / d
}

func (t *TPDO) applyCobID(cobID uint32) {
	valid := cobID&0x80000000 == 0
	canID := cobID & 0x7FF
	if valid && (len(t.mapping) == 0 || canID == 0) {
		valid = false
	}
	t.txID = canID
	t.valid = valid
}

// readCobID reports the valid bit alongside the stored CAN-ID, since the
// raw backing bytes only track what was last written, not whether mapping
// subsequently invalidated it. Mirrors pkg/emergency's readCobID.
func (t *TPDO) readCobID(e *od.Entry, dst []byte, offset uint32) (int, error) {
	if offset != 0 || len(dst) < 4 {
		return 0, od.ErrDataShort
	}
	cobID := t.txID
	if !t.valid {
		cobID |= 0x80000000
	}
	binary.LittleEndian.PutUint32(dst, cobID)
	return 4, nil
}

// writeCobID implements spec section 4.5's restriction: a write only
// proceeds when either the new value disables the TPDO or it is currently
// disabled.
func (t *TPDO) writeCobID(e *od.Entry, src []byte, offset uint32) error {
	if offset != 0 || len(src) != 4 {
		return od.ErrDataShort
	}
	newCobID := binary.LittleEndian.Uint32(src)
	newValid := newCobID&0x80000000 == 0
	if t.valid && newValid {
		return od.ErrAccess
	}
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	t.applyCobID(newCobID)
	return nil
}

// writeTransmissionType implements spec section 4.5's restriction: only
// proceeds while the TPDO is disabled.
func (t *TPDO) writeTransmissionType(e *od.Entry, src []byte, offset uint32) error {
	if t.valid {
		return od.ErrAccess
	}
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	v, err := t.dict.ReadU8(t.commIndex, subTransmissionType)
	if err != nil {
		return err
	}
	t.transmissionType = v
	t.syncCounter = syncCounterReset
	t.sendRequest = true
	if t.engine != nil {
		t.engine.rebuild()
	}
	return nil
}

func (t *TPDO) writeInhibitTime(e *od.Entry, src []byte, offset uint32) error {
	if t.valid {
		return od.ErrAccess
	}
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	v, err := t.dict.ReadU16(t.commIndex, subInhibitTime)
	if err != nil {
		return err
	}
	t.inhibitTicks = ceilDiv(uint32(v), 10)
	return nil
}

func (t *TPDO) writeEventTimer(e *od.Entry, src []byte, offset uint32) error {
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	v, err := t.dict.ReadU16(t.commIndex, subEventTimer)
	if err != nil {
		return err
	}
	t.eventTicks = uint32(v)
	if t.operational {
		t.restartEventTimer()
	}
	return nil
}

func (t *TPDO) writeSyncStartValue(e *od.Entry, src []byte, offset uint32) error {
	if t.valid || len(src) != 1 || src[0] > TransmissionSyncMax {
		return od.ErrAccess
	}
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	t.syncStartValue = src[0]
	return nil
}

func (t *TPDO) writeMapping(e *od.Entry, src []byte, offset uint32) error {
	if t.valid {
		return od.ErrAccess
	}
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	if err := t.readMapping(); err != nil {
		return err
	}
	if t.engine != nil {
		t.engine.rebuild()
	}
	return nil
}

// SendAsync schedules transmission of an asynchronous (event-type) TPDO,
// either from an explicit application trigger or from Engine.TrigObj.
// Synchronous TPDOs ignore this; they only transmit from Sync.
func (t *TPDO) SendAsync() {
	if t.transmissionType < TransmissionEventLo {
		return
	}
	t.checkAndSend()
}

// Sync advances the SYNC-gated transmission state machine by one SYNC
// event (received or produced). Called once per registered TPDO whenever
// the node's SYNC handler reports EventRxOrTx while Operational.
func (t *TPDO) Sync() {
	if !t.valid || !t.operational {
		return
	}
	switch {
	case t.transmissionType == TransmissionSyncAcyclic:
		if t.sendRequest {
			t.checkAndSend()
		}
	case t.transmissionType >= TransmissionSyncMin && t.transmissionType <= TransmissionSyncMax:
		t.syncStep()
	}
}

func (t *TPDO) syncStep() {
	if t.syncCounter == syncCounterReset {
		if t.sync != nil && t.sync.CounterOverflow() != 0 && t.syncStartValue != 0 {
			t.syncCounter = syncCounterWaitStart
		} else {
			t.syncCounter = t.transmissionType
		}
	}
	switch t.syncCounter {
	case syncCounterWaitStart:
		if t.sync != nil && t.sync.Counter() == t.syncStartValue {
			t.syncCounter = t.transmissionType
			t.checkAndSend()
		}
	case 1:
		t.syncCounter = t.transmissionType
		t.checkAndSend()
	default:
		t.syncCounter--
	}
}

// checkAndSend defers to the inhibit timer if one is currently running,
// latching the request instead of sending immediately.
func (t *TPDO) checkAndSend() {
	if t.inhibitArmed {
		t.sendRequest = true
		return
	}
	t.send()
}

func (t *TPDO) send() {
	if !t.valid || !t.operational {
		return
	}
	var frame can.Frame
	frame.ID = t.txID
	off := 0
	for _, slot := range t.mapping {
		n, err := t.dict.ReadBufferContinue(slot.entry, frame.Data[off:off+int(slot.width)], 0)
		if err != nil || uint32(n) != slot.width {
			t.logger.Warn("tpdo mapped read failed", "cobId", t.txID, "error", err)
			return
		}
		off += int(slot.width)
	}
	frame.DLC = uint8(off)

	t.sendRequest = false
	if err := t.sender.Send(frame); err != nil {
		t.logger.Warn("tpdo send failed", "cobId", t.txID, "error", err)
	}
	t.restartEventTimer()
	t.startInhibitTimer()
}

func (t *TPDO) startInhibitTimer() {
	if t.inhibitTicks == 0 {
		return
	}
	if t.inhibitArmed {
		_ = t.timers.Delete(t.inhibitHandle)
	}
	h, err := t.timers.Create(t.inhibitTicks, 0, t.onInhibitExpire, nil)
	if err != nil {
		t.logger.Error("tpdo inhibit timer create failed", "error", err)
		return
	}
	t.inhibitHandle = h
	t.inhibitArmed = true
}

func (t *TPDO) onInhibitExpire(any) {
	t.inhibitArmed = false
	if t.operational && t.sendRequest {
		t.send()
	}
}

func (t *TPDO) restartEventTimer() {
	if t.eventArmed {
		_ = t.timers.Delete(t.eventHandle)
		t.eventArmed = false
	}
	if t.eventTicks == 0 {
		return
	}
	h, err := t.timers.Create(t.eventTicks, t.eventTicks, t.onEventTimeout, nil)
	if err != nil {
		t.logger.Error("tpdo event timer create failed", "error", err)
		return
	}
	t.eventHandle = h
	t.eventArmed = true
}

func (t *TPDO) onEventTimeout(any) {
	t.sendRequest = true
	if t.operational && !t.inhibitArmed {
		t.send()
	}
}

// SetOperational arms or disarms this TPDO's timers on an NMT state
// transition, per spec section 4.5's "no transmission outside Operational
// state."
func (t *TPDO) SetOperational(operational bool) {
	t.operational = operational
	if operational {
		t.syncCounter = syncCounterReset
		t.restartEventTimer()
		return
	}
	if t.eventArmed {
		_ = t.timers.Delete(t.eventHandle)
		t.eventArmed = false
	}
	if t.inhibitArmed {
		_ = t.timers.Delete(t.inhibitHandle)
		t.inhibitArmed = false
	}
}

// Reset tears down this TPDO's timers, re-reads its communication and
// mapping objects, and re-arms if it ends up enabled, per spec section
// 4.5's Reset semantics.
func (t *TPDO) Reset() error {
	wasOperational := t.operational
	t.SetOperational(false)
	if err := t.readMapping(); err != nil {
		return err
	}
	if err := t.readComm(); err != nil {
		return err
	}
	t.syncCounter = syncCounterReset
	t.sendRequest = true
	if t.engine != nil {
		t.engine.rebuild()
	}
	if wasOperational {
		t.SetOperational(true)
	}
	return nil
}
