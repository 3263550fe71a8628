package pdo

import (
	"encoding/binary"
	"log/slog"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/emergency"
	"github.com/cia301/conode/pkg/od"
	"github.com/cia301/conode/pkg/timer"
)

// RPDO is one receive-PDO: one instance per configured
// 0x1400+n/0x1600+n pair. Handle dispatches an already-identifier-matched
// incoming frame; Sync flushes a synchronous RPDO's stashed payload on the
// next SYNC event. No goroutines, channels, or mutexes.
type RPDO struct {
	logger *slog.Logger
	dict   *od.Dictionary
	timers *timer.Wheel
	emcy   *emergency.EMCY

	commIndex uint16
	mapIndex  uint16

	rxID  uint32
	valid bool

	synchronous bool

	timeoutTicks  uint32
	timeoutHandle timer.Handle
	timeoutArmed  bool
	inTimeout     bool

	operational bool

	pending      [8]byte
	havePending  bool

	mapping    []mapSlot
	dataLength uint32
}

// NewRPDO builds an RPDO from its communication record (0x1400+n) and
// mapping record (0x1600+n), both of which must already exist in dict.
func NewRPDO(
	dict *od.Dictionary,
	timers *timer.Wheel,
	emcy *emergency.EMCY,
	commIndex uint16,
	mapIndex uint16,
	logger *slog.Logger,
) (*RPDO, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RPDO{
		logger:    logger.With("service", "RPDO"),
		dict:      dict,
		timers:    timers,
		emcy:      emcy,
		commIndex: commIndex,
		mapIndex:  mapIndex,
	}

	if err := r.readMapping(); err != nil {
		return nil, err
	}
	if err := r.readComm(); err != nil {
		return nil, err
	}
	r.installHooks()
	return r, nil
}

func (r *RPDO) installHooks() {
	if e, ok := r.dict.Find(r.commIndex, subCobID); ok {
		e.Type = od.FuncType{ReadFn: r.readCobID, WriteFn: r.writeCobID}
	}
	if e, ok := r.dict.Find(r.commIndex, subTransmissionType); ok {
		e.Type = od.FuncType{WriteFn: r.writeTransmissionType}
	}
	if e, ok := r.dict.Find(r.commIndex, subEventTimer); ok {
		e.Type = od.FuncType{WriteFn: r.writeEventTimer}
	}
	if e, ok := r.dict.Find(r.mapIndex, subNbMapped); ok {
		e.Type = od.FuncType{WriteFn: r.writeMapping}
	}
	for i := uint8(1); i <= MaxMappedEntries; i++ {
		if e, ok := r.dict.Find(r.mapIndex, i); ok {
			e.Type = od.FuncType{WriteFn: r.writeMapping}
		}
	}
}

func (r *RPDO) readComm() error {
	cobID, err := r.dict.ReadU32(r.commIndex, subCobID)
	if err != nil {
		return err
	}
	r.applyCobID(cobID)

	transType, err := r.dict.ReadU8(r.commIndex, subTransmissionType)
	if err != nil {
		return err
	}
	r.synchronous = transType <= TransmissionSyncMax

	if event, err := r.dict.ReadU16(r.commIndex, subEventTimer); err == nil {
		r.timeoutTicks = uint32(event)
	}
	return nil
}

func (r *RPDO) readMapping() error {
	mapping, total, err := parseMapping(r.dict, r.mapIndex, true)
	if err != nil {
		return err
	}
	r.mapping = mapping
	r.dataLength = total
	return nil
}

func (r *RPDO) applyCobID(cobID uint32) {
	valid := cobID&0x80000000 == 0
	canID := cobID & 0x7FF
	if valid && canID == 0 {
		valid = false
	}
	r.rxID = canID
	r.valid = valid
}

func (r *RPDO) readCobID(e *od.Entry, dst []byte, offset uint32) (int, error) {
	if offset != 0 || len(dst) < 4 {
		return 0, od.ErrDataShort
	}
	cobID := r.rxID
	if !r.valid {
		cobID |= 0x80000000
	}
	binary.LittleEndian.PutUint32(dst, cobID)
	return 4, nil
}

func (r *RPDO) writeCobID(e *od.Entry, src []byte, offset uint32) error {
	if offset != 0 || len(src) != 4 {
		return od.ErrDataShort
	}
	newCobID := binary.LittleEndian.Uint32(src)
	newValid := newCobID&0x80000000 == 0
	if r.valid && newValid {
		return od.ErrAccess
	}
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	r.applyCobID(newCobID)
	return nil
}

func (r *RPDO) writeTransmissionType(e *od.Entry, src []byte, offset uint32) error {
	if r.valid {
		return od.ErrAccess
	}
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	v, err := r.dict.ReadU8(r.commIndex, subTransmissionType)
	if err != nil {
		return err
	}
	r.synchronous = v <= TransmissionSyncMax
	r.havePending = false
	return nil
}

func (r *RPDO) writeEventTimer(e *od.Entry, src []byte, offset uint32) error {
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	v, err := r.dict.ReadU16(r.commIndex, subEventTimer)
	if err != nil {
		return err
	}
	r.timeoutTicks = uint32(v)
	if r.timeoutArmed {
		_ = r.timers.Delete(r.timeoutHandle)
		r.timeoutArmed = false
	}
	return nil
}

func (r *RPDO) writeMapping(e *od.Entry, src []byte, offset uint32) error {
	if r.valid {
		return od.ErrAccess
	}
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	return r.readMapping()
}

// RxID is this RPDO's configured COB-ID, used by the node orchestrator to
// route an incoming frame to the right RPDO. Only meaningful when Valid.
func (r *RPDO) RxID() uint32 { return r.rxID }

// Valid reports whether this RPDO is currently enabled (COB-ID's invalid
// bit clear).
func (r *RPDO) Valid() bool { return r.valid }

// Handle processes one received CAN frame already matched to this RPDO's
// COB-ID by the node orchestrator. Per spec section 4.6: a synchronous
// RPDO stashes the payload for the next Sync call; an asynchronous one
// distributes immediately.
func (r *RPDO) Handle(frame can.Frame) {
	if !r.valid || !r.operational {
		return
	}
	if !r.validateLength(frame.DLC) {
		return
	}

	if r.timeoutTicks > 0 {
		if r.timeoutArmed {
			_ = r.timers.Delete(r.timeoutHandle)
		}
		h, err := r.timers.Create(r.timeoutTicks, 0, r.onTimeout, nil)
		if err == nil {
			r.timeoutHandle = h
			r.timeoutArmed = true
		}
	}
	if r.inTimeout {
		r.emcy.Clr(emergency.RPDOTimeOut)
		r.inTimeout = false
	}

	if r.synchronous {
		r.pending = frame.Data
		r.havePending = true
		return
	}
	r.copyDataToOd(frame.Data[:frame.DLC])
}

func (r *RPDO) validateLength(dlc uint8) bool {
	expected := uint8(r.dataLength)
	if dlc == expected {
		return true
	}
	r.emcy.Set(emergency.RPDOWrongLength, emergency.ErrPdoLength, uint32(r.dataLength))
	return false
}

// Sync flushes a synchronous RPDO's stashed payload. Called once per
// registered RPDO whenever the node's SYNC handler reports EventRxOrTx
// while Operational.
func (r *RPDO) Sync() {
	if !r.operational || !r.havePending {
		return
	}
	r.copyDataToOd(r.pending[:int(r.dataLength)])
	r.havePending = false
}

// copyDataToOd walks the mapping, writing each mapped slice of data into
// its dictionary entry and skipping dummy slots without writing anything.
func (r *RPDO) copyDataToOd(data []byte) {
	offset := uint32(0)
	for _, slot := range r.mapping {
		end := offset + slot.width
		if end > uint32(len(data)) {
			break
		}
		if !slot.dummy {
			if err := r.dict.WriteBufferContinue(slot.entry, data[offset:end], 0); err != nil {
				r.logger.Warn("rpdo write failed", "cobId", r.rxID, "error", err)
			}
		}
		offset = end
	}
}

func (r *RPDO) onTimeout(any) {
	if !r.operational {
		return
	}
	r.inTimeout = true
	r.emcy.Set(emergency.RPDOTimeOut, emergency.ErrRpdoTimeout, 0)
}

// SetOperational arms or disarms this RPDO's timeout timer and clears any
// stashed payload on an NMT state transition.
func (r *RPDO) SetOperational(operational bool) {
	r.operational = operational
	if !operational {
		if r.timeoutArmed {
			_ = r.timers.Delete(r.timeoutHandle)
			r.timeoutArmed = false
		}
		r.havePending = false
		r.inTimeout = false
	}
}

// Reset re-reads this RPDO's communication and mapping objects and clears
// any in-flight state, per spec section 4.5's Reset semantics (shared by
// both PDO directions per spec section 4.6's "mirror of TPDO").
func (r *RPDO) Reset() error {
	wasOperational := r.operational
	r.SetOperational(false)
	if err := r.readMapping(); err != nil {
		return err
	}
	if err := r.readComm(); err != nil {
		return err
	}
	if wasOperational {
		r.SetOperational(true)
	}
	return nil
}
