// Package emergency implements the CiA 301 EMCY producer: per-error
// latched state, the error register byte at 0x1001, a rotating history
// at 0x1003, and transmission of emergency frames (id 0x80+node-id).
package emergency

import (
	"encoding/binary"
	"log/slog"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/od"
)

// ServiceId is the EMCY function code, combined with the node-ID to form
// the default producer COB-ID (0x80 + node-id).
const ServiceId = 0x80

// statusBits is the number of distinct error-status bits tracked (80 per
// CiA 301, matching the 0x1001 error register's derived classes plus
// manufacturer-specific range).
const statusBits = 80

// Error register bits (object 0x1001).
const (
	ErrRegGeneric       = 0x01
	ErrRegCurrent       = 0x02
	ErrRegVoltage       = 0x04
	ErrRegTemperature   = 0x08
	ErrRegCommunication = 0x10
	ErrRegDevProfile    = 0x20
	ErrRegReserved      = 0x40
	ErrRegManufacturer  = 0x80
)

// Error codes (CiA 301 table, data[0:2] of an emergency frame).
const (
	ErrNoError       = 0x0000
	ErrGeneric       = 0x1000
	ErrCurrent       = 0x2000
	ErrVoltage       = 0x3000
	ErrTemperature   = 0x4000
	ErrHardware      = 0x5000
	ErrSoftware      = 0x6000
	ErrDataSet       = 0x6300
	ErrCommunication = 0x8100
	ErrCanOverrun    = 0x8110
	ErrCanPassive    = 0x8120
	ErrHeartbeat     = 0x8130
	ErrBusOff        = 0x8140
	ErrProtocol      = 0x8200
	ErrPdoLength     = 0x8210
	ErrSyncLength    = 0x8240
	ErrRpdoTimeout   = 0x8250
	ErrExternal      = 0x9000
)

// Error status bits, the errorBit argument to Set/Clr. These identify
// which condition changed, independent of the wire error code.
const (
	NoError           uint8 = 0x00
	CanBusWarning     uint8 = 0x01
	RxMsgWrongLength  uint8 = 0x02
	RxMsgOverflow     uint8 = 0x03
	RPDOWrongLength   uint8 = 0x04
	RPDOOverflow      uint8 = 0x05
	CanRXBusPassive   uint8 = 0x06
	CanTXBusPassive   uint8 = 0x07
	NMTWrongCommand   uint8 = 0x08
	CanTXBusOff       uint8 = 0x12
	CanRXOverflow     uint8 = 0x13
	CanTXOverflow     uint8 = 0x14
	TPDOOutsideWindow uint8 = 0x15
	RPDOTimeOut       uint8 = 0x17
	SyncTimeOut       uint8 = 0x18
	SyncLength        uint8 = 0x19
	PDOWrongMapping   uint8 = 0x1A
	HeartbeatConsumer uint8 = 0x1B
	BufferFull        uint8 = 0x20
	ManufacturerStart uint8 = 0x30
	ManufacturerEnd   uint8 = statusBits - 1
)

// Sender is the frame-emitting collaborator EMCY needs.
type Sender interface {
	Send(can.Frame) error
}

type historyEntry struct {
	code uint16
	info uint32
}

// EMCY is the emergency producer: one instance per node. Like the rest of
// this stack it runs entirely from the main-loop Process call; there is
// no internal goroutine or mutex.
type EMCY struct {
	logger *slog.Logger
	send   Sender
	dict   *od.Dictionary

	nodeID uint8
	txID   uint32

	statusBits [statusBits / 8]byte

	enabled   bool
	cobID     uint16
	inhibitMs uint32
	inhibitAt uint32

	history    []historyEntry
	historyLen uint8
}

// Config carries the producer's build-time parameters.
type Config struct {
	NodeID uint8
	// HistoryCapacity is the number of subindexes (1..N) the 0x1003
	// history object exposes; 0 disables the history feature entirely.
	HistoryCapacity uint8
}

// New builds the EMCY producer, installing FuncType hooks on 0x1014 (COB-ID),
// 0x1015 (inhibit time) and 0x1003 (error history) so dictionary access goes
// through the live producer state instead of a static buffer.
func New(dict *od.Dictionary, sender Sender, cfg Config, logger *slog.Logger) (*EMCY, error) {
	if logger == nil {
		logger = slog.Default()
	}
	em := &EMCY{
		logger: logger.With("service", "EMCY"),
		send:   sender,
		dict:   dict,
		nodeID: cfg.NodeID,
		cobID:  uint16(ServiceId + uint32(cfg.NodeID)),
	}
	em.enabled = true
	em.txID = uint32(em.cobID)

	if entry, ok := dict.Find(od.EntryCobIdEMCY, 0); ok {
		cobIdValue, err := dict.ReadU32(od.EntryCobIdEMCY, 0)
		if err == nil {
			em.applyCobID(cobIdValue)
		}
		entry.Type = od.FuncType{ReadFn: em.readCobID, WriteFn: em.writeCobID}
	}
	if entry, ok := dict.Find(od.EntryInhibitTimeEMCY, 0); ok {
		period, err := dict.ReadU16(od.EntryInhibitTimeEMCY, 0)
		if err == nil {
			em.inhibitMs = uint32(period) / 10
		}
		entry.Type = od.FuncType{WriteFn: em.writeInhibitTime}
	}
	em.installHistoryHooks(cfg.HistoryCapacity)

	return em, nil
}

func (em *EMCY) installHistoryHooks(capacity uint8) {
	entry, ok := em.dict.Find(od.EntryPredefinedErrorField, 0)
	if !ok || capacity == 0 {
		return
	}
	em.history = make([]historyEntry, capacity)
	entry.Type = od.FuncType{ReadFn: em.readHistoryCount, WriteFn: em.writeHistoryClear}
}

func (em *EMCY) readCobID(e *od.Entry, dst []byte, offset uint32) (int, error) {
	var cobID uint32
	if !em.enabled {
		cobID = 0x80000000
	}
	cobID |= uint32(em.cobID)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, cobID)
	if int(offset) > len(buf) {
		return 0, od.ErrDataShort
	}
	return copy(dst, buf[offset:]), nil
}

func (em *EMCY) writeCobID(e *od.Entry, src []byte, offset uint32) error {
	if offset != 0 || len(src) != 4 {
		return od.ErrDataShort
	}
	cobID := binary.LittleEndian.Uint32(src)
	if cobID&0x7FFFF800 != 0 {
		return od.ErrRange
	}
	em.applyCobID(cobID)
	return nil
}

func (em *EMCY) applyCobID(cobID uint32) {
	em.enabled = cobID&0x80000000 == 0
	em.cobID = uint16(cobID & 0x7FF)
	em.txID = uint32(em.cobID)
}

func (em *EMCY) writeInhibitTime(e *od.Entry, src []byte, offset uint32) error {
	if err := od.Bytes.Write(e, src, offset); err != nil {
		return err
	}
	period, err := em.dict.ReadU16(od.EntryInhibitTimeEMCY, 0)
	if err != nil {
		return err
	}
	em.inhibitMs = uint32(period) / 10
	em.inhibitAt = 0
	return nil
}

func (em *EMCY) readHistoryCount(e *od.Entry, dst []byte, offset uint32) (int, error) {
	if offset != 0 {
		return 0, od.ErrDataShort
	}
	if len(dst) < 1 {
		return 0, od.ErrDataShort
	}
	dst[0] = em.historyLen
	return 1, nil
}

func (em *EMCY) writeHistoryClear(e *od.Entry, src []byte, offset uint32) error {
	if len(src) != 1 || src[0] != 0 {
		return od.ErrRange
	}
	em.historyLen = 0
	return nil
}

// HistoryAt returns the (code, info) pair at history subindex sub (1 =
// most recent), for an orchestrator exposing subindexes > 0 of 0x1003
// through the normal dictionary read path.
func (em *EMCY) HistoryAt(sub uint8) (code uint16, info uint32, ok bool) {
	if sub == 0 || sub > em.historyLen || len(em.history) == 0 {
		return 0, 0, false
	}
	idx := int(sub-1) % len(em.history)
	h := em.history[idx]
	return h.code, h.info, true
}

func (em *EMCY) pushHistory(code uint16, info uint32) {
	if len(em.history) == 0 {
		return
	}
	copy(em.history[1:], em.history[:len(em.history)-1])
	em.history[0] = historyEntry{code: code, info: info}
	if int(em.historyLen) < len(em.history) {
		em.historyLen++
	}
}

func (em *EMCY) errorRegister() byte {
	v, err := em.dict.ReadU8(od.EntryErrorRegister, 0)
	if err != nil {
		return 0
	}
	return v
}

func (em *EMCY) setErrorRegisterBit(bit byte, set bool) {
	v := em.errorRegister()
	if set {
		v |= bit
	} else {
		v &^= bit
	}
	_ = em.dict.WriteU8(od.EntryErrorRegister, 0, v)
}

// Set latches errorBit if not already set, updates the error register,
// records history, and transmits an emergency frame, per spec section 4.9.
func (em *EMCY) Set(errorBit uint8, errorCode uint16, userInfo uint32) {
	if !em.setBit(errorBit, true) {
		return
	}
	em.setErrorRegisterBit(registerBitFor(errorBit), true)
	em.pushHistory(errorCode, userInfo)
	em.transmit(errorCode, userInfo)
}

// Clr symmetrically clears errorBit, updates the error register, and
// transmits a reset emergency frame (code 0x0000).
func (em *EMCY) Clr(errorBit uint8) {
	if !em.setBit(errorBit, false) {
		return
	}
	em.setErrorRegisterBit(registerBitFor(errorBit), false)
	em.transmit(ErrNoError, 0)
}

// Reset clears every latched bit. Unless silent, one reset emergency
// frame is emitted per previously active error.
func (em *EMCY) Reset(silent bool) {
	for bit := uint8(0); bit < statusBits; bit++ {
		if !em.IsSet(bit) {
			continue
		}
		em.setBit(bit, false)
		if !silent {
			em.transmit(ErrNoError, 0)
		}
	}
	_ = em.dict.WriteU8(od.EntryErrorRegister, 0, 0)
}

// IsSet reports whether errorBit is currently latched.
func (em *EMCY) IsSet(errorBit uint8) bool {
	if int(errorBit) >= statusBits {
		return false
	}
	return em.statusBits[errorBit>>3]&(1<<(errorBit&7)) != 0
}

func (em *EMCY) setBit(errorBit uint8, value bool) (changed bool) {
	if int(errorBit) >= statusBits {
		return false
	}
	was := em.IsSet(errorBit)
	if was == value {
		return false
	}
	idx, mask := errorBit>>3, byte(1)<<(errorBit&7)
	if value {
		em.statusBits[idx] |= mask
	} else {
		em.statusBits[idx] &^= mask
	}
	return true
}

func (em *EMCY) transmit(code uint16, info uint32) {
	if !em.enabled {
		return
	}
	data := make([]byte, 8)
	binary.LittleEndian.PutUint16(data[0:2], code)
	data[2] = em.errorRegister()
	binary.LittleEndian.PutUint32(data[4:8], info)
	frame := can.NewFrame(em.txID, data)
	if err := em.send.Send(frame); err != nil {
		em.logger.Warn("emcy send failed", "error", err)
	}
}

func registerBitFor(errorBit uint8) byte {
	switch {
	case errorBit == CanBusWarning || errorBit == CanRXBusPassive || errorBit == CanTXBusPassive ||
		errorBit == CanTXBusOff || errorBit == CanRXOverflow || errorBit == CanTXOverflow:
		return ErrRegCommunication
	case errorBit == RPDOWrongLength || errorBit == RPDOOverflow || errorBit == RPDOTimeOut ||
		errorBit == SyncTimeOut || errorBit == SyncLength || errorBit == PDOWrongMapping ||
		errorBit == TPDOOutsideWindow || errorBit == NMTWrongCommand || errorBit == HeartbeatConsumer:
		return ErrRegCommunication
	case errorBit >= ManufacturerStart && errorBit <= ManufacturerEnd:
		return ErrRegManufacturer
	default:
		return ErrRegGeneric
	}
}
