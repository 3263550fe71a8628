// Package pdo implements the CiA 301 TPDO and RPDO engines: PDO mapping
// parse/validate, synchronous transmission gated on the SYNC counter,
// event- and inhibit-timer driven asynchronous transmission, and RPDO
// reception with synchronous stashing. Like the rest of this stack it runs
// entirely from explicit Handle/Sync/Process-style calls driven by the
// node's main loop; there are no internal goroutines, channels, or
// mutexes.
package pdo

import (
	"errors"
	"log/slog"

	"github.com/cia301/conode/pkg/od"
)

// MaxMappedEntries is the number of mappable sub-objects a PDO mapping
// record (0x1600+n / 0x1A00+n) carries, subindexes 1..8.
const MaxMappedEntries = 8

// MaxPdoLength is the CAN frame payload limit every PDO mapping's total
// byte length must fit within.
const MaxPdoLength = 8

// Transmission type values (object 0x1800+n:02 / 0x1400+n:02).
const (
	TransmissionSyncAcyclic  = 0    // synchronous, sent on event within the SYNC window
	TransmissionSyncMin      = 1    // synchronous, every SYNC
	TransmissionSyncMax      = 240  // synchronous, every 240th SYNC
	TransmissionEventLo      = 0xFE // asynchronous, manufacturer-specific event
	TransmissionEventHi      = 0xFF // asynchronous, device/application-profile event
)

// Communication object subindexes, shared by 0x1800+n/0x1400+n layout.
const (
	subNbMapped         uint8 = 0
	subCobID            uint8 = 1
	subTransmissionType uint8 = 2
	subInhibitTime      uint8 = 3
	subReserved         uint8 = 4
	subEventTimer       uint8 = 5
	subSyncStartValue   uint8 = 6
)

// ErrMapLen is returned when a mapping record's total byte length would
// exceed MaxPdoLength.
var ErrMapLen = errors.New("pdo: total mapped length exceeds 8 bytes")

// mapSlot is one parsed entry of a mapping record: either a dummy slot
// (RPDO only, consumes width bytes without reading or writing anything) or
// a reference to a dictionary entry.
type mapSlot struct {
	entry *od.Entry
	width uint32
	dummy bool
}

// entrySize returns e's current encoded length, the same way
// Dictionary.size would, without requiring an exported accessor for it.
func entrySize(e *od.Entry) (uint32, error) {
	if e.Type != nil {
		return e.Type.Size(e, 0)
	}
	return e.Key.SizeClass(), nil
}

// parseMapSlot validates one packed mapping parameter (index<<16 |
// subindex<<8 | length-in-bits) against spec section 4.5/4.6's rules:
// byte-aligned length, dummy slots only for RPDO, and for real entries the
// PDO-mappable flag plus direction-appropriate access.
func parseMapSlot(dict *od.Dictionary, raw uint32, isRPDO bool) (mapSlot, error) {
	index := uint16(raw >> 16)
	sub := uint8(raw >> 8)
	lengthBits := uint8(raw)

	if lengthBits&0x07 != 0 {
		return mapSlot{}, od.ErrNoMap
	}
	width := uint32(lengthBits) / 8
	if width == 0 || width > MaxPdoLength {
		return mapSlot{}, od.ErrNoMap
	}

	if index >= 0x0002 && index <= 0x0007 && sub == 0 {
		if !isRPDO {
			return mapSlot{}, od.ErrNoMap
		}
		return mapSlot{width: width, dummy: true}, nil
	}

	entry, ok := dict.Find(index, sub)
	if !ok {
		return mapSlot{}, od.ErrNotFound
	}
	if !entry.Key.IsPDOMappable() {
		return mapSlot{}, od.ErrNoMap
	}
	if isRPDO && !entry.Key.Writable() {
		return mapSlot{}, od.ErrNoMap
	}
	if !isRPDO && !entry.Key.Readable() {
		return mapSlot{}, od.ErrNoMap
	}
	size, err := entrySize(entry)
	if err != nil {
		return mapSlot{}, err
	}
	if size < width {
		return mapSlot{}, od.ErrNoMap
	}
	return mapSlot{entry: entry, width: width}, nil
}

// parseMapping reads the 0x00 count plus up to MaxMappedEntries packed
// parameters from the mapping record at mapIndex and validates the whole
// record.
func parseMapping(dict *od.Dictionary, mapIndex uint16, isRPDO bool) ([]mapSlot, uint32, error) {
	index := mapIndex
	count, err := dict.ReadU8(index, subNbMapped)
	if err != nil {
		return nil, 0, err
	}
	if count > MaxMappedEntries {
		return nil, 0, ErrMapLen
	}

	slots := make([]mapSlot, 0, count)
	var total uint32
	for i := uint8(1); i <= count; i++ {
		raw, err := dict.ReadU32(index, i)
		if err != nil {
			return nil, 0, err
		}
		slot, err := parseMapSlot(dict, raw, isRPDO)
		if err != nil {
			return nil, 0, err
		}
		total += slot.width
		if total > MaxPdoLength {
			return nil, 0, ErrMapLen
		}
		slots = append(slots, slot)
	}
	return slots, total, nil
}

// Engine owns every TPDO of a node and the per-object reverse map spec
// section 4.5 describes: "on every mapping configuration change the
// per-object -> TPDO-number array is rebuilt. TrigObj(entry) then iterates
// that array to schedule all affected TPDOs." Only asynchronous-type TPDOs
// (event timer types, not SYNC-cyclic) participate, since only they
// transmit in response to an object write.
type Engine struct {
	logger  *slog.Logger
	tpdos   []*TPDO
	reverse map[*od.Entry][]*TPDO
}

// NewEngine builds an empty TPDO engine for one node.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger.With("service", "PDO"), reverse: map[*od.Entry][]*TPDO{}}
}

// Register adds t to the engine and rebuilds the reverse map.
func (eng *Engine) Register(t *TPDO) {
	eng.tpdos = append(eng.tpdos, t)
	t.engine = eng
	eng.rebuild()
}

func (eng *Engine) rebuild() {
	reverse := map[*od.Entry][]*TPDO{}
	for _, t := range eng.tpdos {
		if t.transmissionType < TransmissionEventLo {
			continue
		}
		for _, slot := range t.mapping {
			if slot.dummy || slot.entry == nil {
				continue
			}
			reverse[slot.entry] = append(reverse[slot.entry], t)
		}
	}
	eng.reverse = reverse
}

// TrigObj schedules every asynchronous TPDO mapping entry for
// transmission, per spec section 4.5's explicit COTPdoTrigObj trigger. A
// caller invokes this after writing an object through the dictionary that
// is not itself wrapped in a FuncType hook owned by this package.
func (eng *Engine) TrigObj(entry *od.Entry) {
	for _, t := range eng.reverse[entry] {
		t.SendAsync()
	}
}

// Sync fires the SYNC-gated transmission check on every registered TPDO;
// the node orchestrator calls this once per SYNC handler event.
func (eng *Engine) Sync() {
	for _, t := range eng.tpdos {
		t.Sync()
	}
}

// SetOperational propagates an NMT state change to every registered TPDO,
// arming or disarming their timers.
func (eng *Engine) SetOperational(operational bool) {
	for _, t := range eng.tpdos {
		t.SetOperational(operational)
	}
}
