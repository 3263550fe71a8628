// Package od implements the object dictionary: a sorted array of entries
// keyed by (index, subindex), each backed by a typed hook contract that
// drives PDO, SDO and EMCY side effects. Dictionary lookup is O(log n);
// firing is not on any hot interrupt path, so a sorted slice plus binary
// search is preferred over a hash map for the predictable footprint a
// fixed-capacity embedded-style target wants.
package od

// Key packs an object's index, subindex and access flags into one
// comparable value, following the same bit layout the CANopen stack this
// package is modeled on uses for its object table: index in the high 16
// bits, subindex in the next 8, flags in the low 8.
type Key uint32

// Flag bits, packed into the low byte of a Key.
const (
	FlagRead    uint8 = 0x01 // SDO server may read the entry
	FlagWrite   uint8 = 0x02 // SDO server may write the entry
	FlagRW      uint8 = FlagRead | FlagWrite
	FlagPDOMap  uint8 = 0x04 // mappable into a TPDO or RPDO
	FlagSigned  uint8 = 0x08 // signed datatype; ReadValue does not sign-extend
	FlagSize2   uint8 = 0x10 // 2-byte size class
	FlagSize4   uint8 = 0x20 // 4-byte size class
	FlagSize8   uint8 = 0x30 // 8-byte size class
	FlagSizeMsk uint8 = 0x30
	FlagNodeID  uint8 = 0x40 // value is relative to the node-ID
	FlagDirect  uint8 = 0x80 // value lives inline, not behind a Type hook
)

// MakeKey packs index, subindex and flags into a Key.
func MakeKey(index uint16, subindex uint8, flags uint8) Key {
	return Key(uint32(index)<<16 | uint32(subindex)<<8 | uint32(flags))
}

// Index returns the object index.
func (k Key) Index() uint16 { return uint16(k >> 16) }

// SubIndex returns the object subindex.
func (k Key) SubIndex() uint8 { return uint8(k >> 8) }

// Flags returns the access/property flags.
func (k Key) Flags() uint8 { return uint8(k) }

// dev returns index and subindex with flags masked out, used to order and
// search entries independently of their access flags.
func (k Key) dev() uint32 { return uint32(k) &^ 0xFF }

// IsPDOMappable reports whether the entry may be referenced from a PDO
// mapping record.
func (k Key) IsPDOMappable() bool { return k.Flags()&FlagPDOMap != 0 }

// IsNodeIDRelative reports whether the stored value is an offset from the
// node-ID rather than an absolute value.
func (k Key) IsNodeIDRelative() bool { return k.Flags()&FlagNodeID != 0 }

// IsSigned reports whether the entry holds a signed datatype. ReadValue
// does not consult it and returns the stored bytes without sign-extension.
func (k Key) IsSigned() bool { return k.Flags()&FlagSigned != 0 }

// Readable reports whether an SDO server may read this entry.
func (k Key) Readable() bool { return k.Flags()&FlagRead != 0 }

// Writable reports whether an SDO server may write this entry.
func (k Key) Writable() bool { return k.Flags()&FlagWrite != 0 }

// SizeClass returns the fixed encoded size in bytes implied by the flag
// bits alone (1, 2, 4 or 8). Variable-length entries (string, domain) do
// not rely on this and instead ask their Type for the authoritative size.
func (k Key) SizeClass() uint32 {
	switch k.Flags() & FlagSizeMsk {
	case FlagSize2:
		return 2
	case FlagSize4:
		return 4
	case FlagSize8:
		return 8
	default:
		return 1
	}
}
