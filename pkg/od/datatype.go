package od

// DataType is the CiA 301 EDS DataType byte: the wire/EDS-level type tag an
// entry's value is encoded as. It is independent of Key's flag bits, which
// describe access and storage, not encoding.
type DataType uint8

const (
	Boolean       DataType = 0x01
	Integer8      DataType = 0x02
	Integer16     DataType = 0x03
	Integer32     DataType = 0x04
	Unsigned8     DataType = 0x05
	Unsigned16    DataType = 0x06
	Unsigned32    DataType = 0x07
	Real32        DataType = 0x08
	VisibleString DataType = 0x09
	OctetString   DataType = 0x0A
	UnicodeString DataType = 0x0B
	Domain        DataType = 0x0F
	Real64        DataType = 0x11
	Integer64     DataType = 0x15
	Unsigned64    DataType = 0x1B
)

// FixedSize returns the encoded size in bytes for DataTypes whose length is
// fixed by the type itself, and false for the variable-length types
// (VisibleString, OctetString, UnicodeString, Domain).
func (d DataType) FixedSize() (int, bool) {
	switch d {
	case Boolean, Integer8, Unsigned8:
		return 1, true
	case Integer16, Unsigned16:
		return 2, true
	case Integer32, Unsigned32, Real32:
		return 4, true
	case Integer64, Unsigned64, Real64:
		return 8, true
	default:
		return 0, false
	}
}

// Signed reports whether d is one of the signed integer DataTypes.
func (d DataType) Signed() bool {
	switch d {
	case Integer8, Integer16, Integer32, Integer64:
		return true
	default:
		return false
	}
}
