package can

import "encoding/binary"

// MaxStdId is the highest 11-bit standard CAN identifier.
const MaxStdId uint32 = 0x7FF

// Frame is a standard (11-bit) CAN frame with up to 8 data bytes. Extended
// (29-bit) identifiers are rejected at PDO/SDO configuration time, see
// pkg/pdo and pkg/sdo.
type Frame struct {
	ID   uint32
	RTR  bool
	DLC  uint8
	Data [8]byte
}

// NewFrame builds a Frame, copying at most 8 bytes from data.
func NewFrame(id uint32, data []byte) Frame {
	f := Frame{ID: id, DLC: uint8(len(data))}
	if f.DLC > 8 {
		f.DLC = 8
	}
	copy(f.Data[:f.DLC], data)
	return f
}

// GetU16 reads a little-endian u16 from the payload at byte offset off.
func (f *Frame) GetU16(off int) uint16 {
	return binary.LittleEndian.Uint16(f.Data[off:])
}

// GetU32 reads a little-endian u32 from the payload at byte offset off.
func (f *Frame) GetU32(off int) uint32 {
	return binary.LittleEndian.Uint32(f.Data[off:])
}

// SetU16 writes a little-endian u16 into the payload at byte offset off.
func (f *Frame) SetU16(off int, v uint16) {
	binary.LittleEndian.PutUint16(f.Data[off:], v)
}

// SetU32 writes a little-endian u32 into the payload at byte offset off.
func (f *Frame) SetU32(off int, v uint32) {
	binary.LittleEndian.PutUint32(f.Data[off:], v)
}
