package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScalarEntry(index uint16, subindex uint8, flags uint8, typ Type, initial []byte) *Entry {
	e := &Entry{Key: MakeKey(index, subindex, flags), Type: typ}
	if typ != nil {
		_ = typ.Write(e, initial, 0)
	} else {
		e.data = append([]byte(nil), initial...)
	}
	return e
}

func TestFindOrdersAndLocatesEntries(t *testing.T) {
	d := New(5)
	require.NoError(t, d.Add(newScalarEntry(0x2000, 0, FlagRW, U32, []byte{1, 0, 0, 0})))
	require.NoError(t, d.Add(newScalarEntry(0x1000, 0, FlagRead, U32, []byte{2, 0, 0, 0})))
	require.NoError(t, d.Add(newScalarEntry(0x1000, 1, FlagRead, U8, []byte{3})))

	assert.Equal(t, 3, d.Len())
	got, ok := d.Find(0x1000, 1)
	require.True(t, ok)
	assert.Equal(t, uint8(3), got.RawBytes()[0])

	_, ok = d.Find(0x1000, 2)
	assert.False(t, ok)
}

func TestAddRejectsDuplicateAndFrozen(t *testing.T) {
	d := New(1)
	e := newScalarEntry(0x1000, 0, FlagRW, U8, []byte{0})
	require.NoError(t, d.Add(e))
	assert.ErrorIs(t, d.Add(newScalarEntry(0x1000, 0, FlagRW, U8, []byte{1})), ErrDuplicate)

	d.Freeze()
	assert.ErrorIs(t, d.Add(newScalarEntry(0x2000, 0, FlagRW, U8, []byte{1})), ErrFrozen)
}

func TestReadWriteU32RoundTrip(t *testing.T) {
	d := New(1)
	require.NoError(t, d.Add(newScalarEntry(0x2001, 0, FlagRW, U32, []byte{0, 0, 0, 0})))

	require.NoError(t, d.WriteU32(0x2001, 0, 0xdeadbeef))
	v, err := d.ReadU32(0x2001, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)
}

func TestReadValueAddsNodeIDWhenRelative(t *testing.T) {
	d := New(0x10)
	// 0x1400 + offset stored without the node-ID, as EDS default values do.
	e := newScalarEntry(0x1400, 1, FlagRead|FlagNodeID|FlagSize4, U32, []byte{0x00, 0x02, 0, 0})
	require.NoError(t, d.Add(e))

	out := make([]byte, 4)
	require.NoError(t, d.ReadValue(e, out, 4))
	assert.Equal(t, uint32(0x200+0x10), leU32(out))
}

func TestWriteValueSubtractsNodeIDWhenRelative(t *testing.T) {
	d := New(0x10)
	e := newScalarEntry(0x1400, 1, FlagRW|FlagNodeID|FlagSize4, U32, make([]byte, 4))
	require.NoError(t, d.Add(e))

	in := make([]byte, 4)
	putLEU32(in, 0x200+0x10)
	require.NoError(t, d.WriteValue(e, in, 4))

	assert.Equal(t, uint32(0x200), leU32(e.RawBytes()))
}

func TestReadValueWrongWidthFails(t *testing.T) {
	d := New(1)
	e := newScalarEntry(0x2002, 0, FlagRead, U32, make([]byte, 4))
	require.NoError(t, d.Add(e))

	out := make([]byte, 2)
	assert.ErrorIs(t, d.ReadValue(e, out, 2), ErrDataShort)
}

func TestWriteOnlyReadOnlyAccessErrors(t *testing.T) {
	d := New(1)
	ro := newScalarEntry(0x2003, 0, FlagRead, U8, []byte{0})
	wo := newScalarEntry(0x2004, 0, FlagWrite, U8, []byte{0})
	require.NoError(t, d.Add(ro))
	require.NoError(t, d.Add(wo))

	assert.ErrorIs(t, d.WriteU8(0x2003, 0, 1), ErrReadOnly)
	_, err := d.ReadU8(0x2004, 0)
	assert.ErrorIs(t, err, ErrWriteOnly)
}

func TestBufferStreamingReadsAndWritesInChunks(t *testing.T) {
	d := New(1)
	e := &Entry{Key: MakeKey(0x2005, 0, FlagRW), Type: Bytes}
	require.NoError(t, d.Add(e))

	require.NoError(t, d.WriteBufferStart(e, []byte("hel"), 11))
	require.NoError(t, d.WriteBufferContinue(e, []byte("lo wor"), 3))
	require.NoError(t, d.WriteBufferContinue(e, []byte("ld"), 9))

	dst := make([]byte, 4)
	n, total, err := d.ReadBufferStart(e, dst)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), total)
	assert.Equal(t, "hell", string(dst[:n]))

	n, err = d.ReadBufferContinue(e, dst, 4)
	require.NoError(t, err)
	assert.Equal(t, "o wo", string(dst[:n]))
}

func TestCompareDetectsUnchangedValue(t *testing.T) {
	d := New(1)
	e := newScalarEntry(0x2006, 0, FlagRW, U16, []byte{5, 0})
	require.NoError(t, d.Add(e))

	assert.True(t, d.Compare(e, []byte{5, 0}))
	assert.False(t, d.Compare(e, []byte{6, 0}))
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
