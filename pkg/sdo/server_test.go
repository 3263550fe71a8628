package sdo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cia301/conode/internal/crc"
	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/od"
	"github.com/cia301/conode/pkg/timer"
)

type fakeSender struct {
	sent []can.Frame
}

func (f *fakeSender) Send(frame can.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSender) last() can.Frame { return f.sent[len(f.sent)-1] }

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func newScalarEntry(index uint16, sub uint8, flags uint8, typ od.Type, initial []byte) *od.Entry {
	if typ == nil {
		typ = od.Bytes
	}
	e := &od.Entry{Key: od.MakeKey(index, sub, flags), Type: typ}
	_ = e.Type.Write(e, initial, 0)
	return e
}

// newTestServer builds an SDO server channel at 0x1200 (rx 0x601, tx
// 0x581, node-ID 1) plus one extra data entry for the test to exercise.
func newTestServer(t *testing.T, dataIndex uint16, flags uint8, typ od.Type, initial []byte) (*Server, *fakeSender, *od.Dictionary, *timer.Wheel) {
	t.Helper()
	dict := od.New(1)
	require.NoError(t, dict.Add(newScalarEntry(0x1200, 1, od.FlagRW|od.FlagSize4, od.U32, u32le(0x601))))
	require.NoError(t, dict.Add(newScalarEntry(0x1200, 2, od.FlagRW|od.FlagSize4, od.U32, u32le(0x581))))
	require.NoError(t, dict.Add(newScalarEntry(dataIndex, 0, flags, typ, initial)))

	wheel := timer.New(32)
	sender := &fakeSender{}
	s, err := New(dict, wheel, sender, Config{ChannelIndex: 0x1200, TimeoutMs: 50}, nil)
	require.NoError(t, err)
	return s, sender, dict, wheel
}

// TestExpeditedDownloadWritesFullValue traces spec scenario S1: a full
// 4-byte expedited download of 0xDEADBEEF.
func TestExpeditedDownloadWritesFullValue(t *testing.T) {
	s, sender, dict, _ := newTestServer(t, 0x2000, od.FlagRW|od.FlagSize4, od.U32, []byte{0, 0, 0, 0})

	req := can.NewFrame(0x601, []byte{0x23, 0x00, 0x20, 0x00, 0xEF, 0xBE, 0xAD, 0xDE})
	s.Handle(req)

	require.Len(t, sender.sent, 1)
	resp := sender.sent[0]
	assert.Equal(t, uint32(0x581), resp.ID)
	assert.Equal(t, byte(0x60), resp.Data[0])

	v, err := dict.ReadU32(0x2000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), v)
}

func TestExpeditedUploadRespondsWithValue(t *testing.T) {
	s, sender, _, _ := newTestServer(t, 0x2001, od.FlagRW|od.FlagSize4, od.U32, u32le(0x11223344))

	s.Handle(can.NewFrame(0x601, []byte{0x40, 0x01, 0x20, 0x00, 0, 0, 0, 0}))

	require.Len(t, sender.sent, 1)
	resp := sender.sent[0]
	assert.Equal(t, byte(0x43), resp.Data[0])
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, resp.Data[4:8])
}

func TestSegmentedUploadOfLongStringSpansMultipleSegments(t *testing.T) {
	value := []byte("0123456789ABCDE") // 15 bytes: initiate + 3 segments
	s, sender, _, _ := newTestServer(t, 0x2002, od.FlagRW, od.Bytes, value)

	s.Handle(can.NewFrame(0x601, []byte{0x40, 0x02, 0x20, 0x00, 0, 0, 0, 0}))
	require.Len(t, sender.sent, 1)
	init := sender.sent[0]
	assert.Equal(t, byte(0x41), init.Data[0])

	var got []byte
	toggle := byte(0)
	for i := 0; i < 3; i++ {
		sender.sent = nil
		s.Handle(can.NewFrame(0x601, []byte{0x60 | toggle, 0, 0, 0, 0, 0, 0, 0}))
		require.Len(t, sender.sent, 1)
		seg := sender.sent[0].Data
		assert.Equal(t, toggle, seg[0]&0x10)
		n := segmentSize - int((seg[0]>>1)&0x07)
		got = append(got, seg[1:1+n]...)
		if seg[0]&0x01 != 0 {
			break
		}
		toggle ^= 0x10
	}
	assert.Equal(t, value, got)
}

func TestSegmentedDownloadReassemblesValue(t *testing.T) {
	s, sender, dict, _ := newTestServer(t, 0x2003, od.FlagRW, od.Bytes, nil)

	s.Handle(can.NewFrame(0x601, []byte{0x21, 0x03, 0x20, 0x00, 15, 0, 0, 0}))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(0x60), sender.sent[0].Data[0])

	part1 := []byte("ABCDEFG")
	sender.sent = nil
	s.Handle(can.NewFrame(0x601, append([]byte{0x00}, part1...)))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(0x20), sender.sent[0].Data[0])

	part2 := []byte("HIJKLMN")
	sender.sent = nil
	s.Handle(can.NewFrame(0x601, append([]byte{0x10}, part2...)))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(0x30), sender.sent[0].Data[0])

	part3 := []byte("O")
	last := append([]byte{0x00 | byte(7-len(part3))<<1 | 0x01}, append(part3, make([]byte, 6)...)...)
	sender.sent = nil
	s.Handle(can.NewFrame(0x601, last))
	require.Len(t, sender.sent, 1)

	got := make([]byte, 15)
	n, err := dict.ReadBufferContinue(mustFind(t, dict, 0x2003), got, 0)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	assert.Equal(t, "ABCDEFGHIJKLMNO", string(got))
}

func TestUnknownIndexAborts(t *testing.T) {
	s, sender, _, _ := newTestServer(t, 0x2004, od.FlagRW|od.FlagSize4, od.U32, u32le(0))

	s.Handle(can.NewFrame(0x601, []byte{0x40, 0xFF, 0x3F, 0x00, 0, 0, 0, 0}))

	require.Len(t, sender.sent, 1)
	resp := sender.sent[0]
	assert.Equal(t, byte(0x80), resp.Data[0])
	assert.Equal(t, uint32(AbortNotExist), binary32(resp.Data[4:8]))
}

func TestTimeoutAbortsStalledSegmentedTransfer(t *testing.T) {
	s, sender, _, wheel := newTestServer(t, 0x2005, od.FlagRW, od.Bytes, nil)

	s.Handle(can.NewFrame(0x601, []byte{0x21, 0x05, 0x20, 0x00, 7, 0, 0, 0}))
	sender.sent = nil

	for i := 0; i < 50; i++ {
		wheel.Service()
	}
	wheel.Process()

	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(0x80), sender.sent[0].Data[0])
	assert.Equal(t, uint32(AbortTimeout), binary32(sender.sent[0].Data[4:8]))
}

func TestBlockDownloadRoundTrip(t *testing.T) {
	s, sender, dict, _ := newTestServer(t, 0x2006, od.FlagRW, od.Bytes, nil)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	s.Handle(can.NewFrame(0x601, []byte{0xC6, 0x06, 0x20, 0x00, byte(len(payload)), 0, 0, 0}))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(0xA4), sender.sent[0].Data[0])
	sender.sent = nil

	seq := byte(0)
	for off := 0; off < len(payload); off += segmentSize {
		n := segmentSize
		last := false
		if off+n >= len(payload) {
			n = len(payload) - off
			last = true
		}
		seq++
		var frame [8]byte
		frame[0] = seq
		if last {
			frame[0] |= 0x80
		}
		copy(frame[1:1+n], payload[off:off+n])
		s.Handle(can.NewFrame(0x601, frame[:]))
	}
	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(0xA2), sender.sent[0].Data[0])
	sender.sent = nil

	var crcCheck crc.CRC16
	crcCheck.Block(payload)
	noData := byte(segmentSize - (len(payload) % segmentSize))
	if len(payload)%segmentSize == 0 {
		noData = 0
	}
	s.Handle(can.NewFrame(0x601, []byte{0xC1 | noData<<2, byte(crcCheck), byte(crcCheck >> 8), 0, 0, 0, 0, 0}))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(0xA1), sender.sent[0].Data[0])

	got := make([]byte, len(payload))
	n, err := dict.ReadBufferContinue(mustFind(t, dict, 0x2006), got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, got)
}

func mustFind(t *testing.T, dict *od.Dictionary, index uint16) *od.Entry {
	t.Helper()
	e, ok := dict.Find(index, 0)
	require.True(t, ok)
	return e
}

func binary32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
