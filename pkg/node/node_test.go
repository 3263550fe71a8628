package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/nmt"
	"github.com/cia301/conode/pkg/od"
	"github.com/cia301/conode/pkg/timer"
)

// fakeBus is a Bus that replays a queue of frames and records every send.
type fakeBus struct {
	rx   []can.Frame
	sent []can.Frame
}

func (b *fakeBus) Send(frame can.Frame) error {
	b.sent = append(b.sent, frame)
	return nil
}

func (b *fakeBus) Receive() (can.Frame, bool, error) {
	if len(b.rx) == 0 {
		return can.Frame{}, false, nil
	}
	frame := b.rx[0]
	b.rx = b.rx[1:]
	return frame, true, nil
}

func (b *fakeBus) queue(frame can.Frame) { b.rx = append(b.rx, frame) }

func u32le(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func u16le(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

func newScalarEntry(index uint16, sub uint8, flags uint8, typ od.Type, initial []byte) *od.Entry {
	if typ == nil {
		typ = od.Bytes
	}
	e := &od.Entry{Key: od.MakeKey(index, sub, flags), Type: typ}
	_ = e.Type.Write(e, initial, 0)
	return e
}

// newBaseDict builds the entries every component either requires or reads
// tolerantly: 0x1001 error register, 0x1005/0x1006/0x1007 SYNC objects,
// 0x1017 heartbeat producer period.
func newBaseDict(t *testing.T, nodeID uint8) *od.Dictionary {
	t.Helper()
	dict := od.New(nodeID)
	require.NoError(t, dict.Add(newScalarEntry(od.EntryErrorRegister, 0, od.FlagRW, nil, []byte{0})))
	require.NoError(t, dict.Add(newScalarEntry(od.EntryCobIdSYNC, 0, od.FlagRW|od.FlagSize4, od.U32, u32le(0x80))))
	require.NoError(t, dict.Add(newScalarEntry(od.EntryCommunicationCyclePeriod, 0, od.FlagRW|od.FlagSize4, od.U32, u32le(0))))
	require.NoError(t, dict.Add(newScalarEntry(od.EntrySynchronousWindowLength, 0, od.FlagRW|od.FlagSize4, od.U32, u32le(0))))
	require.NoError(t, dict.Add(newScalarEntry(od.EntryProducerHeartbeatTime, 0, od.FlagRW|od.FlagSize2, od.U16, u16le(0))))
	return dict
}

func addSDOServer(t *testing.T, dict *od.Dictionary, channel uint16, rxID, txID uint32) {
	t.Helper()
	require.NoError(t, dict.Add(newScalarEntry(channel, 1, od.FlagRW|od.FlagSize4, od.U32, u32le(rxID))))
	require.NoError(t, dict.Add(newScalarEntry(channel, 2, od.FlagRW|od.FlagSize4, od.U32, u32le(txID))))
}

// addRPDO adds one RPDO communication/mapping pair mapping a single
// writable uint32 data entry at dataIndex, transmission type async (254 —
// event-driven, not SYNC-cyclic).
func addRPDO(t *testing.T, dict *od.Dictionary, commIndex, mapIndex, dataIndex uint16, cobID uint32) {
	t.Helper()
	require.NoError(t, dict.Add(newScalarEntry(dataIndex, 0, od.FlagRW|od.FlagPDOMap|od.FlagSize4, od.U32, u32le(0))))

	require.NoError(t, dict.Add(newScalarEntry(commIndex, 0, od.FlagRW, nil, []byte{0})))
	require.NoError(t, dict.Add(newScalarEntry(commIndex, 1, od.FlagRW|od.FlagSize4, od.U32, u32le(cobID))))
	require.NoError(t, dict.Add(newScalarEntry(commIndex, 2, od.FlagRW, nil, []byte{254})))
	require.NoError(t, dict.Add(newScalarEntry(commIndex, 3, od.FlagRW|od.FlagSize2, od.U16, u16le(0))))
	require.NoError(t, dict.Add(newScalarEntry(commIndex, 4, od.FlagRW, nil, []byte{0})))
	require.NoError(t, dict.Add(newScalarEntry(commIndex, 5, od.FlagRW|od.FlagSize2, od.U16, u16le(0))))

	require.NoError(t, dict.Add(newScalarEntry(mapIndex, 0, od.FlagRW, nil, []byte{1})))
	require.NoError(t, dict.Add(newScalarEntry(mapIndex, 1, od.FlagRW|od.FlagSize4, od.U32, u32le(uint32(dataIndex)<<16|0<<8|32))))
}

func nmtFrame(cmd nmt.Command, target uint8) can.Frame {
	return can.NewFrame(0, []byte{byte(cmd), target})
}

func TestNewBuildsNodeAndTransitionsToPreOperational(t *testing.T) {
	dict := newBaseDict(t, 0x10)
	addSDOServer(t, dict, 0x1200, 0x601, 0x581)
	wheel := timer.New(32)
	bus := &fakeBus{}

	n, err := New(dict, wheel, bus, Config{NodeID: 0x10}, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, nmt.StatePreOp, n.State())
	require.Len(t, n.sdoServers, 1)
	require.Len(t, bus.sent, 1, "bootup heartbeat should have been sent")
	assert.Equal(t, byte(nmt.StateInit), bus.sent[0].Data[0])
}

func TestProcessRoutesNMTCommandBroadcast(t *testing.T) {
	dict := newBaseDict(t, 0x10)
	wheel := timer.New(32)
	bus := &fakeBus{}
	n, err := New(dict, wheel, bus, Config{NodeID: 0x10}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, nmt.StatePreOp, n.State())

	bus.queue(nmtFrame(nmt.CommandEnterOperational, 0))
	require.NoError(t, n.Process())

	assert.Equal(t, nmt.StateOperational, n.State())
}

func TestProcessRoutesSDOFrameToMatchingChannelOnly(t *testing.T) {
	dict := newBaseDict(t, 0x10)
	addSDOServer(t, dict, 0x1200, 0x601, 0x581)
	addSDOServer(t, dict, 0x1201, 0x602, 0x582)
	require.NoError(t, dict.Add(newScalarEntry(0x2000, 0, od.FlagRW|od.FlagSize4, od.U32, u32le(0x11223344))))

	wheel := timer.New(32)
	bus := &fakeBus{}
	n, err := New(dict, wheel, bus, Config{NodeID: 0x10}, nil, nil)
	require.NoError(t, err)
	bus.sent = nil // drop the bootup heartbeat

	// Expedited upload of 0x2000:00 addressed to the second channel's rxID.
	bus.queue(can.NewFrame(0x602, []byte{0x40, 0x00, 0x20, 0x00, 0, 0, 0, 0}))
	require.NoError(t, n.Process())

	require.Len(t, bus.sent, 1)
	resp := bus.sent[0]
	assert.Equal(t, uint32(0x582), resp.ID, "response must come from the channel that owns rxID 0x602, not 0x581")
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, resp.Data[4:8])
}

func TestProcessDropsUnmatchedFrameToCallback(t *testing.T) {
	dict := newBaseDict(t, 0x10)
	wheel := timer.New(32)
	bus := &fakeBus{}

	var captured []can.Frame
	n, err := New(dict, wheel, bus, Config{NodeID: 0x10}, func(f can.Frame) {
		captured = append(captured, f)
	}, nil)
	require.NoError(t, err)

	unmatched := can.NewFrame(0x123, []byte{1, 2, 3, 4})
	bus.queue(unmatched)
	require.NoError(t, n.Process())

	require.Len(t, captured, 1)
	assert.Equal(t, unmatched.ID, captured[0].ID)
}

func TestRPDOIsGatedByOperationalState(t *testing.T) {
	dict := newBaseDict(t, 0x10)
	addRPDO(t, dict, 0x1400, 0x1600, 0x2100, 0x200+uint32(0x10))

	wheel := timer.New(32)
	bus := &fakeBus{}
	var captured []can.Frame
	n, err := New(dict, wheel, bus, Config{NodeID: 0x10}, func(f can.Frame) {
		captured = append(captured, f)
	}, nil)
	require.NoError(t, err)
	require.Equal(t, nmt.StatePreOp, n.State())

	rpdoFrame := can.NewFrame(0x210, u32le(0xCAFEBABE))

	// Pre-operational: RPDO class is not allowed, frame falls to the
	// unmatched callback untouched.
	bus.queue(rpdoFrame)
	require.NoError(t, n.Process())
	require.Len(t, captured, 1)
	v, err := dict.ReadU32(0x2100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)

	// Move to Operational, then the same frame is routed and written.
	bus.queue(nmtFrame(nmt.CommandEnterOperational, 0))
	require.NoError(t, n.Process())
	require.Equal(t, nmt.StateOperational, n.State())

	bus.queue(rpdoFrame)
	require.NoError(t, n.Process())
	v, err = dict.ReadU32(0x2100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), v)
}

func TestTriggerPDOIsANoOpWithoutConfiguredTPDO(t *testing.T) {
	dict := newBaseDict(t, 0x10)
	require.NoError(t, dict.Add(newScalarEntry(0x2200, 0, od.FlagRW|od.FlagSize4, od.U32, u32le(0))))
	wheel := timer.New(32)
	bus := &fakeBus{}
	n, err := New(dict, wheel, bus, Config{NodeID: 0x10}, nil, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() { n.TriggerPDO(0x2200, 0) })
}
