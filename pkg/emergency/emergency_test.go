package emergency

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/od"
)

type fakeSender struct {
	sent []can.Frame
}

func (f *fakeSender) Send(frame can.Frame) error {
	f.sent = append(f.sent, frame)
	return nil
}

func newScalarEntry(index uint16, sub uint8, flags uint8, initial []byte) *od.Entry {
	e := &od.Entry{Key: od.MakeKey(index, sub, flags), Type: od.Bytes}
	_ = e.Type.Write(e, initial, 0)
	return e
}

func newTestEMCY(t *testing.T, historyCap uint8) (*EMCY, *fakeSender, *od.Dictionary) {
	t.Helper()
	dict := od.New(0x05)
	require.NoError(t, dict.Add(newScalarEntry(od.EntryErrorRegister, 0, od.FlagRW, []byte{0})))
	cobID := make([]byte, 4)
	binary.LittleEndian.PutUint32(cobID, uint32(ServiceId+5))
	require.NoError(t, dict.Add(newScalarEntry(od.EntryCobIdEMCY, 0, od.FlagRW|od.FlagSize4, cobID)))
	require.NoError(t, dict.Add(newScalarEntry(od.EntryInhibitTimeEMCY, 0, od.FlagRW|od.FlagSize2, []byte{0, 0})))
	require.NoError(t, dict.Add(newScalarEntry(od.EntryPredefinedErrorField, 0, od.FlagRW, []byte{0})))

	sender := &fakeSender{}
	em, err := New(dict, sender, Config{NodeID: 5, HistoryCapacity: historyCap}, nil)
	require.NoError(t, err)
	return em, sender, dict
}

func TestSetLatchesAndTransmits(t *testing.T) {
	em, sender, dict := newTestEMCY(t, 4)

	em.Set(CanBusWarning, ErrCommunication, 0xAABBCCDD)

	require.True(t, em.IsSet(CanBusWarning))
	require.Len(t, sender.sent, 1)

	frame := sender.sent[0]
	assert.Equal(t, uint32(ServiceId+5), frame.ID)
	assert.Equal(t, uint16(ErrCommunication), binary.LittleEndian.Uint16(frame.Data[0:2]))
	assert.Equal(t, uint32(0xAABBCCDD), binary.LittleEndian.Uint32(frame.Data[4:8]))

	reg, err := dict.ReadU8(od.EntryErrorRegister, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(ErrRegCommunication), reg)
}

func TestSetIsIdempotentWhileLatched(t *testing.T) {
	em, sender, _ := newTestEMCY(t, 4)

	em.Set(CanBusWarning, ErrCommunication, 0)
	em.Set(CanBusWarning, ErrCommunication, 0)

	assert.Len(t, sender.sent, 1)
}

func TestClrResetsErrorRegisterAndSendsResetFrame(t *testing.T) {
	em, sender, dict := newTestEMCY(t, 4)
	em.Set(CanBusWarning, ErrCommunication, 0)

	em.Clr(CanBusWarning)

	assert.False(t, em.IsSet(CanBusWarning))
	require.Len(t, sender.sent, 2)
	assert.Equal(t, uint16(ErrNoError), binary.LittleEndian.Uint16(sender.sent[1].Data[0:2]))

	reg, err := dict.ReadU8(od.EntryErrorRegister, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), reg)
}

func TestResetClearsAllLatchedBitsAndEmitsOneFramePerBit(t *testing.T) {
	em, sender, _ := newTestEMCY(t, 4)
	em.Set(CanBusWarning, ErrCommunication, 0)
	em.Set(RPDOTimeOut, ErrRpdoTimeout, 0)
	before := len(sender.sent)

	em.Reset(false)

	assert.False(t, em.IsSet(CanBusWarning))
	assert.False(t, em.IsSet(RPDOTimeOut))
	assert.Equal(t, before+2, len(sender.sent))
}

func TestResetSilentEmitsNoFrames(t *testing.T) {
	em, sender, _ := newTestEMCY(t, 4)
	em.Set(CanBusWarning, ErrCommunication, 0)
	before := len(sender.sent)

	em.Reset(true)

	assert.Equal(t, before, len(sender.sent))
}

func TestHistoryTracksMostRecentFirst(t *testing.T) {
	em, _, _ := newTestEMCY(t, 2)

	em.Set(CanBusWarning, ErrCommunication, 1)
	em.Set(RPDOTimeOut, ErrRpdoTimeout, 2)
	em.Set(SyncTimeOut, ErrSyncLength, 3)

	code, info, ok := em.HistoryAt(1)
	require.True(t, ok)
	assert.Equal(t, uint16(ErrSyncLength), code)
	assert.Equal(t, uint32(3), info)

	count, err := em.dict.ReadU8(od.EntryPredefinedErrorField, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), count)
}

func TestDisabledCobIDSuppressesTransmission(t *testing.T) {
	em, sender, dict := newTestEMCY(t, 4)

	require.NoError(t, dict.WriteU32(od.EntryCobIdEMCY, 0, 0x80000000|uint32(ServiceId+5)))
	em.Set(CanBusWarning, ErrCommunication, 0)

	assert.Empty(t, sender.sent)
}
