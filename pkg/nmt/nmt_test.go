package nmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestNMT(t *testing.T, heartbeatMs uint16, control uint16) (*NMT, *fakeSender, *timer.Wheel) {
	t.Helper()
	dict := od.New(0x10)
	entry := &od.Entry{Key: od.MakeKey(od.EntryProducerHeartbeatTime, 0, od.FlagRW|od.FlagSize2), Type: od.Bytes}
	require.NoError(t, entry.Type.Write(entry, []byte{byte(heartbeatMs), byte(heartbeatMs >> 8)}, 0))
	require.NoError(t, dict.Add(entry))

	wheel := timer.New(64)
	sender := &fakeSender{}
	cfg := Config{NodeID: 0x10, Control: control, HeartbeatTx: 0x700 + 0x10, NmtRx: 0}

	n, err := New(dict, wheel, sender, cfg, nil)
	require.NoError(t, err)
	return n, sender, wheel
}

func TestStartSendsBootupThenMovesToPreOperational(t *testing.T) {
	n, sender, _ := newTestNMT(t, 100, 0)
	n.Start()

	require.Len(t, sender.sent, 1)
	boot := sender.sent[0]
	assert.Equal(t, uint32(0x710), boot.ID)
	assert.Equal(t, uint8(StateInit), boot.Data[0])
	assert.Equal(t, StatePreOp, n.State())
}

func TestStartToOperationalControlBitSkipsPreOp(t *testing.T) {
	n, _, _ := newTestNMT(t, 100, startToOperational)
	n.Start()
	assert.Equal(t, StateOperational, n.State())
}

func TestHandleEnterOperationalCommandTransitionsAndHeartbeats(t *testing.T) {
	n, sender, _ := newTestNMT(t, 100, 0)
	n.Start()
	before := len(sender.sent)

	n.Handle(can.NewFrame(0, []byte{byte(CommandEnterOperational), 0x10}))

	assert.Equal(t, StateOperational, n.State())
	assert.Greater(t, len(sender.sent), before)
	assert.Equal(t, uint8(StateOperational), sender.last().Data[0])
}

func TestHandleIgnoresFrameForOtherNode(t *testing.T) {
	n, sender, _ := newTestNMT(t, 100, 0)
	n.Start()
	before := len(sender.sent)

	n.Handle(can.NewFrame(0, []byte{byte(CommandEnterOperational), 0x11}))

	assert.Equal(t, StatePreOp, n.State())
	assert.Equal(t, before, len(sender.sent))
}

func TestResetNodeCommandSetsPendingReset(t *testing.T) {
	n, _, _ := newTestNMT(t, 100, 0)
	n.Start()

	n.Handle(can.NewFrame(0, []byte{byte(CommandResetNode), 0}))
	assert.Equal(t, ResetApp, n.PendingReset())
	assert.Equal(t, ResetNone, n.PendingReset())
}

func TestHeartbeatTimerFiresPeriodically(t *testing.T) {
	n, sender, wheel := newTestNMT(t, 10, 0)
	n.Start()
	count := len(sender.sent)

	for i := 0; i < 25; i++ {
		wheel.Service()
		wheel.Process()
	}

	assert.Greater(t, len(sender.sent), count)
}

func TestWritingHeartbeatPeriodReschedulesProducer(t *testing.T) {
	n, sender, wheel := newTestNMT(t, 1000, 0)
	n.Start()
	countBefore := len(sender.sent)

	require.NoError(t, n.dict.WriteU16(od.EntryProducerHeartbeatTime, 0, 5))

	for i := 0; i < 20; i++ {
		wheel.Service()
		wheel.Process()
	}

	assert.Greater(t, len(sender.sent), countBefore)
}

func TestAllowedObjectsMatchState(t *testing.T) {
	n, _, _ := newTestNMT(t, 100, 0)
	assert.Equal(t, ClassNMT|ClassBoot, n.AllowedObjects())

	n.Start()
	assert.Equal(t, ClassNMT|ClassSDO|ClassSYNC|ClassEMCY|ClassTIME, n.AllowedObjects())

	n.Handle(can.NewFrame(0, []byte{byte(CommandEnterOperational), 0x10}))
	assert.Equal(t, ClassNMT|ClassSDO|ClassSYNC|ClassEMCY|ClassTIME|ClassPDO, n.AllowedObjects())

	n.Handle(can.NewFrame(0, []byte{byte(CommandEnterStopped), 0x10}))
	assert.Equal(t, ClassNMT, n.AllowedObjects())
}

func TestStateChangeCallbackInvoked(t *testing.T) {
	n, _, _ := newTestNMT(t, 100, 0)
	n.Start()

	var seen []State
	n.OnStateChange(func(s State) { seen = append(seen, s) })

	n.Handle(can.NewFrame(0, []byte{byte(CommandEnterOperational), 0x10}))
	n.Handle(can.NewFrame(0, []byte{byte(CommandEnterStopped), 0x10}))

	require.Len(t, seen, 2)
	assert.Equal(t, StateOperational, seen[0])
	assert.Equal(t, StateStopped, seen[1])
}
