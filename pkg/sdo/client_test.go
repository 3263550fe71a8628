package sdo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cia301/conode/pkg/can"
	"github.com/cia301/conode/pkg/od"
	"github.com/cia301/conode/pkg/timer"
)

func newTestClient(t *testing.T, timeoutMs uint32) (*Client, *fakeSender, *timer.Wheel) {
	t.Helper()
	dict := od.New(2)
	require.NoError(t, dict.Add(newScalarEntry(0x1280, 1, od.FlagRW|od.FlagSize4, od.U32, u32le(0x601))))
	require.NoError(t, dict.Add(newScalarEntry(0x1280, 2, od.FlagRW|od.FlagSize4, od.U32, u32le(0x581))))
	wheel := timer.New(32)
	sender := &fakeSender{}
	c, err := NewClient(dict, wheel, sender, ClientConfig{ChannelIndex: 0x1280, TimeoutMs: timeoutMs}, nil)
	require.NoError(t, err)
	return c, sender, wheel
}

func TestClientDownloadExpeditedCompletesOnAck(t *testing.T) {
	c, sender, _ := newTestClient(t, 50)
	var gotAbort uint32
	var gotN int
	require.NoError(t, c.RequestDownload(0x2000, 0, []byte{0xEF, 0xBE, 0xAD, 0xDE}, 0, func(abort uint32, n int, err error) {
		gotAbort, gotN = abort, n
	}))

	require.Len(t, sender.sent, 1)
	req := sender.sent[0]
	assert.Equal(t, uint32(0x601), req.ID)
	assert.Equal(t, byte(0x23), req.Data[0])

	c.Handle(can.NewFrame(0x581, []byte{0x60, 0x00, 0x20, 0x00, 0, 0, 0, 0}))

	assert.Equal(t, uint32(0), gotAbort)
	assert.Equal(t, 4, gotN)
	assert.False(t, c.Busy())
}

func TestClientUploadExpeditedDeliversValue(t *testing.T) {
	c, sender, _ := newTestClient(t, 50)
	dst := make([]byte, 4)
	done := false
	require.NoError(t, c.RequestUpload(0x2001, 0, dst, 0, func(abort uint32, n int, err error) {
		done = true
	}))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(0x40), sender.sent[0].Data[0])

	c.Handle(can.NewFrame(0x581, []byte{0x43, 0x01, 0x20, 0x00, 0x44, 0x33, 0x22, 0x11}))

	assert.True(t, done)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, dst)
}

func TestClientAbortFrameInvokesCallbackWithCode(t *testing.T) {
	c, _, _ := newTestClient(t, 50)
	var gotAbort uint32
	require.NoError(t, c.RequestUpload(0x2002, 0, make([]byte, 4), 0, func(abort uint32, n int, err error) {
		gotAbort = abort
	}))

	c.Handle(can.NewFrame(0x581, []byte{0x80, 0x02, 0x20, 0x00, 0x00, 0x00, 0x02, 0x06}))

	assert.Equal(t, uint32(AbortNotExist), gotAbort)
	assert.False(t, c.Busy())
}

func TestClientBusyRejectsConcurrentRequest(t *testing.T) {
	c, _, _ := newTestClient(t, 50)
	require.NoError(t, c.RequestUpload(0x2003, 0, make([]byte, 4), 0, nil))

	err := c.RequestDownload(0x2004, 0, []byte{1, 2, 3, 4}, 0, nil)

	assert.ErrorIs(t, err, ErrBusy)
}

func TestClientTimeoutFiresAbortCallback(t *testing.T) {
	c, sender, wheel := newTestClient(t, 10)
	var gotAbort uint32
	require.NoError(t, c.RequestUpload(0x2005, 0, make([]byte, 4), 0, func(abort uint32, n int, err error) {
		gotAbort = abort
	}))
	sender.sent = nil

	for i := 0; i < 10; i++ {
		wheel.Service()
	}
	wheel.Process()

	assert.Equal(t, uint32(AbortTimeout), gotAbort)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, byte(0x80), sender.sent[0].Data[0])
}
