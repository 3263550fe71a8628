package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(w *Wheel, n int) {
	for i := 0; i < n; i++ {
		w.Service()
	}
}

func TestOneShotFiresOnce(t *testing.T) {
	w := New(4)
	fired := 0
	_, err := w.Create(3, 0, func(any) { fired++ }, nil)
	require.NoError(t, err)

	tick(w, 2)
	w.Process()
	assert.Equal(t, 0, fired)

	tick(w, 1)
	w.Process()
	assert.Equal(t, 1, fired)

	tick(w, 10)
	w.Process()
	assert.Equal(t, 1, fired)
}

func TestCyclicTimerReArms(t *testing.T) {
	w := New(4)
	fired := 0
	_, err := w.Create(2, 2, func(any) { fired++ }, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tick(w, 2)
		w.Process()
	}
	assert.Equal(t, 3, fired)
}

func TestDeletePendingTimerCancelsIt(t *testing.T) {
	w := New(4)
	fired := false
	h, err := w.Create(5, 0, func(any) { fired = true }, nil)
	require.NoError(t, err)
	require.NoError(t, w.Delete(h))

	tick(w, 10)
	w.Process()
	assert.False(t, fired)
}

func TestDeleteUnknownHandleIsNotFound(t *testing.T) {
	w := New(4)
	h, err := w.Create(5, 0, func(any) {}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Delete(h))
	assert.ErrorIs(t, w.Delete(h), ErrNotFound)
}

func TestSelfDeleteInsideCallbackStopsCycle(t *testing.T) {
	w := New(4)
	fired := 0
	var h Handle
	var err error
	h, err = w.Create(1, 1, func(any) {
		fired++
		if fired == 2 {
			require.NoError(t, w.Delete(h))
		}
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tick(w, 1)
		w.Process()
	}
	assert.Equal(t, 2, fired)
}

func TestSimultaneousEventsShareOneSlotAndFireInOrder(t *testing.T) {
	w := New(4)
	var order []int
	_, err := w.Create(4, 0, func(any) { order = append(order, 1) }, nil)
	require.NoError(t, err)
	_, err = w.Create(4, 0, func(any) { order = append(order, 2) }, nil)
	require.NoError(t, err)

	tick(w, 4)
	w.Process()
	assert.Equal(t, []int{1, 2}, order)
}

func TestPoolExhaustionReturnsErrNoFreeSlot(t *testing.T) {
	w := New(2)
	_, err := w.Create(1, 0, func(any) {}, nil)
	require.NoError(t, err)
	_, err = w.Create(2, 0, func(any) {}, nil)
	require.NoError(t, err)
	_, err = w.Create(3, 0, func(any) {}, nil)
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestOutOfOrderInsertionStillFiresInTickOrder(t *testing.T) {
	w := New(8)
	var order []int
	_, err := w.Create(5, 0, func(any) { order = append(order, 5) }, nil)
	require.NoError(t, err)
	_, err = w.Create(2, 0, func(any) { order = append(order, 2) }, nil)
	require.NoError(t, err)
	_, err = w.Create(8, 0, func(any) { order = append(order, 8) }, nil)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		w.Service()
		w.Process()
	}
	assert.Equal(t, []int{2, 5, 8}, order)
}
