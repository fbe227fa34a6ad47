package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleFires(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	var fired atomic.Int32
	h := s.Schedule(ConnectionTimeout, "1", time.Second, func() { fired.Add(1) })
	assert.True(t, h.Valid())
	assert.True(t, s.Pending(ConnectionTimeout, "1"))

	clk.Add(500 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	clk.Add(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, s.Pending(ConnectionTimeout, "1"))

	created, firedN, cancelled, active := s.Stats()
	assert.Equal(t, int64(1), created)
	assert.Equal(t, int64(1), firedN)
	assert.Equal(t, int64(0), cancelled)
	assert.Equal(t, 0, active)
}

func TestCancelPreventsCallback(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	var fired atomic.Int32
	h := s.Schedule(ICEDisconnectGrace, "1", time.Second, func() { fired.Add(1) })
	assert.True(t, s.Cancel(h))
	assert.False(t, s.Cancel(h), "second cancel is a no-op")

	clk.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestScheduleReplacesSameNameAndOwner(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	var first, second atomic.Int32
	s.Schedule(DisconnectedStateDebounce, "1", time.Second, func() { first.Add(1) })
	s.Schedule(DisconnectedStateDebounce, "1", 2*time.Second, func() { second.Add(1) })
	assert.Equal(t, 1, s.Active())

	clk.Add(3 * time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestCancelOwner(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	var fired atomic.Int32
	s.Schedule(ConnectionTimeout, "1", time.Second, func() { fired.Add(1) })
	s.Schedule(ReceiverNoAnswerTimeout, "1", time.Second, func() { fired.Add(1) })
	s.Schedule(ConnectionTimeout, "2", time.Second, func() { fired.Add(10) })

	assert.Equal(t, 2, s.CancelOwner("1"))
	clk.Add(2 * time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 10 }, time.Second, time.Millisecond)
}

func TestShutdown(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk)

	s.Schedule(SignalWaitTimeout, "1", time.Second, func() {})
	s.Shutdown()
	assert.Equal(t, 0, s.Active())

	h := s.Schedule(SignalWaitTimeout, "1", time.Second, func() {})
	assert.False(t, h.Valid())
}
