package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/parkerroan/bouncer/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTimer_SingleShot(t *testing.T) {
	clock := timer.NewManual(epoch)
	tm := timer.New(clock)

	calls := 0
	assert.False(t, tm.Active(), "new timer is inactive")

	tm.Arm(30*time.Millisecond, false, func() { calls++ })
	assert.True(t, tm.Active())
	assert.Equal(t, 30*time.Millisecond, tm.Duration())

	clock.Advance(29 * time.Millisecond)
	assert.Equal(t, 0, calls)

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, calls)
	assert.False(t, tm.Active(), "single shot timer closes after firing")

	clock.Advance(time.Second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, clock.Pending())
}

func TestTimer_InactiveWhileSingleShotCallbackRuns(t *testing.T) {
	clock := timer.NewManual(epoch)
	tm := timer.New(clock)

	var sawActive bool
	tm.Arm(10*time.Millisecond, false, func() { sawActive = tm.Active() })
	clock.Advance(10 * time.Millisecond)

	assert.False(t, sawActive)
}

func TestTimer_Refresh(t *testing.T) {
	clock := timer.NewManual(epoch)
	tm := timer.New(clock)

	var firedAt []time.Time
	tm.Arm(30*time.Millisecond, false, func() { firedAt = append(firedAt, clock.Now()) })

	clock.Advance(20 * time.Millisecond)
	assert.True(t, tm.Refresh())

	clock.Advance(29 * time.Millisecond)
	assert.Empty(t, firedAt, "refresh restarts the countdown")

	clock.Advance(time.Millisecond)
	require.Len(t, firedAt, 1)
	assert.Equal(t, epoch.Add(50*time.Millisecond), firedAt[0])

	// an elapsed timer is not brought back
	assert.False(t, tm.Refresh())
	assert.False(t, tm.Active())
	clock.Advance(time.Second)
	assert.Len(t, firedAt, 1)
	assert.Equal(t, 0, clock.Pending())
}

func TestTimer_RefreshInactive(t *testing.T) {
	clock := timer.NewManual(epoch)
	tm := timer.New(clock)

	assert.False(t, tm.Refresh(), "never armed")
	assert.False(t, tm.Active())

	calls := 0
	tm.Arm(30*time.Millisecond, false, func() { calls++ })
	tm.Cancel()
	assert.False(t, tm.Refresh(), "cancelled")
	assert.False(t, tm.Active())

	clock.Advance(time.Second)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, clock.Pending())
}

func TestTimer_RefreshFromSingleShotCallback(t *testing.T) {
	clock := timer.NewManual(epoch)
	tm := timer.New(clock)

	var refreshed []bool
	tm.Arm(10*time.Millisecond, false, func() { refreshed = append(refreshed, tm.Refresh()) })

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, []bool{false}, refreshed, "the countdown is over once the callback runs")
	assert.False(t, tm.Active())
}

func TestTimer_Repeat(t *testing.T) {
	clock := timer.NewManual(epoch)
	tm := timer.New(clock)

	calls := 0
	var activeDuringCall []bool
	tm.Arm(10*time.Millisecond, true, func() {
		calls++
		activeDuringCall = append(activeDuringCall, tm.Active())
	})

	clock.Advance(35 * time.Millisecond)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []bool{true, true, true}, activeDuringCall)
	assert.True(t, tm.Active())

	tm.Cancel()
	clock.Advance(time.Second)
	assert.Equal(t, 3, calls)
	assert.False(t, tm.Active())
}

func TestTimer_RepeatCancelledFromCallback(t *testing.T) {
	clock := timer.NewManual(epoch)
	tm := timer.New(clock)

	calls := 0
	tm.Arm(10*time.Millisecond, true, func() {
		calls++
		if calls == 2 {
			tm.Cancel()
		}
	})

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, 2, calls)
	assert.False(t, tm.Active())
	assert.Equal(t, 0, clock.Pending())
}

func TestTimer_RepeatRefreshedFromCallback(t *testing.T) {
	clock := timer.NewManual(epoch)
	tm := timer.New(clock)

	calls := 0
	tm.Arm(10*time.Millisecond, true, func() {
		calls++
		tm.Refresh()
	})

	clock.Advance(30 * time.Millisecond)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, clock.Pending(), "a refresh from the callback must not double-arm")
}

func TestTimer_Cancel(t *testing.T) {
	clock := timer.NewManual(epoch)
	tm := timer.New(clock)

	calls := 0
	tm.Arm(30*time.Millisecond, false, func() { calls++ })
	clock.Advance(20 * time.Millisecond)

	tm.Cancel()
	assert.False(t, tm.Active())

	clock.Advance(time.Second)
	assert.Equal(t, 0, calls)

	// idempotent
	tm.Cancel()
	assert.False(t, tm.Active())
}

// staleClock hands out callbacks that ignore Stop, the way a wall clock
// callback that has already been dispatched behaves.
type staleClock struct {
	clock.RealClock
	callbacks []func()
}

type noStop struct{}

func (noStop) C() <-chan time.Time      { return nil }
func (noStop) Stop() bool               { return false }
func (noStop) Reset(time.Duration) bool { return false }

func (c *staleClock) AfterFunc(_ time.Duration, f func()) clock.Timer {
	c.callbacks = append(c.callbacks, f)
	return noStop{}
}

func TestTimer_CancelRevokesDispatchedCallback(t *testing.T) {
	clock := &staleClock{}
	tm := timer.New(clock)

	calls := 0
	tm.Arm(time.Millisecond, false, func() { calls++ })
	tm.Cancel()

	require.Len(t, clock.callbacks, 1)
	clock.callbacks[0]()
	assert.Equal(t, 0, calls)
}

func TestTimer_RefreshRevokesDispatchedCallback(t *testing.T) {
	clock := &staleClock{}
	tm := timer.New(clock)

	calls := 0
	tm.Arm(time.Millisecond, false, func() { calls++ })
	tm.Refresh()

	require.Len(t, clock.callbacks, 2)
	clock.callbacks[0]()
	assert.Equal(t, 0, calls, "superseded countdown must not fire")
	clock.callbacks[1]()
	assert.Equal(t, 1, calls)
}

func TestTimer_Wall(t *testing.T) {
	tm := timer.New(nil)

	var calls atomic.Int32
	tm.Arm(5*time.Millisecond, false, func() { calls.Add(1) })

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !tm.Active() }, time.Second, time.Millisecond)
}

func TestManual_Order(t *testing.T) {
	clock := timer.NewManual(epoch)

	var order []string
	clock.AfterFunc(20*time.Millisecond, func() { order = append(order, "b") })
	clock.AfterFunc(10*time.Millisecond, func() {
		order = append(order, "a")
		clock.AfterFunc(5*time.Millisecond, func() { order = append(order, "a2") })
	})
	clock.AfterFunc(20*time.Millisecond, func() { order = append(order, "c") })
	stopped := clock.AfterFunc(15*time.Millisecond, func() { order = append(order, "x") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	clock.Advance(25 * time.Millisecond)
	assert.Equal(t, []string{"a", "a2", "b", "c"}, order)
	assert.Equal(t, epoch.Add(25*time.Millisecond), clock.Now())
}

func TestManual_ChannelTimer(t *testing.T) {
	clock := timer.NewManual(epoch)

	tm := clock.NewTimer(10 * time.Millisecond)
	clock.Advance(5 * time.Millisecond)
	assert.True(t, tm.Reset(10*time.Millisecond), "still pending")

	clock.Advance(9 * time.Millisecond)
	select {
	case <-tm.C():
		t.Fatal("timer fired before its reset deadline")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case at := <-tm.C():
		assert.Equal(t, epoch.Add(15*time.Millisecond), at)
	default:
		t.Fatal("timer did not fire")
	}
	assert.False(t, tm.Stop())
	assert.Equal(t, 15*time.Millisecond, clock.Since(epoch))
}
