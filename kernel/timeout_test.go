package kernel

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

type timeoutHarness struct {
	list  timeoutList
	now   uint64
	fired []string
}

func (x *timeoutHarness) add(name string, ticks uint64) *timeout {
	to := new(timeout)
	to.init(func(*timeout) { x.fired = append(x.fired, fmt.Sprintf(`%s@%d`, name, x.now)) })
	x.list.add(to, ticks)
	return to
}

func (x *timeoutHarness) advance(ticks uint64) int {
	base := x.now
	return x.list.advance(ticks, func(elapsed uint64) { x.now = base + elapsed }, func(to *timeout) { to.fn(to) })
}

func TestTimeoutList_order(t *testing.T) {
	var h timeoutHarness
	h.add(`c`, 30)
	h.add(`a`, 10)
	h.add(`b`, 20)
	h.add(`a2`, 10)
	h.add(`z`, 0)

	next, ok := h.list.next()
	assert.True(t, ok)
	assert.Zero(t, next)
	assert.Equal(t, 5, h.list.len())

	assert.Equal(t, 1, h.advance(5))
	assert.Equal(t, uint64(5), h.now)
	assert.Equal(t, 2, h.advance(5))
	assert.Equal(t, 2, h.advance(100))
	assert.Equal(t, uint64(110), h.now)
	if diff := cmp.Diff([]string{`z@0`, `a@10`, `a2@10`, `b@20`, `c@30`}, h.fired); diff != `` {
		t.Errorf("unexpected fired (-want +got):\n%s", diff)
	}
	_, ok = h.list.next()
	assert.False(t, ok)
}

func TestTimeoutList_cancel(t *testing.T) {
	var h timeoutHarness
	a := h.add(`a`, 10)
	b := h.add(`b`, 25)
	c := h.add(`c`, 40)

	assert.Equal(t, uint64(25), h.list.remaining(b))
	assert.True(t, h.list.cancel(b))
	assert.False(t, h.list.cancel(b))
	assert.False(t, b.active())
	assert.Zero(t, h.list.remaining(b))
	assert.Equal(t, uint64(40), h.list.remaining(c))
	assert.Equal(t, uint64(10), h.list.remaining(a))

	h.advance(15)
	assert.Equal(t, uint64(25), h.list.remaining(c))
	assert.True(t, h.list.cancel(c))
	assert.Zero(t, h.list.len())
	assert.Equal(t, []string{`a@10`}, h.fired)
}

func TestTimeoutList_rescheduleFromCallback(t *testing.T) {
	var h timeoutHarness
	var periodic timeout
	periodic.init(func(to *timeout) {
		h.fired = append(h.fired, fmt.Sprintf(`p@%d`, h.now))
		h.list.add(to, 7)
	})
	h.list.add(&periodic, 7)
	h.add(`x`, 20)

	assert.Equal(t, 3, h.advance(20))
	assert.Equal(t, []string{`p@7`, `p@14`, `x@20`}, h.fired)
	assert.Equal(t, uint64(1), h.list.remaining(&periodic))
}

func TestTimeoutList_addTwicePanics(t *testing.T) {
	var h timeoutHarness
	to := h.add(`a`, 1)
	assert.Panics(t, func() { h.list.add(to, 2) })
}

func TestTimeout_String(t *testing.T) {
	for _, tc := range [...]struct {
		timeout Timeout
		want    string
	}{
		{NoWait, `NoWait`},
		{Forever, `Forever`},
		{Ticks(0), `NoWait`},
		{Ticks(5), `Ticks(5)`},
		{AbsTicks(0), `AbsTicks(0)`},
		{AbsTicks(9), `AbsTicks(9)`},
	} {
		assert.Equal(t, tc.want, tc.timeout.String())
	}
	assert.True(t, NoWait.IsNoWait())
	assert.False(t, AbsTicks(0).IsNoWait())
	assert.True(t, Forever.IsForever())
}

func TestTimeout_delta(t *testing.T) {
	assert.Equal(t, uint64(5), Ticks(5).delta(100))
	assert.Equal(t, uint64(20), AbsTicks(120).delta(100))
	assert.Zero(t, AbsTicks(90).delta(100))
}

func TestKernel_ticksUntil(t *testing.T) {
	virtual := newTestKernel(t)
	realtime := newTestKernel(t, WithRealtime(true))
	for _, k := range [...]*Kernel{virtual, realtime} {
		k.tick.Store(100)
	}
	assert.Equal(t, uint64(5), virtual.ticksUntil(Ticks(5)))
	assert.Equal(t, uint64(6), realtime.ticksUntil(Ticks(5)))
	assert.Equal(t, uint64(20), realtime.ticksUntil(AbsTicks(120)))
	assert.Zero(t, realtime.ticksUntil(AbsTicks(90)))
	assert.Zero(t, realtime.ticksUntil(NoWait))
}

func TestTimer_realtimeRelativePadding(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	k := newTestKernel(t, WithRealtime(true))
	var rec recorder
	relative := k.NewTimer(func(Caller, *Timer) { rec.add(`relative@%d`, k.Uptime()) }, nil)
	absolute := k.NewTimer(func(Caller, *Timer) { rec.add(`absolute@%d`, k.Uptime()) }, nil)

	started := make(chan struct{})
	go func() {
		<-started
		for {
			select {
			case <-k.Done():
				return
			case <-time.After(time.Millisecond):
				k.Announce(1)
			}
		}
	}()

	runKernel(t, k, func(th *Thread) {
		relative.Start(th, Ticks(3), NoWait)
		absolute.Start(th, AbsTicks(6), NoWait)
		assert.Equal(t, uint64(4), relative.RemainingTicks())
		close(started)
		absolute.StatusSync(th)
	})
	assert.Equal(t, []string{`relative@4`, `absolute@6`}, rec.get())
}

func TestTicksBefore(t *testing.T) {
	assert.True(t, TicksBefore(1, 2))
	assert.False(t, TicksBefore(2, 1))
	assert.False(t, TicksBefore(2, 2))
	// across wrap
	assert.True(t, TicksBefore(math.MaxUint32-5, 3))
	assert.False(t, TicksBefore(3, math.MaxUint32-5))
	assert.Equal(t, uint32(9), TicksSince(3, math.MaxUint32-5))
}

func TestKernel_conversions(t *testing.T) {
	k := newTestKernel(t)
	assert.Equal(t, Ticks(1), k.Ms(1))
	assert.Equal(t, Ticks(1500), k.Ms(1500))
	assert.Equal(t, Ticks(1), k.Duration(time.Nanosecond))
	assert.Equal(t, Ticks(0), k.Duration(0))
	assert.Equal(t, Forever, k.Duration(-1))
	assert.Equal(t, Ticks(2000), k.Duration(time.Second*2))
	assert.Equal(t, time.Millisecond*1500, k.TicksToDuration(1500))

	k = newTestKernel(t, WithTicksPerSecond(3))
	assert.Equal(t, Ticks(1), k.Ms(1))
	assert.Equal(t, Ticks(3), k.Ms(1000))
	assert.Equal(t, Ticks(4), k.Ms(1001))
	assert.Equal(t, time.Second+time.Second/3, k.TicksToDuration(4))
}
