package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimer_periodic(t *testing.T) {
	k := newTestKernel(t)
	var (
		rec    recorder
		status []uint32
	)
	tm := k.NewTimer(func(c Caller, tm *Timer) {
		_, isr := c.(*ISR)
		rec.add(`expired@%d isr=%v data=%v`, k.Uptime(), isr, tm.UserData)
	}, nil)
	tm.UserData = `x`
	runKernel(t, k, func(th *Thread) {
		assert.False(t, tm.Running())
		tm.Start(th, Ticks(10), Ticks(5))
		assert.True(t, tm.Running())
		assert.Equal(t, uint64(10), tm.RemainingTicks())
		assert.Equal(t, uint64(10), tm.ExpiresTicks())

		th.Sleep(Ticks(22))
		status = append(status, tm.Status(th))
		status = append(status, tm.Status(th))
		assert.Equal(t, uint64(3), tm.RemainingTicks())
		assert.Equal(t, uint64(25), tm.ExpiresTicks())

		status = append(status, tm.StatusSync(th))
		assert.Equal(t, uint64(25), k.Uptime())
		tm.Stop(th)
		assert.False(t, tm.Running())
		assert.Zero(t, tm.RemainingTicks())
		assert.Zero(t, tm.ExpiresTicks())
	})
	assert.Equal(t, []uint32{3, 0, 1}, status)
	assert.Equal(t, []string{
		`expired@10 isr=true data=x`,
		`expired@15 isr=true data=x`,
		`expired@20 isr=true data=x`,
		`expired@25 isr=true data=x`,
	}, rec.get())
}

func TestTimer_oneShot(t *testing.T) {
	k := newTestKernel(t)
	var expiries int
	tm := k.NewTimer(func(Caller, *Timer) { expiries++ }, nil)
	var sync uint32
	runKernel(t, k, func(th *Thread) {
		tm.Start(th, Ticks(7), NoWait)
		sync = tm.StatusSync(th)
		assert.False(t, tm.Running())
		th.Sleep(Ticks(50))
		// not running, so does not block
		assert.Zero(t, tm.StatusSync(th))

		tm.Start(th, Forever, Ticks(1))
		assert.False(t, tm.Running())
	})
	assert.Equal(t, uint32(1), sync)
	assert.Equal(t, 1, expiries)
	assert.Equal(t, uint64(57), k.Uptime())
}

func TestTimer_Stop(t *testing.T) {
	k := newTestKernel(t)
	var rec recorder
	tm := k.NewTimer(
		func(Caller, *Timer) { rec.add(`expired`) },
		func(c Caller, tm *Timer) {
			_, thread := c.(*Thread)
			rec.add(`stopped thread=%v`, thread)
		},
	)
	runKernel(t, k, func(th *Thread) {
		tm.Start(th, Ticks(100), NoWait)
		syncer := k.Spawn(th, func(th *Thread) {
			rec.add(`sync=%d`, tm.StatusSync(th))
		}, WithPriority(-1))
		th.Sleep(Ticks(10))
		tm.Stop(th)
		// stopping a stopped timer is a no-op
		tm.Stop(th)
		assert.NoError(t, syncer.Join(th, Forever))
	})
	assert.Equal(t, []string{`stopped thread=true`, `sync=0`}, rec.get())
	assert.Equal(t, uint64(10), k.Uptime())
}

func TestTimer_restart(t *testing.T) {
	k := newTestKernel(t)
	var at []uint64
	tm := k.NewTimer(func(Caller, *Timer) { at = append(at, k.Uptime()) }, nil)
	runKernel(t, k, func(th *Thread) {
		tm.Start(th, Ticks(10), NoWait)
		th.Sleep(Ticks(5))
		tm.Start(th, Ticks(10), NoWait)
		assert.Equal(t, uint32(1), tm.StatusSync(th))
	})
	assert.Equal(t, []uint64{15}, at)
}

func TestTimer_startFromExpiry(t *testing.T) {
	k := newTestKernel(t)
	var at []uint64
	tm := k.NewTimer(func(c Caller, tm *Timer) {
		at = append(at, k.Uptime())
		if len(at) < 3 {
			tm.Start(c, Ticks(4), NoWait)
		}
	}, nil)
	runKernel(t, k, func(th *Thread) {
		tm.Start(th, Ticks(2), NoWait)
		th.Sleep(Ticks(100))
	})
	assert.Equal(t, []uint64{2, 6, 10}, at)
}
