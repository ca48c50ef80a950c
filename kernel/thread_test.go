package kernel

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThread_Sleep(t *testing.T) {
	k := newTestKernel(t)
	var elapsed, yield uint64
	runKernel(t, k, func(th *Thread) {
		elapsed = th.Sleep(Ticks(1000))
		yield = th.Sleep(NoWait)
	})
	assert.Equal(t, uint64(1000), elapsed)
	assert.Zero(t, yield)
	assert.Equal(t, uint64(1000), k.Uptime())
	assert.Equal(t, uint32(1000), k.Uptime32())
}

func TestThread_Sleep_absolute(t *testing.T) {
	k := newTestKernel(t)
	var elapsed [2]uint64
	runKernel(t, k, func(th *Thread) {
		th.Sleep(Ticks(10))
		elapsed[0] = th.Sleep(AbsTicks(25))
		// already passed
		elapsed[1] = th.Sleep(AbsTicks(5))
	})
	assert.Equal(t, [2]uint64{15, 0}, elapsed)
	assert.Equal(t, uint64(25), k.Uptime())
}

func TestThread_Sleep_duration(t *testing.T) {
	k := newTestKernel(t, WithTicksPerSecond(100))
	runKernel(t, k, func(th *Thread) {
		assert.Equal(t, uint64(50), th.Sleep(k.Duration(time.Millisecond*500)))
		assert.Equal(t, uint64(1), th.Sleep(k.Ms(1)))
	})
	assert.Equal(t, time.Millisecond*510, k.TicksToDuration(k.Uptime()))
}

func TestThread_Wakeup(t *testing.T) {
	k := newTestKernel(t)
	var elapsed uint64
	runKernel(t, k, func(th *Thread) {
		sleeper := k.Spawn(th, func(th *Thread) {
			elapsed = th.Sleep(Ticks(100))
		}, WithPriority(-1))
		th.Sleep(Ticks(20))
		sleeper.Wakeup(th)
		assert.NoError(t, sleeper.Join(th, Forever))
		// no-op, not sleeping
		sleeper.Wakeup(th)
	})
	assert.Equal(t, uint64(20), elapsed)
	assert.Equal(t, uint64(20), k.Uptime())
}

func TestThread_Wakeup_ignoresObjectWait(t *testing.T) {
	k := newTestKernel(t)
	sem, err := k.NewSem(0, 1)
	require.NoError(t, err)
	var takeErr error
	runKernel(t, k, func(th *Thread) {
		waiter := k.Spawn(th, func(th *Thread) {
			takeErr = sem.Take(th, Ticks(30))
		}, WithPriority(-1))
		waiter.Wakeup(th)
		assert.Equal(t, StatePending, waiter.State())
		assert.NoError(t, waiter.Join(th, Forever))
	})
	assert.Equal(t, ErrTimeout, takeErr)
	assert.Equal(t, uint64(30), k.Uptime())
}

func TestThread_startDelay(t *testing.T) {
	k := newTestKernel(t)
	var rec recorder
	runKernel(t, k, func(th *Thread) {
		delayed := k.Spawn(th, func(*Thread) { rec.add(`delayed@%d`, k.Uptime()) }, WithStartDelay(Ticks(15)), WithPriority(-1))
		assert.Equal(t, StatePending, delayed.State())
		// only Start or Wakeup begins a delayed thread early
		delayed.Resume(th)
		assert.Equal(t, StatePending, delayed.State())

		held := k.Spawn(th, func(*Thread) { rec.add(`held@%d`, k.Uptime()) }, WithStartDelay(Forever), WithPriority(-1))
		assert.Equal(t, StateSuspended, held.State())
		held.Resume(th)
		assert.Equal(t, StateSuspended, held.State())

		th.Sleep(Ticks(20))
		rec.add(`main@%d`, k.Uptime())
		held.Start(th)
		// no-op once started
		held.Start(th)
		rec.add(`main`)
	})
	assert.Equal(t, []string{`delayed@15`, `main@20`, `held@20`, `main`}, rec.get())
}

func TestThread_startDelay_startEarly(t *testing.T) {
	k := newTestKernel(t)
	var rec recorder
	runKernel(t, k, func(th *Thread) {
		delayed := k.Spawn(th, func(*Thread) { rec.add(`delayed@%d`, k.Uptime()) }, WithStartDelay(Ticks(15)))
		th.Sleep(Ticks(5))
		delayed.Start(th)
		assert.NoError(t, delayed.Join(th, Forever))
	})
	assert.Equal(t, []string{`delayed@5`}, rec.get())
	assert.Zero(t, k.Stats().Timeouts)
}

func TestThread_SuspendResume(t *testing.T) {
	k := newTestKernel(t)
	var rec recorder
	runKernel(t, k, func(th *Thread) {
		worker := k.Spawn(th, func(*Thread) { rec.add(`worker`) }, WithPriority(5))
		worker.Suspend(th)
		assert.Equal(t, StateSuspended, worker.State())
		th.Sleep(Ticks(10))
		rec.add(`slept`)
		worker.Resume(th)
		assert.Equal(t, StateReady, worker.State())
		// no-op
		worker.Resume(th)
		assert.NoError(t, worker.Join(th, Forever))
	})
	assert.Equal(t, []string{`slept`, `worker`}, rec.get())
}

func TestThread_Suspend_pending(t *testing.T) {
	k := newTestKernel(t)
	var rec recorder
	runKernel(t, k, func(th *Thread) {
		sleeper := k.Spawn(th, func(th *Thread) {
			th.Sleep(Ticks(10))
			rec.add(`woke@%d`, k.Uptime())
		}, WithPriority(-1))
		sleeper.Suspend(th)
		assert.Equal(t, StatePending, sleeper.State())
		th.Sleep(Ticks(20))
		assert.Equal(t, StateSuspended, sleeper.State())
		rec.add(`resume@%d`, k.Uptime())
		sleeper.Resume(th)
		assert.NoError(t, sleeper.Join(th, Forever))
	})
	assert.Equal(t, []string{`resume@20`, `woke@20`}, rec.get())
}

func TestThread_Suspend_pendingThenResumed(t *testing.T) {
	k := newTestKernel(t)
	var rec recorder
	runKernel(t, k, func(th *Thread) {
		sleeper := k.Spawn(th, func(th *Thread) {
			th.Sleep(Ticks(10))
			rec.add(`woke@%d`, k.Uptime())
		}, WithPriority(-1))
		sleeper.Suspend(th)
		sleeper.Resume(th)
		th.Sleep(Ticks(20))
		rec.add(`main`)
		assert.NoError(t, sleeper.Join(th, Forever))
	})
	assert.Equal(t, []string{`woke@10`, `main`}, rec.get())
}

func TestThread_Suspend_self(t *testing.T) {
	k := newTestKernel(t)
	var rec recorder
	runKernel(t, k, func(th *Thread) {
		self := k.Spawn(th, func(th *Thread) {
			rec.add(`suspending`)
			th.Suspend(th)
			rec.add(`resumed`)
		}, WithPriority(-1))
		assert.Equal(t, StateSuspended, self.State())
		rec.add(`main`)
		self.Resume(th)
		assert.NoError(t, self.Join(th, Forever))
	})
	assert.Equal(t, []string{`suspending`, `main`, `resumed`}, rec.get())
}

func TestThread_Abort(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t)

	k := newTestKernel(t)
	sem, err := k.NewSem(0, 1)
	require.NoError(t, err)
	var (
		rec             recorder
		blockedDeferred = make(chan struct{})
		selfDeferred    = make(chan struct{})
	)
	runKernel(t, k, func(th *Thread) {
		blocked := k.Spawn(th, func(th *Thread) {
			defer close(blockedDeferred)
			_ = sem.Take(th, Forever)
			rec.add(`unreachable`)
		}, WithPriority(-1))
		assert.Equal(t, 1, sem.wq.Len())
		blocked.Abort(th)
		assert.Equal(t, StateDead, blocked.State())
		assert.Zero(t, sem.wq.Len())
		<-blocked.Done()
		<-blockedDeferred
		// no-op
		blocked.Abort(th)

		self := k.Spawn(th, func(th *Thread) {
			defer close(selfDeferred)
			rec.add(`aborting`)
			th.Abort(th)
			rec.add(`unreachable`)
		}, WithPriority(-1))
		assert.NoError(t, self.Join(th, Forever))
		<-selfDeferred

		ready := k.Spawn(th, func(*Thread) { rec.add(`unreachable`) }, WithPriority(5))
		ready.Abort(th)
		assert.NoError(t, ready.Join(th, NoWait))
	})
	assert.Equal(t, []string{`aborting`}, rec.get())
	assert.Zero(t, k.Stats().Threads)
}

func TestThread_Join(t *testing.T) {
	k := newTestKernel(t)
	var (
		deadlock, mutual, busy, timeout, ok error
	)
	runKernel(t, k, func(th *Thread) {
		deadlock = th.Join(th, Forever)

		sleeper := k.Spawn(th, func(th *Thread) { th.Sleep(Ticks(100)) }, WithPriority(-1))
		busy = sleeper.Join(th, NoWait)
		timeout = sleeper.Join(th, Ticks(5))
		ok = sleeper.Join(th, Forever)

		joiner := k.Spawn(th, func(jt *Thread) {
			_ = th.Join(jt, Forever)
		}, WithPriority(-1))
		mutual = joiner.Join(th, Forever)
		joiner.Abort(th)
	})
	assert.Equal(t, ErrDeadlock, deadlock)
	assert.Equal(t, ErrDeadlock, mutual)
	assert.Equal(t, ErrBusy, busy)
	assert.Equal(t, ErrTimeout, timeout)
	assert.NoError(t, ok)
	assert.Equal(t, uint64(100), k.Uptime())
}

func TestThread_Join_fromISR(t *testing.T) {
	k := newTestKernel(t)
	var busy error
	runKernel(t, k, func(th *Thread) {
		k.Interrupt(func(isr *ISR) { busy = th.Join(isr, NoWait) })
	})
	assert.Equal(t, ErrBusy, busy)
}

func TestThread_CancelWait(t *testing.T) {
	k := newTestKernel(t)
	sem, err := k.NewSem(0, 1)
	require.NoError(t, err)
	var (
		takeErr           error
		first, after, slp error
	)
	runKernel(t, k, func(th *Thread) {
		waiter := k.Spawn(th, func(th *Thread) {
			takeErr = sem.Take(th, Forever)
		}, WithPriority(-1))
		first = waiter.CancelWait(th)
		after = waiter.CancelWait(th)

		sleeper := k.Spawn(th, func(th *Thread) { th.Sleep(Ticks(5)) }, WithPriority(-1))
		slp = sleeper.CancelWait(th)
		assert.NoError(t, sleeper.Join(th, Forever))
	})
	assert.NoError(t, first)
	assert.Equal(t, ErrCanceled, takeErr)
	assert.Equal(t, ErrNotPending, after)
	assert.Equal(t, ErrNotPending, slp)
}

func TestThread_SetPriority_waitQueue(t *testing.T) {
	forEachRunQueue(t, func(t *testing.T, kind RunQueueKind) {
		k := newTestKernel(t, WithRunQueue(kind))
		sem, err := k.NewSem(0, 2)
		require.NoError(t, err)
		var rec recorder
		runKernel(t, k, func(th *Thread) {
			waiter := func(name string) func(*Thread) {
				return func(th *Thread) {
					assert.NoError(t, sem.Take(th, Forever))
					rec.add(`%s`, name)
				}
			}
			a := k.Spawn(th, waiter(`A`), WithPriority(-3))
			b := k.Spawn(th, waiter(`B`), WithPriority(-2))
			b.SetPriority(th, -4)
			assert.Equal(t, -4, b.Priority())
			sem.Give(th)
			sem.Give(th)
			assert.NoError(t, a.Join(th, Forever))
		})
		assert.Equal(t, []string{`B`, `A`}, rec.get())
	})
}

func TestThread_CPUMask(t *testing.T) {
	k := newTestKernel(t, WithCPUs(2))
	runKernel(t, k, func(th *Thread) {
		assert.True(t, errors.Is(th.CPUMaskEnable(th, 1), ErrInvalid))
		assert.True(t, errors.Is(th.CPUPin(th, 2), ErrInvalid))
		assert.True(t, errors.Is(th.CPUMaskDisable(th, -1), ErrInvalid))
		assert.Equal(t, ErrInvalid, th.CPUMaskClear(th))

		other := k.Spawn(th, func(*Thread) {}, WithStartDelay(Forever))
		assert.NoError(t, other.CPUMaskClear(th))
		assert.Zero(t, other.CPUMask())
		assert.NoError(t, other.CPUMaskEnable(th, 1))
		assert.Equal(t, uint64(0b10), other.CPUMask())
		assert.NoError(t, other.CPUMaskEnableAll(th))
		assert.Equal(t, uint64(0b11), other.CPUMask())
		assert.NoError(t, other.CPUMaskDisable(th, 0))
		assert.Equal(t, uint64(0b10), other.CPUMask())
		other.Start(th)
		assert.NoError(t, other.Join(th, Forever))
	})
}

func TestThread_identity(t *testing.T) {
	k := newTestKernel(t)
	var names []string
	runKernel(t, k, func(th *Thread) {
		assert.Equal(t, uint64(1), th.ID())
		assert.Same(t, k, th.Kernel())
		assert.Equal(t, `main#1`, th.String())
		assert.Equal(t, StateRunning, th.State())
		assert.Equal(t, 0, th.Priority())
		other := k.Spawn(th, func(*Thread) {}, WithPriority(3))
		named := k.Spawn(th, func(*Thread) {}, WithPriority(3), WithName(`worker`))
		assert.Equal(t, `thread-2`, other.Name())
		k.ForEachThread(func(t *Thread) { names = append(names, t.Name()) })
		assert.NoError(t, named.Join(th, Forever))
	})
	assert.Equal(t, []string{`main`, `thread-2`, `worker`}, names)
	assert.Equal(t, `<nil>`, (*Thread)(nil).String())
}
