package kernel

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWaitQueue_priorityOrder(t *testing.T) {
	for _, tc := range [...]struct {
		policy WaitPolicy
		want   []string
	}{
		{WaitPriority, []string{`p-3#1`, `p-3#3`, `p-2#0`, `p-1#2`}},
		{WaitFIFO, []string{`p-2#0`, `p-3#1`, `p-1#2`, `p-3#3`}},
	} {
		t.Run(fmt.Sprint(tc.policy), func(t *testing.T) {
			k := newTestKernel(t)
			q := k.NewWaitQueue(tc.policy)
			var rec recorder
			runKernel(t, k, func(th *Thread) {
				var threads []*Thread
				for i, prio := range []int{-2, -3, -1, -3} {
					name := fmt.Sprintf(`p%d#%d`, prio, i)
					threads = append(threads, k.Spawn(th, func(th *Thread) {
						data, err := q.Wait(th, Forever)
						assert.NoError(t, err)
						rec.add(`%s=%v`, name, data)
					}, WithPriority(prio)))
				}
				assert.Equal(t, 4, q.Len())
				for i := range threads {
					assert.True(t, q.WakeOne(th, nil, i))
				}
				assert.False(t, q.WakeOne(th, nil, nil))
			})
			var want []string
			for i, name := range tc.want {
				want = append(want, fmt.Sprintf(`%s=%d`, name, i))
			}
			assert.Equal(t, want, rec.get())
		})
	}
}

func TestWaitQueue_WakeAll(t *testing.T) {
	k := newTestKernel(t)
	q := k.NewWaitQueue(WaitPriority)
	errWoken := errors.New(`woken`)
	var rec recorder
	runKernel(t, k, func(th *Thread) {
		for i := range 3 {
			k.Spawn(th, func(th *Thread) {
				data, err := q.Wait(th, Forever)
				rec.add(`%d:%v:%v`, i, data, err)
			}, WithPriority(-1))
		}
		th.SchedLock()
		assert.Equal(t, 3, q.WakeAll(th, errWoken, `x`))
		assert.Zero(t, q.Len())
		th.SchedUnlock()
		assert.Zero(t, q.WakeAll(th, nil, nil))
	})
	assert.Equal(t, []string{`0:x:woken`, `1:x:woken`, `2:x:woken`}, rec.get())
}

func TestWaitQueue_Wait_timeout(t *testing.T) {
	k := newTestKernel(t)
	q := k.NewWaitQueue(WaitFIFO)
	var (
		busy, timeout error
		data          any
	)
	runKernel(t, k, func(th *Thread) {
		_, busy = q.Wait(th, NoWait)
		data, timeout = q.Wait(th, Ticks(7))
	})
	assert.Equal(t, ErrBusy, busy)
	assert.Equal(t, ErrTimeout, timeout)
	assert.Nil(t, data)
	assert.Equal(t, uint64(7), k.Uptime())
	assert.Zero(t, q.Len())
}

func TestWaitQueue_Remove(t *testing.T) {
	k := newTestKernel(t)
	q := k.NewWaitQueue(WaitPriority)
	other := k.NewWaitQueue(WaitPriority)
	errRemoved := errors.New(`removed`)
	var waitErr error
	runKernel(t, k, func(th *Thread) {
		waiter := k.Spawn(th, func(th *Thread) {
			_, waitErr = q.Wait(th, Forever)
		}, WithPriority(-1))
		assert.False(t, other.Remove(th, waiter, errRemoved))
		assert.True(t, q.Remove(th, waiter, errRemoved))
		assert.False(t, q.Remove(th, waiter, errRemoved))
	})
	assert.Equal(t, errRemoved, waitErr)
}

func TestWaitQueue_wakeFromISR(t *testing.T) {
	k := newTestKernel(t)
	q := k.NewWaitQueue(WaitPriority)
	var data any
	runKernel(t, k, func(th *Thread) {
		waiter := k.Spawn(th, func(th *Thread) {
			data, _ = q.Wait(th, Forever)
		}, WithPriority(-1))
		k.Interrupt(func(isr *ISR) {
			assert.True(t, q.WakeOne(isr, nil, `from isr`))
		})
		assert.NoError(t, waiter.Join(th, Forever))
	})
	assert.Equal(t, `from isr`, data)
}
