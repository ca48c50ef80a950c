package kernel

import (
	"github.com/joeycumines/go-rtos/internal/dlist"
)

// WaitPolicy selects the order in which a WaitQueue releases its waiters.
type WaitPolicy uint8

const (
	// WaitPriority releases the most urgent waiter first, and waiters of
	// equal priority in arrival order.
	WaitPriority WaitPolicy = iota
	// WaitFIFO releases waiters in arrival order.
	WaitFIFO
)

// WaitQueue is an ordered set of threads blocked on some condition. Every
// synchronization primitive is built on one. A thread is in at most one
// wait queue at a time.
type WaitQueue struct {
	k      *Kernel
	list   dlist.List[*Thread]
	policy WaitPolicy
}

// NewWaitQueue returns a new, empty wait queue.
func (k *Kernel) NewWaitQueue(policy WaitPolicy) *WaitQueue {
	q := new(WaitQueue)
	q.init(k, policy)
	return q
}

func (q *WaitQueue) init(k *Kernel, policy WaitPolicy) {
	q.k = k
	q.policy = policy
}

// Wait blocks the calling thread on q until it is woken, its timeout
// expires (ErrTimeout), or its wait is canceled (ErrCanceled). The value
// and error returned are those supplied by the waker. A NoWait timeout
// returns ErrBusy immediately.
func (q *WaitQueue) Wait(c Caller, timeout Timeout) (any, error) {
	k := q.k
	self := k.enter(c)
	if timeout.IsNoWait() {
		k.leave(self)
		return nil, ErrBusy
	}
	return k.blockLocked(self, q, timeout)
}

// WakeOne resumes the head waiter, if any, passing it err and data.
func (q *WaitQueue) WakeOne(c Caller, err error, data any) bool {
	k := q.k
	self := k.enter(c)
	t := q.popLocked()
	if t != nil {
		k.unpendLocked(t, err, data)
	}
	k.leave(self)
	return t != nil
}

// WakeAll resumes every waiter, in order, returning the number woken.
func (q *WaitQueue) WakeAll(c Caller, err error, data any) int {
	k := q.k
	self := k.enter(c)
	n := q.wakeAllLocked(err, data)
	k.leave(self)
	return n
}

// Remove resumes t with err, if it is waiting on q. It is idempotent.
func (q *WaitQueue) Remove(c Caller, t *Thread, err error) bool {
	k := q.k
	if t == nil {
		k.fatal(nil, ReasonInvalidArgument, `nil thread`, nil)
	}
	self := k.enter(c)
	ok := t.pendQ == q
	if ok {
		k.unpendLocked(t, err, nil)
	}
	k.leave(self)
	return ok
}

// Len returns the number of waiters.
func (q *WaitQueue) Len() int {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	return q.list.Len()
}

func (q *WaitQueue) insertLocked(t *Thread) {
	t.pendQ = q
	if q.policy == WaitPriority {
		for n := range q.list.All() {
			if t.prio < n.Value.prio {
				q.list.InsertBefore(&t.waitNode, n)
				return
			}
		}
	}
	q.list.PushBack(&t.waitNode)
}

func (q *WaitQueue) removeLocked(t *Thread) bool {
	if !q.list.Remove(&t.waitNode) {
		return false
	}
	t.pendQ = nil
	return true
}

func (q *WaitQueue) frontLocked() *Thread {
	if n := q.list.Front(); n != nil {
		return n.Value
	}
	return nil
}

func (q *WaitQueue) popLocked() *Thread {
	t := q.frontLocked()
	if t != nil {
		q.removeLocked(t)
	}
	return t
}

func (q *WaitQueue) wakeAllLocked(err error, data any) int {
	var n int
	for t := q.popLocked(); t != nil; t = q.popLocked() {
		q.k.unpendLocked(t, err, data)
		n++
	}
	return n
}
