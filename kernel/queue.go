package kernel

import (
	"fmt"

	"github.com/joeycumines/go-rtos/internal/dlist"
)

// Queue is a queue of items, with blocking Get. Items put while a thread is
// waiting are handed directly to the head waiter, so the item list and the
// wait queue are never both non-empty.
type Queue[T comparable] struct {
	wq   WaitQueue
	k    *Kernel
	data dlist.List[T]
}

// NewQueue returns an empty queue.
func NewQueue[T comparable](k *Kernel) *Queue[T] {
	q := &Queue[T]{k: k}
	q.wq.init(k, WaitPriority)
	return q
}

// Append adds item at the tail.
func (q *Queue[T]) Append(c Caller, item T) {
	q.insert(c, item, func(n *dlist.Node[T]) { q.data.PushBack(n) })
}

// Prepend adds item at the head.
func (q *Queue[T]) Prepend(c Caller, item T) {
	q.insert(c, item, func(n *dlist.Node[T]) { q.data.PushFront(n) })
}

// InsertAfter adds item after the first occurrence of prev, or at the head
// if prev is not queued.
func (q *Queue[T]) InsertAfter(c Caller, prev, item T) {
	q.insert(c, item, func(n *dlist.Node[T]) {
		if mark := q.findLocked(prev); mark != nil {
			q.data.InsertAfter(n, mark)
		} else {
			q.data.PushFront(n)
		}
	})
}

func (q *Queue[T]) insert(c Caller, item T, link func(n *dlist.Node[T])) {
	k := q.k
	self := k.enter(c)
	q.putLocked(item, link)
	k.leave(self)
}

// putLocked hands item to the head waiter, or links it into the item list.
func (q *Queue[T]) putLocked(item T, link func(n *dlist.Node[T])) {
	if t := q.wq.popLocked(); t != nil {
		q.k.unpendLocked(t, nil, item)
		return
	}
	link(&dlist.Node[T]{Value: item})
}

// AppendList appends items in order, as one atomic step: waiters receive
// the leading items, in wait queue order, and the rest are queued. It
// returns ErrInvalid if items is empty.
func (q *Queue[T]) AppendList(c Caller, items []T) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: empty list", ErrInvalid)
	}
	k := q.k
	self := k.enter(c)
	for _, item := range items {
		q.putLocked(item, func(n *dlist.Node[T]) { q.data.PushBack(n) })
	}
	k.leave(self)
	return nil
}

// MergeSList is AppendList for the items of list, which is emptied.
func (q *Queue[T]) MergeSList(c Caller, list *SList[T]) error {
	if list == nil || list.Len() == 0 {
		return fmt.Errorf("%w: empty list", ErrInvalid)
	}
	k := q.k
	self := k.enter(c)
	for item := range list.All() {
		q.putLocked(item, func(n *dlist.Node[T]) { q.data.PushBack(n) })
	}
	list.Clear()
	k.leave(self)
	return nil
}

// Get removes the head item, waiting up to timeout. It returns ErrEmpty if
// the queue is empty and timeout is NoWait, ErrTimeout if the wait expires,
// or ErrCanceled if the wait was canceled.
func (q *Queue[T]) Get(c Caller, timeout Timeout) (T, error) {
	k := q.k
	self := k.enter(c)
	if n := q.data.PopFront(); n != nil {
		k.leave(self)
		return n.Value, nil
	}
	if timeout.IsNoWait() {
		k.leave(self)
		var zero T
		return zero, ErrEmpty
	}
	data, err := k.blockLocked(self, &q.wq, timeout)
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := data.(T) // nil for a nil interface item
	return v, nil
}

// CancelWait resolves the wait of the head waiter with ErrCanceled. It
// returns ErrNotPending if there are no waiters.
func (q *Queue[T]) CancelWait(c Caller) error {
	k := q.k
	self := k.enter(c)
	t := q.wq.popLocked()
	if t != nil {
		k.unpendLocked(t, ErrCanceled, nil)
	}
	k.leave(self)
	if t == nil {
		return ErrNotPending
	}
	return nil
}

// Remove removes the first occurrence of item, returning false if it was
// not queued.
func (q *Queue[T]) Remove(item T) bool {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	if n := q.findLocked(item); n != nil {
		q.data.Remove(n)
		return true
	}
	return false
}

// UniqueAppend appends item unless it is already queued, returning false
// if it was.
func (q *Queue[T]) UniqueAppend(c Caller, item T) bool {
	k := q.k
	self := k.enter(c)
	ok := q.findLocked(item) == nil
	if ok {
		q.putLocked(item, func(n *dlist.Node[T]) { q.data.PushBack(n) })
	}
	k.leave(self)
	return ok
}

func (q *Queue[T]) findLocked(item T) *dlist.Node[T] {
	for n := range q.data.All() {
		if n.Value == item {
			return n
		}
	}
	return nil
}

// PeekHead returns the head item without removing it.
func (q *Queue[T]) PeekHead() (T, bool) {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	return peek(q.data.Front())
}

// PeekTail returns the tail item without removing it.
func (q *Queue[T]) PeekTail() (T, bool) {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	return peek(q.data.Back())
}

func peek[T any](n *dlist.Node[T]) (v T, ok bool) {
	if n != nil {
		v, ok = n.Value, true
	}
	return
}

// IsEmpty reports whether no items are queued.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.k.mu.Lock()
	defer q.k.mu.Unlock()
	return q.data.Len()
}

// Waiters returns the number of threads waiting in Get.
func (q *Queue[T]) Waiters() int {
	return q.wq.Len()
}
