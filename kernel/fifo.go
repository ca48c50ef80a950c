package kernel

import (
	"iter"
)

type (
	// FIFO is a first in, first out Queue.
	FIFO[T comparable] struct {
		q *Queue[T]
	}

	// LIFO is a last in, first out Queue.
	LIFO[T comparable] struct {
		q *Queue[T]
	}

	// SList is a singly linked list of items, used to build a batch for
	// FIFO.PutSList. The zero value is an empty list. It is not safe for
	// concurrent use.
	SList[T any] struct {
		head, tail *snode[T]
		len        int
	}

	snode[T any] struct {
		next  *snode[T]
		value T
	}
)

// NewFIFO returns an empty FIFO.
func NewFIFO[T comparable](k *Kernel) *FIFO[T] {
	return &FIFO[T]{q: NewQueue[T](k)}
}

// Put adds item at the tail, or hands it to the head waiter.
func (x *FIFO[T]) Put(c Caller, item T) { x.q.Append(c, item) }

// PutList adds items in order, atomically, see Queue.AppendList.
func (x *FIFO[T]) PutList(c Caller, items []T) error { return x.q.AppendList(c, items) }

// PutSList adds the items of list in order, atomically, emptying list.
func (x *FIFO[T]) PutSList(c Caller, list *SList[T]) error { return x.q.MergeSList(c, list) }

// Get removes the head item, waiting up to timeout, see Queue.Get.
func (x *FIFO[T]) Get(c Caller, timeout Timeout) (T, error) { return x.q.Get(c, timeout) }

// CancelWait cancels the wait of the head waiter, see Queue.CancelWait.
func (x *FIFO[T]) CancelWait(c Caller) error { return x.q.CancelWait(c) }

// IsEmpty reports whether no items are queued.
func (x *FIFO[T]) IsEmpty() bool { return x.q.IsEmpty() }

// PeekHead returns the head item without removing it.
func (x *FIFO[T]) PeekHead() (T, bool) { return x.q.PeekHead() }

// PeekTail returns the tail item without removing it.
func (x *FIFO[T]) PeekTail() (T, bool) { return x.q.PeekTail() }

// Len returns the number of queued items.
func (x *FIFO[T]) Len() int { return x.q.Len() }

// NewLIFO returns an empty LIFO.
func NewLIFO[T comparable](k *Kernel) *LIFO[T] {
	return &LIFO[T]{q: NewQueue[T](k)}
}

// Put adds item at the head, or hands it to the head waiter.
func (x *LIFO[T]) Put(c Caller, item T) { x.q.Prepend(c, item) }

// Get removes the most recently put item, waiting up to timeout.
func (x *LIFO[T]) Get(c Caller, timeout Timeout) (T, error) { return x.q.Get(c, timeout) }

// IsEmpty reports whether no items are queued.
func (x *LIFO[T]) IsEmpty() bool { return x.q.IsEmpty() }

// Append adds value at the tail.
func (l *SList[T]) Append(value T) {
	n := &snode[T]{value: value}
	if l.tail == nil {
		l.head = n
	} else {
		l.tail.next = n
	}
	l.tail = n
	l.len++
}

// Prepend adds value at the head.
func (l *SList[T]) Prepend(value T) {
	l.head = &snode[T]{value: value, next: l.head}
	if l.tail == nil {
		l.tail = l.head
	}
	l.len++
}

// Len returns the number of items.
func (l *SList[T]) Len() int { return l.len }

// Clear empties the list.
func (l *SList[T]) Clear() { *l = SList[T]{} }

// All iterates the items head to tail.
func (l *SList[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for n := l.head; n != nil; n = n.next {
			if !yield(n.value) {
				return
			}
		}
	}
}
