// Package dlist implements an intrusive, doubly linked list.
//
// Unlike container/list, nodes are owned by the caller (typically embedded in
// the value they link), so linking and unlinking never allocate, and removal
// of a specific node is O(1) without a search.
package dlist

import (
	"iter"
)

type (
	// Node links a value into at most one List at a time. The zero value is
	// an unlinked node.
	Node[T any] struct {
		next, prev *Node[T]
		list       *List[T]
		Value      T
	}

	// List is a circular list with a sentinel root. The zero value is an
	// empty list ready to use. A List must not be copied after first use.
	List[T any] struct {
		root Node[T]
		len  int
	}
)

// Next returns the next node or nil.
func (n *Node[T]) Next() *Node[T] {
	if p := n.next; n.list != nil && p != &n.list.root {
		return p
	}
	return nil
}

// Prev returns the previous node or nil.
func (n *Node[T]) Prev() *Node[T] {
	if p := n.prev; n.list != nil && p != &n.list.root {
		return p
	}
	return nil
}

// Linked reports whether the node is currently in a list.
func (n *Node[T]) Linked() bool { return n.list != nil }

// In reports whether the node is currently in l.
func (n *Node[T]) In(l *List[T]) bool { return l != nil && n.list == l }

func (l *List[T]) lazyInit() {
	if l.root.next == nil {
		l.root.next = &l.root
		l.root.prev = &l.root
	}
}

// Len returns the number of linked nodes.
func (l *List[T]) Len() int { return l.len }

// Front returns the first node or nil.
func (l *List[T]) Front() *Node[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Back returns the last node or nil.
func (l *List[T]) Back() *Node[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

func (l *List[T]) insert(n, at *Node[T]) {
	if n.list != nil {
		panic(`dlist: node already linked`)
	}
	n.prev = at
	n.next = at.next
	n.prev.next = n
	n.next.prev = n
	n.list = l
	l.len++
}

// PushFront links n at the front of l.
func (l *List[T]) PushFront(n *Node[T]) {
	l.lazyInit()
	l.insert(n, &l.root)
}

// PushBack links n at the back of l.
func (l *List[T]) PushBack(n *Node[T]) {
	l.lazyInit()
	l.insert(n, l.root.prev)
}

// InsertBefore links n immediately before mark, which must be in l.
func (l *List[T]) InsertBefore(n, mark *Node[T]) {
	if mark.list != l {
		panic(`dlist: mark not in list`)
	}
	l.insert(n, mark.prev)
}

// InsertAfter links n immediately after mark, which must be in l.
func (l *List[T]) InsertAfter(n, mark *Node[T]) {
	if mark.list != l {
		panic(`dlist: mark not in list`)
	}
	l.insert(n, mark)
}

// Remove unlinks n from l, returning false if n was not in l.
func (l *List[T]) Remove(n *Node[T]) bool {
	if n.list != l {
		return false
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.next = nil
	n.prev = nil
	n.list = nil
	l.len--
	return true
}

// PopFront unlinks and returns the first node, or nil if l is empty.
func (l *List[T]) PopFront() *Node[T] {
	n := l.Front()
	if n != nil {
		l.Remove(n)
	}
	return n
}

// All iterates the nodes front to back. The current node may be removed
// during iteration.
func (l *List[T]) All() iter.Seq[*Node[T]] {
	return func(yield func(*Node[T]) bool) {
		for n := l.Front(); n != nil; {
			next := n.Next()
			if !yield(n) {
				return
			}
			n = next
		}
	}
}

// Values iterates the linked values front to back.
func (l *List[T]) Values() iter.Seq[T] {
	return func(yield func(T) bool) {
		for n := range l.All() {
			if !yield(n.Value) {
				return
			}
		}
	}
}
