package kernel

import (
	"container/heap"
	"math/bits"

	"github.com/joeycumines/go-rtos/internal/dlist"
)

// runQueue holds the READY threads, ordered most urgent first. All methods
// are called with the kernel lock held.
type runQueue interface {
	add(t *Thread)
	remove(t *Thread)
	// best returns the most urgent thread eligible to run on cpu, without
	// removing it.
	best(cpu int) *Thread
	len() int
}

func newRunQueue(kind RunQueueKind, cmp func(a, b *Thread) int, coopPrios, preemptPrios int) runQueue {
	switch kind {
	case RunQueueHeap:
		return &heapRunQueue{h: threadHeap{cmp: cmp}}
	case RunQueueMulti:
		return newMultiRunQueue(cmp, coopPrios, preemptPrios)
	default:
		return &listRunQueue{cmp: cmp}
	}
}

func (t *Thread) eligible(cpu int) bool {
	return t.cpuMask&(1<<uint(cpu)) != 0
}

// insertSorted links t into l after every node that does not order after it.
func insertSorted(l *dlist.List[*Thread], t *Thread, cmp func(a, b *Thread) int) {
	// walk from the back, the common case being a fresh order key
	for n := l.Back(); n != nil; n = n.Prev() {
		if cmp(n.Value, t) <= 0 {
			l.InsertAfter(&t.runNode, n)
			return
		}
	}
	l.PushFront(&t.runNode)
}

func firstEligible(l *dlist.List[*Thread], cpu int) *Thread {
	for t := range l.Values() {
		if t.eligible(cpu) {
			return t
		}
	}
	return nil
}

// --- sorted list ---

type listRunQueue struct {
	cmp  func(a, b *Thread) int
	list dlist.List[*Thread]
}

func (x *listRunQueue) add(t *Thread) { insertSorted(&x.list, t, x.cmp) }

func (x *listRunQueue) remove(t *Thread) { x.list.Remove(&t.runNode) }

func (x *listRunQueue) best(cpu int) *Thread { return firstEligible(&x.list, cpu) }

func (x *listRunQueue) len() int { return x.list.Len() }

// --- binary heap ---

type (
	heapRunQueue struct {
		h threadHeap
	}

	// threadHeap implements heap.Interface, tracking each thread's index
	// so it may be removed in O(log n).
	threadHeap struct {
		cmp     func(a, b *Thread) int
		threads []*Thread
	}
)

func (h *threadHeap) Len() int { return len(h.threads) }

func (h *threadHeap) Less(i, j int) bool { return h.cmp(h.threads[i], h.threads[j]) < 0 }

func (h *threadHeap) Swap(i, j int) {
	h.threads[i], h.threads[j] = h.threads[j], h.threads[i]
	h.threads[i].heapIndex = i
	h.threads[j].heapIndex = j
}

func (h *threadHeap) Push(x any) {
	t := x.(*Thread)
	t.heapIndex = len(h.threads)
	h.threads = append(h.threads, t)
}

func (h *threadHeap) Pop() any {
	old := h.threads
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	h.threads = old[:n-1]
	return t
}

func (x *heapRunQueue) add(t *Thread) { heap.Push(&x.h, t) }

func (x *heapRunQueue) remove(t *Thread) {
	if i := t.heapIndex; i >= 0 && i < len(x.h.threads) && x.h.threads[i] == t {
		heap.Remove(&x.h, i)
	}
}

func (x *heapRunQueue) best(cpu int) *Thread {
	if len(x.h.threads) == 0 {
		return nil
	}
	if t := x.h.threads[0]; t.eligible(cpu) {
		return t
	}
	// the root is pinned elsewhere, fall back to a scan
	var best *Thread
	for _, t := range x.h.threads[1:] {
		if t.eligible(cpu) && (best == nil || x.h.cmp(t, best) < 0) {
			best = t
		}
	}
	return best
}

func (x *heapRunQueue) len() int { return len(x.h.threads) }

// --- per-priority lists ---

type multiRunQueue struct {
	cmp    func(a, b *Thread) int
	levels []dlist.List[*Thread]
	bitmap []uint64
	offset int
	n      int
}

func newMultiRunQueue(cmp func(a, b *Thread) int, coopPrios, preemptPrios int) *multiRunQueue {
	n := coopPrios + preemptPrios
	return &multiRunQueue{
		cmp:    cmp,
		levels: make([]dlist.List[*Thread], n),
		bitmap: make([]uint64, (n+63)/64),
		offset: coopPrios,
	}
}

func (x *multiRunQueue) add(t *Thread) {
	i := t.prio + x.offset
	insertSorted(&x.levels[i], t, x.cmp)
	x.bitmap[i/64] |= 1 << uint(i%64)
	x.n++
}

func (x *multiRunQueue) remove(t *Thread) {
	i := t.prio + x.offset
	if !x.levels[i].Remove(&t.runNode) {
		return
	}
	if x.levels[i].Len() == 0 {
		x.bitmap[i/64] &^= 1 << uint(i%64)
	}
	x.n--
}

func (x *multiRunQueue) best(cpu int) *Thread {
	for w, word := range x.bitmap {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			word &^= 1 << uint(b)
			if t := firstEligible(&x.levels[w*64+b], cpu); t != nil {
				return t
			}
		}
	}
	return nil
}

func (x *multiRunQueue) len() int { return x.n }
