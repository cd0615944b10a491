// Package elst implements a bounded, mutex-guarded priority event list.
//
// It is the sole inter-thread primitive used by the rest of this core: the
// channel event queue, the channel interrupt queue, and every per-line
// command queue are each one instance of List. Items are kept in a single
// backing array threaded into two index-linked lists (used and free) so
// that steady-state operation allocates nothing after construction.
package elst

import (
	"sync"
	"time"
)

// reserved slot indices, mirroring the sentinel head nodes of the reference
// implementation: used is the head of the occupied ring, free is the head
// of the free ring.
const (
	slotUsed = 0
	slotFree = 1
	reserved = 2
)

type item struct {
	prev, next int
	prio       int
	val        any
}

// List is a bounded priority queue ordered highest-priority-first, FIFO
// among equal priorities. Appends/inserts fail rather than block or grow
// when the list is at capacity.
type List struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity int
	count    int
	hwm      int
	data     []item
}

// New creates a List with room for capacity items.
func New(capacity int) *List {
	if capacity <= 0 {
		panic("elst: capacity must be positive")
	}
	l := &List{
		capacity: capacity,
		hwm:      reserved,
		data:     make([]item, capacity+reserved),
	}
	l.data[slotUsed] = item{prev: slotUsed, next: slotUsed}
	l.data[slotFree] = item{prev: slotFree, next: slotFree}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func unlink(d []item, i int) {
	p, n := d[i].prev, d[i].next
	d[p].next = n
	d[n].prev = p
}

func link(d []item, i, p, n int) {
	d[i].prev, d[i].next = p, n
	d[p].next = i
	d[n].prev = i
}

// getFree returns an index free for reuse, or -1 if the list is at capacity.
func (l *List) getFree() int {
	if l.count >= l.capacity {
		return -1
	}
	d := l.data
	free := d[slotFree].next
	if free == slotFree {
		free = l.hwm
		l.hwm++
		return free
	}
	unlink(d, free)
	return free
}

func (l *List) put(val any, prio, p, n int) bool {
	idx := l.getFree()
	if idx < 0 {
		return false
	}
	l.data[idx].val = val
	l.data[idx].prio = prio
	link(l.data, idx, p, n)
	l.count++
	return true
}

// Append inserts val at the tail with priority 0. Reports false on overflow.
func (l *List) Append(val any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok := l.put(val, 0, l.data[slotUsed].prev, slotUsed)
	if ok {
		l.cond.Signal()
	}
	return ok
}

// Prepend inserts val at the head with priority 0. Reports false on overflow.
func (l *List) Prepend(val any) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok := l.put(val, 0, slotUsed, l.data[slotUsed].next)
	if ok {
		l.cond.Signal()
	}
	return ok
}

// Insert places val ahead of every item with a strictly lower priority and
// behind every item with priority >= prio (higher numeric priority sits
// closer to the head; equal priorities are FIFO). Reports false on overflow.
func (l *List) Insert(val any, prio int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := l.data
	p := slotUsed
	n := d[slotUsed].next
	for n != slotUsed && d[n].prio >= prio {
		p = n
		n = d[n].next
	}
	ok := l.put(val, prio, p, n)
	if ok {
		l.cond.Signal()
	}
	return ok
}

// popLocked removes and returns the head item. Caller must hold l.mu.
func (l *List) popLocked() (any, bool) {
	d := l.data
	first := d[slotUsed].next
	if first == slotUsed {
		return nil, false
	}
	unlink(d, first)
	link(d, first, d[slotFree].prev, slotFree)
	l.count--
	return d[first].val, true
}

// Pop removes and returns the head item without blocking.
func (l *List) Pop() (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.popLocked()
}

// WaitPop blocks until an item is available or timeout elapses (0 means
// wait indefinitely), returning (nil, false) on timeout.
func (l *List) WaitPop(timeout time.Duration) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if timeout == 0 {
		for l.data[slotUsed].next == slotUsed {
			l.cond.Wait()
		}
		return l.popLocked()
	}

	deadline := time.Now().Add(timeout)
	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		l.mu.Lock()
		timedOut = true
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer timer.Stop()

	for l.data[slotUsed].next == slotUsed {
		if timedOut || !time.Now().Before(deadline) {
			return nil, false
		}
		l.cond.Wait()
	}
	return l.popLocked()
}

// Clear removes all items, invoking destroy (if non-nil) on each in pop order.
func (l *List) Clear(destroy func(any)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		v, ok := l.popLocked()
		if !ok {
			return
		}
		if destroy != nil {
			destroy(v)
		}
	}
}

// Count reports the current number of queued items.
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
