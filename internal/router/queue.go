package router

import (
	"container/heap"
	"errors"
	"sync"

	"meshcore/internal/frame"
)

const DefaultQueueCap = 1024

var ErrQueueFull = errors.New("router: queue full")

// Band is the coarse priority class derived from the frame's priority byte.
type Band uint8

const (
	BandBackground Band = iota
	BandLow
	BandNormal
	BandHigh
	BandEmergency
)

func BandFor(priority uint8) Band {
	switch {
	case priority >= 204:
		return BandEmergency
	case priority >= 153:
		return BandHigh
	case priority >= 102:
		return BandNormal
	case priority >= 51:
		return BandLow
	default:
		return BandBackground
	}
}

func (b Band) String() string {
	switch b {
	case BandEmergency:
		return "emergency"
	case BandHigh:
		return "high"
	case BandNormal:
		return "normal"
	case BandLow:
		return "low"
	default:
		return "background"
	}
}

// Item is one scheduled frame plus its dispatch options.
type Item struct {
	Frame    *frame.Frame
	NeedAnon bool
	seq      uint64
}

// Queue is a bounded priority queue drained in non-increasing priority
// order, FIFO among equal priorities. When full, an arriving frame may
// displace a strictly lower-priority one so floods of cheap traffic cannot
// crowd out urgent frames.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	cap    int
	seq    uint64
	closed bool
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	q := &Queue{cap: capacity}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push schedules it. Returns ErrQueueFull when the queue is at capacity
// and no queued frame has strictly lower priority than the new one.
func (q *Queue) Push(it Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueFull
	}
	if len(q.items) >= q.cap {
		victim := q.lowestLocked()
		if victim < 0 || q.items[victim].Frame.Priority >= it.Frame.Priority {
			return ErrQueueFull
		}
		heap.Remove(&q.items, victim)
	}
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
	q.cond.Signal()
	return nil
}

// Pop blocks until an item is available or the queue is closed.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.items).(Item), true
}

// TryPop returns the head without blocking.
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.items).(Item), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all blocked Pop callers. Further pushes are rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// lowestLocked returns the index of the lowest-priority, most recently
// arrived item, or -1 when empty.
func (q *Queue) lowestLocked() int {
	idx := -1
	for i := range q.items {
		if idx < 0 {
			idx = i
			continue
		}
		if q.items[i].Frame.Priority < q.items[idx].Frame.Priority ||
			(q.items[i].Frame.Priority == q.items[idx].Frame.Priority && q.items[i].seq > q.items[idx].seq) {
			idx = i
		}
	}
	return idx
}

type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Frame.Priority != h[j].Frame.Priority {
		return h[i].Frame.Priority > h[j].Frame.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
