package source

import "sync"

// Queue is a bounded FIFO of change events sitting between the notification
// dispatcher and the consumer. When full, DiscardOldest evicts the head to
// admit the arrival; otherwise the arrival itself is dropped. Push never
// blocks.
//
// Capacity bounds only what sits in the queue. A MonitoredItem's pump holds
// one more popped event while its consumer is not reading, so up to
// capacity+1 events can be pending for an item.
type Queue struct {
	mu            sync.Mutex
	buf           []ChangeEvent
	head          int
	size          int
	discardOldest bool
	dropped       uint64
	closed        bool

	ready chan struct{}
}

// NewQueue creates a queue holding at most capacity events (minimum 1).
func NewQueue(capacity int, discardOldest bool) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:           make([]ChangeEvent, capacity),
		discardOldest: discardOldest,
		ready:         make(chan struct{}, 1),
	}
}

// Push appends ev and reports whether an event was discarded to make room.
// Pushes after Close are dropped.
func (q *Queue) Push(ev ChangeEvent) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.dropped++
		q.mu.Unlock()
		return true
	}
	capacity := len(q.buf)
	if q.size == capacity {
		q.dropped++
		dropped = true
		if !q.discardOldest {
			q.mu.Unlock()
			return dropped
		}
		q.buf[q.head] = ChangeEvent{}
		q.head = (q.head + 1) % capacity
		q.size--
	}
	q.buf[(q.head+q.size)%capacity] = ev
	q.size++
	q.mu.Unlock()

	q.signal()
	return dropped
}

// Close stops accepting events. Pop keeps returning what is still queued
// and reports false once the queue is empty.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPop removes the head event if there is one.
func (q *Queue) TryPop() (ChangeEvent, bool) {
	ev, ok, _ := q.popOrClosed()
	return ev, ok
}

func (q *Queue) popOrClosed() (ev ChangeEvent, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return ChangeEvent{}, false, q.closed
	}
	ev = q.buf[q.head]
	q.buf[q.head] = ChangeEvent{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return ev, true, q.closed
}

// Pop blocks until an event is available, done is closed, or the queue is
// closed and empty.
func (q *Queue) Pop(done <-chan struct{}) (ChangeEvent, bool) {
	for {
		ev, ok, closed := q.popOrClosed()
		if ok {
			return ev, true
		}
		if closed {
			return ChangeEvent{}, false
		}
		select {
		case <-q.ready:
		case <-done:
			return ChangeEvent{}, false
		}
	}
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many events overflow has discarded so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
