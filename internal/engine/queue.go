package engine

import "notchd/internal/notification"

// pendingQueue is the bounded holding area for events that lost the display
// slot race. Ordering invariant: descending priority, FIFO among equal
// priorities. Length never exceeds cap after an insert (tail eviction).
//
// Only the engine goroutine touches it; no locking here.
type pendingQueue struct {
	items []*notification.Event
	cap   int
}

func newPendingQueue(capacity int) pendingQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return pendingQueue{cap: capacity}
}

func (q *pendingQueue) len() int { return len(q.items) }

// insert places ev before the first element with strictly lower priority,
// preserving arrival order among equals. If the queue overflows, the tail
// (lowest priority, newest among equal-lowest) is evicted and returned.
func (q *pendingQueue) insert(ev *notification.Event) (evicted *notification.Event) {
	pos := len(q.items)
	for i, it := range q.items {
		if it.Priority < ev.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = ev
	return q.evictOverflow()
}

// insertFront pushes a preempted event back to the head of the queue so it is
// redisplayed first. Capacity still applies.
func (q *pendingQueue) insertFront(ev *notification.Event) (evicted *notification.Event) {
	q.items = append([]*notification.Event{ev}, q.items...)
	return q.evictOverflow()
}

func (q *pendingQueue) evictOverflow() *notification.Event {
	if len(q.items) <= q.cap {
		return nil
	}
	tail := q.items[len(q.items)-1]
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return tail
}

// popHead removes and returns the highest-priority, earliest-arrival event,
// or nil when empty.
func (q *pendingQueue) popHead() *notification.Event {
	if len(q.items) == 0 {
		return nil
	}
	head := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return head
}

func (q *pendingQueue) snapshot() []*notification.Event {
	out := make([]*notification.Event, len(q.items))
	for i, it := range q.items {
		out[i] = it.Clone()
	}
	return out
}
