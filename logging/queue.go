package logging

// queue is a bounded FIFO of events backed by a ring buffer.
// The zero value has no room; use newQueue.
type queue struct {
	buf        []Event
	head, size int
}

func newQueue(capacity int) queue {
	return queue{buf: make([]Event, capacity)}
}

// Push an event onto the queue. It reports false if the queue is full.
func (q *queue) Push(e Event) bool {
	if q.size == len(q.buf) {
		return false
	}
	q.buf[(q.head+q.size)%len(q.buf)] = e
	q.size++
	return true
}

// Pop an event off of the queue.
func (q *queue) Pop() (Event, bool) {
	if q.size == 0 {
		return Event{}, false
	}
	e := q.buf[q.head]
	q.buf[q.head] = Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return e, true
}

// Empty checks if the queue is empty.
func (q *queue) Empty() bool {
	return q.size == 0
}

func (q *queue) Len() int {
	return q.size
}
