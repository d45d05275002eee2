package gc

// pendingEntry is a finalizer or weak-reference callback waiting to run for
// the dead allocation at ptr.
type pendingEntry struct {
	next *pendingEntry
	ptr  uintptr
	run  func()
}

// pendingQueue is a FIFO container of pending entries.
// The zero value is an empty queue.
type pendingQueue struct {
	head, tail *pendingEntry
	n          int
}

// push an entry onto the queue.
func (q *pendingQueue) push(e *pendingEntry) {
	if q.tail != nil {
		q.tail.next = e
	}
	q.tail = e
	e.next = nil
	if q.head == nil {
		q.head = e
	}
	q.n++
}

// pop an entry off of the queue, or return nil when it is empty.
func (q *pendingQueue) pop() *pendingEntry {
	e := q.head
	if e == nil {
		return nil
	}
	q.head = e.next
	if q.tail == e {
		q.tail = nil
	}
	e.next = nil
	q.n--
	return e
}

// each calls fn for every queued entry, oldest first.
func (q *pendingQueue) each(fn func(e *pendingEntry)) {
	for e := q.head; e != nil; e = e.next {
		fn(e)
	}
}

func (q *pendingQueue) len() int {
	return q.n
}
