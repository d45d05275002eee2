package gc

// traceChunkSize is the number of pointers in one chunk of the trace stack.
const traceChunkSize = 256

type traceChunk struct {
	next *traceChunk
	n    int
	ptrs [traceChunkSize]uintptr
}

// TraceStack is the explicit work list of the mark phase: user pointers that
// have been marked but whose contents have not been scanned yet. Marking
// pushes and draining pops, so deep object graphs never recurse.
//
// The stack grows in fixed-size chunks. Emptied chunks are kept on a free
// list and reused by later cycles.
//
// The zero value is an empty stack.
type TraceStack struct {
	top    *traceChunk
	free   *traceChunk
	n      int
	pushes uint64
}

// Push adds p to the stack.
func (s *TraceStack) Push(p uintptr) {
	if s.top == nil || s.top.n == traceChunkSize {
		c := s.free
		if c != nil {
			s.free = c.next
		} else {
			c = new(traceChunk)
		}
		c.next = s.top
		c.n = 0
		s.top = c
	}
	s.top.ptrs[s.top.n] = p
	s.top.n++
	s.n++
	s.pushes++
}

// Pop removes the most recently pushed pointer. It reports false when the
// stack is empty.
func (s *TraceStack) Pop() (uintptr, bool) {
	c := s.top
	if c == nil {
		return 0, false
	}
	c.n--
	p := c.ptrs[c.n]
	if c.n == 0 {
		s.top = c.next
		c.next = s.free
		s.free = c
	}
	s.n--
	return p, true
}

// Len returns the number of pointers on the stack.
func (s *TraceStack) Len() int {
	return s.n
}

// Pushes returns the number of pushes since the last Reset.
func (s *TraceStack) Pushes() uint64 {
	return s.pushes
}

// Reset empties the stack, keeping its chunks for reuse.
func (s *TraceStack) Reset() {
	for s.top != nil {
		c := s.top
		s.top = c.next
		c.next = s.free
		s.free = c
	}
	s.n = 0
	s.pushes = 0
}
