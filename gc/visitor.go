package gc

import "github.com/tinygo-org/blockgc/heap"

// session is the working state of one collection cycle. It is created when a
// cycle starts and dropped when sweeping is done; the Visitor carries it to
// every place that reports pointers.
type session struct {
	c      *Collector
	heap   *heap.Heap
	stack  *TraceStack
	marked int
}

func (c *Collector) newSession() *session {
	c.trace.Reset()
	return &session{
		c:     c,
		heap:  c.heap,
		stack: &c.trace,
	}
}

// Visitor is the single entry point through which class handlers, runtime
// objects and root sources report the pointers they hold.
//
// All methods work on user pointers, as returned by the allocation functions.
// The first time an allocation is reached it is marked and queued on the
// trace stack; later visits in the same cycle do nothing.
type Visitor struct {
	s *session
}

// Visit reports a definite pointer. Values outside the heap (such as non-heap
// objects) are ignored; values inside it must be user pointers.
func (v *Visitor) Visit(p uintptr) {
	s := v.s
	if !s.heap.Contains(p) {
		return
	}
	block := p - headerSize
	if s.c.config.Asserts {
		if !s.heap.IsHead(block) {
			fatal(p, "visited pointer is not the start of an allocation")
		}
		if !headerAt(block).valid() {
			fatal(p, "corrupt allocation header")
		}
	}
	s.mark(s.heap.BlockOf(block), p)
}

// VisitIf is Visit guarded by a nil check.
func (v *Visitor) VisitIf(p uintptr) {
	if p != 0 {
		v.Visit(p)
	}
}

// VisitRange visits every slot as a definite pointer.
func (v *Visitor) VisitRange(slots []uintptr) {
	for _, p := range slots {
		v.Visit(p)
	}
}

// VisitPotential reports a value that may or may not be a pointer. It only
// marks something if the value points into a live allocation; interior
// pointers keep the whole allocation alive.
func (v *Visitor) VisitPotential(p uintptr) {
	s := v.s
	b, ok := s.heap.FindHead(p)
	if !ok {
		return
	}
	s.mark(b, s.heap.Address(b)+headerSize)
}

// VisitPotentialRange visits every word as a potential pointer.
func (v *Visitor) VisitPotentialRange(words []uintptr) {
	for _, p := range words {
		v.VisitPotential(p)
	}
}

// The redundant variants are for fields that are known to be reached through
// another path as well. Marking only needs to see every object once, so they
// do nothing here; a moving collector would have to update them.

func (v *Visitor) VisitRedundant(p uintptr) {}
func (v *Visitor) VisitRedundantRange(slots []uintptr) {}
func (v *Visitor) VisitPotentialRedundant(p uintptr) {}
func (v *Visitor) VisitPotentialRangeRedundant(words []uintptr) {}

// mark sets the mark of head block b and queues user pointer p for scanning,
// unless it was marked already or is waiting for destruction.
func (s *session) mark(b heap.Block, p uintptr) {
	if headerAt(s.heap.Address(b)).flags()&flagPending != 0 {
		return
	}
	if !s.heap.Mark(b) {
		return
	}
	s.marked++
	s.stack.Push(p)
}

// drain scans queued allocations until the trace stack is empty, which is
// the fixed point of reachability.
func (s *session) drain() {
	v := &Visitor{s: s}
	for {
		p, ok := s.stack.Pop()
		if !ok {
			return
		}
		s.scan(v, p)
	}
}

// scan reports the pointers held by allocation p, according to its kind.
func (s *session) scan(v *Visitor, p uintptr) {
	hdr := headerOf(p)
	switch hdr.kind() {
	case KindUntracked:
		// This is a fast path for pointer-free buffers.
	case KindConservative:
		v.VisitPotentialRange(hdr.words(p))
	case KindPrecise:
		v.VisitRange(hdr.words(p))
	case KindPython:
		s.c.visitObject(v, p, hdr)
	case KindRuntime:
		obj := s.c.runtimeObjs[p]
		if obj == nil {
			fatal(p, "runtime allocation without a runtime object")
		}
		obj.GCVisit(v)
	default:
		fatal(p, "corrupt allocation header")
	}
}
