package gc

import (
	"fmt"
	"slices"
)

// AddRoot registers a global pointer slot. Whatever it holds at the start of
// a cycle (0 or a user pointer) is a root.
func (c *Collector) AddRoot(slot *uintptr) {
	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	c.globals = append(c.globals, slot)
}

// RemoveRoot unregisters a slot added with AddRoot.
func (c *Collector) RemoveRoot(slot *uintptr) {
	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	if i := slices.Index(c.globals, slot); i >= 0 {
		c.globals = slices.Delete(c.globals, i, i+1)
	}
}

// AddNonHeapRoot registers memory outside the heap (such as a static
// object) whose words are scanned conservatively in every cycle.
func (c *Collector) AddNonHeapRoot(words []uintptr) {
	if len(words) == 0 {
		return
	}
	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	c.nonHeap = append(c.nonHeap, words)
}

// RemoveNonHeapRoot unregisters memory added with AddNonHeapRoot. It is
// matched by its first word.
func (c *Collector) RemoveNonHeapRoot(words []uintptr) {
	if len(words) == 0 {
		return
	}
	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	c.nonHeap = slices.DeleteFunc(c.nonHeap, func(r []uintptr) bool {
		return &r[0] == &words[0]
	})
}

type rootSourceEntry struct {
	rs RootSource
}

// AddRootSource registers a source of roots, such as the thread stacks of a
// task.World. The returned function unregisters it.
func (c *Collector) AddRootSource(rs RootSource) (remove func()) {
	e := &rootSourceEntry{rs: rs}
	c.rootMu.Lock()
	c.sources = append(c.sources, e)
	c.rootMu.Unlock()
	return func() {
		c.rootMu.Lock()
		defer c.rootMu.Unlock()
		if i := slices.Index(c.sources, e); i >= 0 {
			c.sources = slices.Delete(c.sources, i, i+1)
		}
	}
}

// Pin keeps the allocation at p alive until a matching Unpin, whether or
// not anything else references it. Pins nest.
func (c *Collector) Pin(p uintptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	hdr, ok := c.userHeader(p)
	if !ok || hdr.flags()&flagPending != 0 {
		return fmt.Errorf("%w: %#x", ErrNotHeapPointer, p)
	}
	c.pin(p)
	return nil
}

// Unpin undoes one Pin of p.
func (c *Collector) Unpin(p uintptr) {
	c.unpin(p)
}

func (c *Collector) pin(p uintptr) {
	c.rootMu.Lock()
	c.pins[p]++
	c.rootMu.Unlock()
}

func (c *Collector) unpin(p uintptr) {
	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	switch n := c.pins[p]; n {
	case 0:
	case 1:
		delete(c.pins, p)
	default:
		c.pins[p] = n - 1
	}
}

// scanRoots reports every root to the session. Allocations waiting for their
// finalizer are not marked, but what they reference must survive until the
// finalizer ran.
func (c *Collector) scanRoots(s *session) {
	v := &Visitor{s: s}

	c.rootMu.RLock()
	for _, slot := range c.globals {
		v.VisitIf(*slot)
	}
	for p := range c.pins {
		v.Visit(p)
	}
	for _, words := range c.nonHeap {
		v.VisitPotentialRange(words)
	}
	sources := slices.Clone(c.sources)
	c.rootMu.RUnlock()

	for _, e := range sources {
		e.rs.ScanRoots(v)
	}

	c.finalizeQueue.each(func(e *pendingEntry) {
		s.scan(v, e.ptr)
	})
}

// KeepAlive marks its argument as used up to the point of the call. It does
// nothing by itself: the value must also be reachable from a root (for
// example through Pin or a scanned stack) for the duration of the region.
//
//go:noinline
func KeepAlive(p uintptr) {}
