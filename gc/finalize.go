package gc

import "fmt"

// SetFinalizer sets fn to run once the allocation at p has become
// unreachable, before its memory is released. A nil fn removes a finalizer
// set earlier; a finalizer of the allocation's class or runtime object stays
// in place.
//
// Finalizers run after the cycle that found p dead, with the world resumed
// and the collector unlocked: they may allocate, and the memory at p as well
// as everything reachable from it is still intact. Finalizable objects that
// form a cycle are never collected.
func (c *Collector) SetFinalizer(p uintptr, fn func(p uintptr)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hdr, ok := c.userHeader(p)
	if !ok || hdr.flags()&flagPending != 0 {
		return fmt.Errorf("%w: %#x", ErrNotHeapPointer, p)
	}
	if fn != nil {
		c.finalizers[p] = fn
	} else {
		delete(c.finalizers, p)
	}
	c.updateFinalizerFlag(p, hdr)
	return nil
}

// updateFinalizerFlag sets or clears flagFinalizer depending on whether the
// allocation at p has any finalizer. The lock must be held.
func (c *Collector) updateFinalizerFlag(p uintptr, hdr *header) {
	had := hdr.flags()&flagFinalizer != 0
	has := c.finalizerFor(p, hdr) != nil
	switch {
	case has && !had:
		hdr.setFlags(hdr.flags() | flagFinalizer)
		c.finalizable++
	case !has && had:
		hdr.setFlags(hdr.flags() &^ flagFinalizer)
		c.finalizable--
	}
}

// finalizerFor returns the destruction logic of the allocation at p: its own
// finalizer, or else the one of its class or runtime object.
func (c *Collector) finalizerFor(p uintptr, hdr *header) func() {
	if fn, ok := c.finalizers[p]; ok {
		return func() { fn(p) }
	}
	switch hdr.kind() {
	case KindRuntime:
		if f, ok := c.runtimeObjs[p].(Finalizer); ok {
			return f.Finalize
		}
	case KindPython:
		if cls := c.classOf(p, hdr); cls != nil && cls.Finalize != nil {
			return func() { cls.Finalize(p) }
		}
	}
	return nil
}

// CallPendingDestructionLogic runs the finalizers and then the
// weak-reference callbacks queued by earlier cycles, in the order their
// allocations were found dead. Each allocation is released as soon as its
// last callback returned, even if that callback panicked.
//
// Callbacks run without the collector lock and may allocate. A collection
// requested meanwhile, by a callback or by an allocation that needed one,
// runs once the queues are empty, followed by a drain of whatever it queued.
// Calls made while another call is draining return immediately.
func (c *Collector) CallPendingDestructionLogic() {
	c.mu.Lock()
	if c.draining || (c.finalizeQueue.len() == 0 && c.weakRefQueue.len() == 0) {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.drainer = goroutineID()
	c.phase = PhaseFinalizeDrain
	c.mu.Unlock()

	finished := false
	defer func() {
		// A callback panicked.
		if !finished {
			c.mu.Lock()
			c.endDrain()
			c.mu.Unlock()
		}
	}()

	for {
		for e := c.nextPending(); e != nil; e = c.nextPending() {
			c.runPending(e)
		}

		c.mu.Lock()
		if !c.collectPending {
			c.endDrain()
			finished = true
			c.mu.Unlock()
			return
		}
		c.collect("deferred")
		c.phase = PhaseFinalizeDrain
		c.mu.Unlock()
	}
}

// endDrain leaves the drain and wakes up collections waiting for it.
// The lock must be held.
func (c *Collector) endDrain() {
	c.draining = false
	c.drainer = 0
	c.phase = PhaseIdle
	c.drainDone.Broadcast()
}

func (c *Collector) nextPending() *pendingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.finalizeQueue.pop(); e != nil {
		return e
	}
	return c.weakRefQueue.pop()
}

func (c *Collector) runPending(e *pendingEntry) {
	defer c.finishPending(e.ptr)
	e.run()
}

// finishPending releases the allocation at p after its last pending
// callback ran.
func (c *Collector) finishPending(p uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := c.pendingRefs[p] - 1; n > 0 {
		c.pendingRefs[p] = n
		return
	}
	delete(c.pendingRefs, p)
	c.release(p, headerOf(p))
	c.heap.Free(c.heap.BlockOf(p - headerSize))
	c.stats.frees++
	c.stats.destroyed++
}

// PendingDestruction returns the number of queued finalizers and
// weak-reference callbacks.
func (c *Collector) PendingDestruction() (finalizers, weakRefs int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalizeQueue.len(), c.weakRefQueue.len()
}
