package gc

import (
	"errors"
	"fmt"

	"github.com/tinygo-org/blockgc/heap"
)

// Alloc allocates size zeroed bytes of the given kind and returns the user
// pointer. If the heap is full it collects (when automatic collection is
// enabled), grows the heap, and only then gives up with ErrOutOfMemory.
//
// The returned pointer is not a root: it must be stored somewhere the
// collector scans before the next collection can run.
func (c *Collector) Alloc(size uintptr, kind Kind) (uintptr, error) {
	if kind == KindRuntime {
		return 0, fmt.Errorf("%w: runtime objects are allocated with AllocRuntime", ErrInvalidKind)
	}
	return c.allocWith(size, kind, nil)
}

// AllocTo is like Alloc but stores the new pointer in *slot before the
// collector lock is released. A thread whose roots include slot can use it
// from inside task.Thread.Do, where a collection may otherwise run between
// the allocation and the store.
func (c *Collector) AllocTo(slot *uintptr, size uintptr, kind Kind) error {
	if kind == KindRuntime {
		return fmt.Errorf("%w: runtime objects are allocated with AllocRuntime", ErrInvalidKind)
	}
	if size == 0 {
		*slot = zeroSizedAddr()
		return nil
	}
	_, err := c.allocWith(size, kind, func(p uintptr, hdr *header) {
		*slot = p
	})
	return err
}

// allocWith allocates and runs init while still holding the lock, so the
// allocation is fully set up before any collection can see it.
func (c *Collector) allocWith(size uintptr, kind Kind, init func(p uintptr, hdr *header)) (uintptr, error) {
	if !kind.valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidKind, kind)
	}
	if size == 0 && init == nil {
		return zeroSizedAddr(), nil
	}

	c.mu.Lock()
	p, collected, err := c.alloc(size, kind)
	if err == nil && init != nil {
		init(p, headerOf(p))
	}
	c.mu.Unlock()

	if collected {
		c.CallPendingDestructionLogic()
	}
	return p, err
}

// alloc finds room for size bytes, possibly doing a collection cycle. The
// lock must be held. collected reports whether a cycle ran, in which case
// the caller must run CallPendingDestructionLogic after unlocking.
func (c *Collector) alloc(size uintptr, kind Kind) (p uintptr, collected bool, err error) {
	rawSize := size
	size += headerSize
	if size < rawSize || size > c.heap.Capacity() {
		// The size overflowed, or could never fit even in a fully grown heap.
		return 0, false, fmt.Errorf("%w: cannot allocate %d bytes", ErrOutOfMemory, rawSize)
	}

	if c.triggerAutomatic(size) {
		c.collect("threshold")
		collected = true
	}

	for {
		addr, ok := c.heap.Alloc(size)
		if ok {
			headerAt(addr).init(rawSize, kind)
			c.stats.mallocs++
			c.stats.totalAlloc += uint64(rawSize)
			c.allocatedSinceGC += size
			return addr + headerSize, collected, nil
		}

		if !collected && c.automaticAllowed() {
			// Run the collector and try again.
			freeBytes := c.collect("exhausted")
			collected = true
			if freeBytes < c.heap.Size()/3 {
				// Ensure there is at least 33% headroom.
				c.grow()
			}
			continue
		}

		if c.grow() {
			continue
		}

		c.log.Warn("out of memory",
			"request", formatBytes(rawSize),
			"heap", formatBytes(c.heap.Size()),
			"enabled", c.enabled.Load())
		return 0, collected, fmt.Errorf("%w: cannot allocate %d bytes", ErrOutOfMemory, rawSize)
	}
}

// Realloc resizes the allocation at p, keeping its kind. It returns p itself
// when the new size still fits in the blocks already in use; otherwise the
// contents move to a new allocation and p is released. Finalizers, weak
// references, pins and runtime objects follow the move.
//
// A zero p allocates a new conservative block.
func (c *Collector) Realloc(p, size uintptr) (uintptr, error) {
	if p == 0 || p == zeroSizedAddr() {
		return c.Alloc(size, KindConservative)
	}

	c.mu.Lock()
	hdr, ok := c.userHeader(p)
	if !ok || hdr.flags()&flagPending != 0 {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %#x", ErrNotHeapPointer, p)
	}
	block := c.heap.BlockOf(p - headerSize)
	if size <= c.heap.SizeOf(block)-headerSize {
		if size > hdr.size {
			clear(heap.Bytes(p+hdr.size, size-hdr.size))
		}
		hdr.resize(size)
		c.mu.Unlock()
		return p, nil
	}

	// While the new allocation is made, p is only referenced from the
	// caller and a collection must not free it.
	c.pin(p)
	np, collected, err := c.alloc(size, hdr.kind())
	c.unpin(p)
	if err == nil {
		copy(heap.Bytes(np, hdr.size), heap.Bytes(p, hdr.size))
		c.move(p, np, hdr)
		c.heap.Free(block)
		c.stats.frees++
	}
	c.mu.Unlock()

	if collected {
		c.CallPendingDestructionLogic()
	}
	return np, err
}

// move transfers the registrations of the allocation at old to new.
// The lock must be held.
func (c *Collector) move(old, new uintptr, oldHdr *header) {
	f := oldHdr.flags()
	headerOf(new).setFlags(f)
	oldHdr.setFlags(0)

	if obj, ok := c.runtimeObjs[old]; ok {
		c.runtimeObjs[new] = obj
		delete(c.runtimeObjs, old)
	}
	if fn, ok := c.finalizers[old]; ok {
		c.finalizers[new] = fn
		delete(c.finalizers, old)
	}
	if refs, ok := c.weakRefs[old]; ok {
		for _, w := range refs {
			w.target = new
		}
		c.weakRefs[new] = refs
		delete(c.weakRefs, old)
	}

	c.rootMu.Lock()
	if n, ok := c.pins[old]; ok {
		c.pins[new] += n
		delete(c.pins, old)
	}
	c.rootMu.Unlock()
}

// Free releases the allocation at p right away, bypassing the collector.
// The caller must be certain nothing references p anymore; weak references
// to it are cleared without running their callbacks and pins are dropped. Freeing a pointer twice
// is undefined (and a fatal error when Config.Asserts is set).
//
// Free must not be called from a Visit handler.
func (c *Collector) Free(p uintptr) {
	if p == 0 || p == zeroSizedAddr() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	hdr, ok := c.userHeader(p)
	if !ok {
		if c.config.Asserts {
			fatal(p, "free of a pointer that is not a live allocation")
		}
		return
	}
	if hdr.flags()&flagPending != 0 {
		// Released by CallPendingDestructionLogic once its callbacks ran.
		return
	}
	c.release(p, hdr)
	// Swept allocations are never pinned, but a freed one may be.
	c.rootMu.Lock()
	delete(c.pins, p)
	c.rootMu.Unlock()
	c.heap.Free(c.heap.BlockOf(p - headerSize))
	c.stats.frees++
}

// release drops everything the collector keeps for the allocation at p
// before its blocks are freed. The lock must be held.
func (c *Collector) release(p uintptr, hdr *header) {
	if hdr.kind() == KindRuntime {
		delete(c.runtimeObjs, p)
	}
	f := hdr.flags()
	if f&flagFinalizer != 0 {
		delete(c.finalizers, p)
		c.finalizable--
	}
	if f&flagWeakRef != 0 {
		for _, w := range c.weakRefs[p] {
			w.target = 0
		}
		delete(c.weakRefs, p)
	}
	hdr.setFlags(0)
}

// userHeader returns the header of user pointer p, or false if p is not the
// user pointer of an allocation with an intact header.
func (c *Collector) userHeader(p uintptr) (*header, bool) {
	if p < headerSize || !c.heap.IsHead(p-headerSize) {
		return nil, false
	}
	hdr := headerOf(p)
	if !hdr.valid() {
		return nil, false
	}
	return hdr, true
}

// Payload returns the payload of the allocation at p. The mutator owns this
// memory; the collector only reads it during a cycle.
func (c *Collector) Payload(p uintptr) []byte {
	c.mu.Lock()
	hdr, ok := c.userHeader(p)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return heap.Bytes(p, hdr.size)
}

// Slots returns the payload of the allocation at p as pointer-sized words.
func (c *Collector) Slots(p uintptr) []uintptr {
	c.mu.Lock()
	hdr, ok := c.userHeader(p)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return hdr.words(p)
}

// SizeOf returns the requested size of the allocation at p.
func (c *Collector) SizeOf(p uintptr) (uintptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hdr, ok := c.userHeader(p)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotHeapPointer, p)
	}
	return hdr.size, nil
}

// KindOf returns the kind of the allocation at p.
func (c *Collector) KindOf(p uintptr) (Kind, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hdr, ok := c.userHeader(p)
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrNotHeapPointer, p)
	}
	return hdr.kind(), nil
}

// IsOutOfMemory reports whether err is an allocation failure.
func IsOutOfMemory(err error) bool {
	return errors.Is(err, ErrOutOfMemory)
}
