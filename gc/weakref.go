package gc

import (
	"fmt"
	"slices"
)

// WeakRef references an allocation without keeping it alive. Once the
// target is found dead, Get returns 0 and the callback (if any) runs during
// the next drain, before the target's memory is released.
type WeakRef struct {
	c        *Collector
	target   uintptr
	callback func(w *WeakRef)
}

// NewWeakRef creates a weak reference to the allocation at target.
func (c *Collector) NewWeakRef(target uintptr, callback func(w *WeakRef)) (*WeakRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hdr, ok := c.userHeader(target)
	if !ok || hdr.flags()&flagPending != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrNotHeapPointer, target)
	}
	w := &WeakRef{c: c, target: target, callback: callback}
	c.weakRefs[target] = append(c.weakRefs[target], w)
	hdr.setFlags(hdr.flags() | flagWeakRef)
	return w, nil
}

// Get returns the target, or 0 once it was collected or released.
func (w *WeakRef) Get() uintptr {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.target
}

// Release detaches w from its target without running the callback.
func (w *WeakRef) Release() {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()

	p := w.target
	if p == 0 {
		return
	}
	w.target = 0
	refs := slices.DeleteFunc(c.weakRefs[p], func(r *WeakRef) bool { return r == w })
	if len(refs) != 0 {
		c.weakRefs[p] = refs
		return
	}
	delete(c.weakRefs, p)
	hdr := headerOf(p)
	hdr.setFlags(hdr.flags() &^ flagWeakRef)
}
