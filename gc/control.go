package gc

import "unsafe"

// Enabled reports whether automatic collection is enabled.
func (c *Collector) Enabled() bool {
	return c.enabled.Load()
}

// Enable turns automatic collection on. It does not start a collection.
func (c *Collector) Enable() {
	c.enabled.Store(true)
}

// Disable turns automatic collection off and returns whether it was on
// before. Calls do not nest: restore the previous state with SetEnabled.
//
//	prev := c.Disable()
//	defer c.SetEnabled(prev)
//
// While disabled, allocation grows the heap instead of collecting and fails
// once the heap cannot grow anymore. Collect still runs.
func (c *Collector) Disable() (wasEnabled bool) {
	return c.enabled.Swap(false)
}

// SetEnabled sets whether automatic collection is enabled.
func (c *Collector) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
}

// SetThreshold sets how many bytes may be allocated between two automatic
// collections. Zero collects only when the heap is full. It returns the
// previous threshold.
func (c *Collector) SetThreshold(threshold uintptr) uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.config.Threshold
	c.config.Threshold = threshold
	return prev
}

// IsValidGCMemory reports whether p is the user pointer of a live
// allocation. It is meant for debug assertions and does not take the
// collector lock, so it must not race with allocation.
func (c *Collector) IsValidGCMemory(p uintptr) bool {
	_, ok := c.userHeader(p)
	return ok
}

// IsValidGCObject reports whether p is a live language object of a
// registered class. Like IsValidGCMemory it is for debug assertions only.
func (c *Collector) IsValidGCObject(p uintptr) bool {
	hdr, ok := c.userHeader(p)
	if !ok || hdr.kind() != KindPython || hdr.size < unsafe.Sizeof(ClassID(0)) {
		return false
	}
	id := ClassOf(p)
	return id != 0 && uint64(id) < c.numClasses.Load()
}
