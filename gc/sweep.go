package gc

import "github.com/tinygo-org/blockgc/heap"

type sweepResult struct {
	freed      int // allocations released right away
	finalizers int // finalizers queued
	weakRefs   int // weak-reference callbacks queued
}

// sweep frees every allocation that was not marked and unmarks the rest for
// the next cycle. Dead allocations with a finalizer or weak references are
// queued instead and released once their callbacks ran. Free ranges must be
// rebuilt afterwards. The lock must be held and the world stopped.
func (c *Collector) sweep() (res sweepResult) {
	c.heap.Heads(func(b heap.Block) {
		if c.heap.Marked(b) {
			// Alive.
			c.heap.Unmark(b)
			return
		}
		addr := c.heap.Address(b)
		hdr := headerAt(addr)
		p := addr + headerSize
		f := hdr.flags()
		if f&flagPending != 0 {
			// Still waiting for its callbacks.
			return
		}
		if f&(flagFinalizer|flagWeakRef) != 0 && c.queueDestruction(p, hdr, &res) {
			return
		}
		// Unmarked and nothing to run: free it.
		c.release(p, hdr)
		c.heap.FreeBlock(b)
		res.freed++
	})
	c.stats.frees += uint64(res.freed)
	return res
}

// queueDestruction queues the finalizer and weak-reference callbacks of the
// dead allocation at p. Weak references to it are cleared either way. It
// reports false if there was nothing to queue and p can be freed right away.
func (c *Collector) queueDestruction(p uintptr, hdr *header, res *sweepResult) bool {
	f := hdr.flags()
	n := 0
	if f&flagFinalizer != 0 {
		if run := c.finalizerFor(p, hdr); run != nil {
			c.finalizeQueue.push(&pendingEntry{ptr: p, run: run})
			res.finalizers++
			n++
		}
		delete(c.finalizers, p)
		c.finalizable--
		f &^= flagFinalizer
	}
	if f&flagWeakRef != 0 {
		for _, w := range c.weakRefs[p] {
			w.target = 0
			if w.callback != nil {
				c.weakRefQueue.push(&pendingEntry{ptr: p, run: func() { w.callback(w) }})
				res.weakRefs++
				n++
			}
		}
		delete(c.weakRefs, p)
		f &^= flagWeakRef
	}
	if n == 0 {
		hdr.setFlags(f)
		return false
	}
	hdr.setFlags(f | flagPending)
	c.pendingRefs[p] = n
	return true
}
