// Package task keeps track of the mutator threads that share a collected
// heap, and stops them while the collector runs.
//
// A thread that is registered with a World has to reach a safe point
// regularly: either by calling SafePoint, or by running collector calls
// inside Do. StopTheWorld returns once every registered thread is parked at
// one of those, and the threads stay parked until ResumeTheWorld.
//
// Stacks are not discovered automatically. Each thread publishes the words
// that may hold heap pointers with SetStack, and the World reports them as
// conservative roots when it is added to a collector as a root source.
package task

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tinygo-org/blockgc/gc"
)

// World is the set of mutator threads of one collector. It implements
// gc.World and gc.RootSource.
type World struct {
	mu      sync.Mutex
	cond    sync.Cond
	log     *slog.Logger
	threads *Thread // linked through Thread.next
	nextID  uintptr
	count   int  // registered threads
	parked  int  // registered threads at a safe point
	stopped bool // between StopTheWorld and ResumeTheWorld
}

// Thread is a registered mutator thread. Its methods must be called from the
// goroutine that owns it.
type Thread struct {
	w     *World
	id    uintptr
	next  *Thread
	stack []uintptr
	depth int // nesting of Do calls
}

var (
	_ gc.World      = (*World)(nil)
	_ gc.RootSource = (*World)(nil)
)

// NewWorld returns a World without threads. A nil logger discards.
func NewWorld(logger *slog.Logger) *World {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &World{log: logger}
	w.cond.L = &w.mu
	return w
}

// Register adds a new thread. While the world is stopped it waits for the
// world to resume, so that threads which haven't fully started are never
// seen by a collection.
func (w *World) Register() *Thread {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.stopped {
		w.cond.Wait()
	}
	w.nextID++
	t := &Thread{w: w, id: w.nextID, next: w.threads}
	w.threads = t
	w.count++
	return t
}

// Unregister removes the thread. It must not be called inside Do.
func (t *Thread) Unregister() {
	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.depth != 0 {
		panic("task: Unregister called inside Do")
	}
	for w.stopped {
		w.cond.Wait()
	}

	// Remove from the list.
	found := false
	for q := &w.threads; *q != nil; q = &(*q).next {
		if *q == t {
			*q = t.next
			found = true
			break
		}
	}
	if !found {
		panic("task: thread unregistered twice")
	}
	w.count--
	t.stack = nil
	w.cond.Broadcast()
}

// ID returns the thread ID. The number is not really significant, but it is
// useful for debugging.
func (t *Thread) ID() uintptr {
	return t.id
}

// SetStack publishes the words the thread holds heap pointers in. They are
// scanned conservatively during every collection until replaced.
func (t *Thread) SetStack(words []uintptr) {
	w := t.w
	w.mu.Lock()
	t.stack = words
	w.mu.Unlock()
}

// SafePoint parks the thread if the world is being stopped, until it is
// resumed.
func (t *Thread) SafePoint() {
	w := t.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped || t.depth != 0 {
		return
	}
	w.parked++
	w.cond.Broadcast()
	for w.stopped {
		w.cond.Wait()
	}
	w.parked--
}

// Do runs fn with the thread parked, so that a collection can run while fn
// is blocked (for example on the collector lock) or when fn itself starts
// one. fn must only touch the heap through collector calls. When fn returns
// while the world is stopped, Do waits for it to resume.
func (t *Thread) Do(fn func()) {
	w := t.w
	w.mu.Lock()
	t.depth++
	if t.depth == 1 {
		w.parked++
		w.cond.Broadcast()
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		t.depth--
		if t.depth == 0 {
			for w.stopped {
				w.cond.Wait()
			}
			w.parked--
		}
		w.mu.Unlock()
	}()
	fn()
}

// StopTheWorld waits until every registered thread is parked. After it
// returns, ResumeTheWorld needs to be called once to resume all threads
// again.
func (w *World) StopTheWorld() {
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	// Another stop is in progress.
	for w.stopped {
		w.cond.Wait()
	}
	w.stopped = true

	// Wait for the threads to finish stopping.
	for w.parked < w.count {
		w.cond.Wait()
	}
	w.log.Debug("world stopped", "threads", w.count, "wait", time.Since(start))
}

// ResumeTheWorld releases the threads parked by StopTheWorld.
func (w *World) ResumeTheWorld() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		// This is already resumed.
		return
	}
	w.stopped = false
	w.cond.Broadcast()
}

// ScanRoots reports the published stack of every thread as potential
// pointers.
func (w *World) ScanRoots(v *gc.Visitor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for t := w.threads; t != nil; t = t.next {
		v.VisitPotentialRange(t.stack)
	}
}

// Threads returns the number of registered threads.
func (w *World) Threads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
