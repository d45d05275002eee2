// Package gc implements a non-moving, stop-the-world mark/sweep collector
// for a heap of mixed allocations: language objects visited precisely
// through their class, conservatively scanned blocks, blocks of contiguous
// pointers, pointer-free blocks and native runtime objects.
//
// A collection cycle goes through the phases of Phase. Every root source
// reports its pointers to a Visitor, which marks each allocation the first
// time it is reached and queues it on a TraceStack. Draining the stack scans
// every reachable allocation according to its Kind. Unmarked allocations are
// then swept: freed right away, or queued when a finalizer or weak-reference
// callback has to run first. Those callbacks run only after the world has
// been resumed, see CallPendingDestructionLogic.
package gc

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/tinygo-org/blockgc/heap"
)

// Phase is the state of the collector.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRootScan
	PhaseDraining
	PhaseSweeping
	PhaseFinalizeDrain
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRootScan:
		return "root-scan"
	case PhaseDraining:
		return "draining"
	case PhaseSweeping:
		return "sweeping"
	case PhaseFinalizeDrain:
		return "finalize-drain"
	default:
		return "!err"
	}
}

// World stops and resumes every mutator thread. Between StopTheWorld and
// ResumeTheWorld no mutator may touch the heap.
type World interface {
	StopTheWorld()
	ResumeTheWorld()
}

type noWorld struct{}

func (noWorld) StopTheWorld()   {}
func (noWorld) ResumeTheWorld() {}

// RootSource reports a set of roots to the visitor at the start of every
// cycle.
type RootSource interface {
	ScanRoots(v *Visitor)
}

// RootFunc adapts a function to a RootSource.
type RootFunc func(v *Visitor)

func (f RootFunc) ScanRoots(v *Visitor) {
	f(v)
}

// zeroSizedAlloc is just a sentinel that gets returned when allocating 0 bytes.
var zeroSizedAlloc uint8

func zeroSizedAddr() uintptr {
	return uintptr(unsafe.Pointer(&zeroSizedAlloc))
}

// Collector owns a heap and collects it.
// Its methods are safe for concurrent use, except where noted.
type Collector struct {
	mu      sync.Mutex // lock to avoid races between allocation and collection
	config  Config
	log     *slog.Logger
	heap    *heap.Heap
	world   World
	enabled atomic.Bool
	phase   Phase
	trace   TraceStack

	classes     []Class // indexed by ClassID, entry 0 is never used
	numClasses  atomic.Uint64
	runtimeObjs map[uintptr]RuntimeObject
	finalizers  map[uintptr]func(uintptr)
	weakRefs    map[uintptr][]*WeakRef
	finalizable int // allocations with flagFinalizer set

	rootMu  sync.RWMutex
	globals []*uintptr
	pins    map[uintptr]int
	nonHeap [][]uintptr
	sources []*rootSourceEntry

	finalizeQueue  pendingQueue
	weakRefQueue   pendingQueue
	pendingRefs    map[uintptr]int // entries still to run, per pending allocation
	draining       bool
	drainer        uint64    // goroutine running the drain
	drainDone      sync.Cond // signaled when draining becomes false
	collectPending bool

	allocatedSinceGC uintptr
	stats            cycleStats
}

// New creates a collector with a fresh heap.
func New(config Config) (*Collector, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	h, err := heap.New(config.InitialHeap, config.MaxHeap)
	if err != nil {
		return nil, err
	}
	c := &Collector{
		config:      config,
		log:         config.Logger,
		heap:        h,
		world:       config.World,
		classes:     make([]Class, 1),
		runtimeObjs: make(map[uintptr]RuntimeObject),
		finalizers:  make(map[uintptr]func(uintptr)),
		weakRefs:    make(map[uintptr][]*WeakRef),
		pins:        make(map[uintptr]int),
		pendingRefs: make(map[uintptr]int),
	}
	c.numClasses.Store(1)
	c.drainDone.L = &c.mu
	if c.log == nil {
		c.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.world == nil {
		c.world = noWorld{}
	}
	c.enabled.Store(!config.Disabled)
	c.log.Debug("heap initialized",
		"start", c.heap.Start(),
		"size", formatBytes(c.heap.Size()),
		"capacity", formatBytes(c.heap.Capacity()))
	return c, nil
}

// Close releases the heap. Every pointer into it becomes invalid.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heap.Close()
}

// Phase returns the current phase.
func (c *Collector) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Collect runs a full collection cycle, whether or not automatic collection
// is enabled, and returns once pending finalizers and weak-reference
// callbacks have run.
//
// Called from pending destruction logic (for example from a finalizer), it
// returns ErrCollectionDeferred: the request is recorded and runs as soon as
// the current drain is done. Called from another goroutine while a drain is
// running, it waits for the drain to finish and then collects.
func (c *Collector) Collect() error {
	c.mu.Lock()
	if c.draining {
		if c.drainer == goroutineID() {
			c.collectPending = true
			c.mu.Unlock()
			return ErrCollectionDeferred
		}
		for c.draining {
			c.drainDone.Wait()
		}
	}
	c.collect("manual")
	c.mu.Unlock()
	c.CallPendingDestructionLogic()
	return nil
}

// collect performs the stop-the-world part of a cycle: root scan, mark and
// sweep. It returns the number of free bytes in the heap afterwards.
// The lock must be held.
func (c *Collector) collect(reason string) (freeBytes uintptr) {
	start := time.Now()
	c.collectPending = false
	s := c.newSession()

	c.phase = PhaseRootScan
	c.world.StopTheWorld()
	c.scanRoots(s)

	// Mark phase: mark all reachable objects.
	c.phase = PhaseDraining
	s.drain()
	c.traceFinalizable(s)

	// Sweep phase: free all non-marked objects and unmark marked objects for
	// the next collection cycle.
	c.phase = PhaseSweeping
	res := c.sweep()
	freeBytes = c.heap.RebuildFreeRanges()
	c.world.ResumeTheWorld()

	if c.finalizeQueue.len() != 0 || c.weakRefQueue.len() != 0 {
		c.phase = PhaseFinalizeDrain
	} else {
		c.phase = PhaseIdle
	}
	c.trace.Reset()
	c.allocatedSinceGC = 0

	pause := time.Since(start)
	c.stats.record(start.Add(pause), pause, res)
	c.log.Debug("gc cycle",
		"reason", reason,
		"marked", s.marked,
		"freed", res.freed,
		"finalizers", res.finalizers,
		"weakrefs", res.weakRefs,
		"free", formatBytes(freeBytes),
		"pause", pause)
	return freeBytes
}

// traceFinalizable keeps everything reachable from an unreachable object with
// a finalizer alive for one more cycle, so the finalizer never sees freed
// memory. The object itself stays unmarked and is queued by the sweep.
func (c *Collector) traceFinalizable(s *session) {
	if c.finalizable == 0 {
		return
	}
	v := &Visitor{s: s}
	c.heap.Heads(func(b heap.Block) {
		if c.heap.Marked(b) {
			return
		}
		addr := c.heap.Address(b)
		if f := headerAt(addr).flags(); f&flagFinalizer != 0 && f&flagPending == 0 {
			s.scan(v, addr+headerSize)
		}
	})
	s.drain()
}

// automaticAllowed reports whether an automatic collection may run now. A
// request made while destruction logic runs is recorded instead.
// The lock must be held.
func (c *Collector) automaticAllowed() bool {
	if !c.enabled.Load() {
		return false
	}
	if c.draining {
		c.collectPending = true
		return false
	}
	return true
}

// triggerAutomatic reports whether allocating n more bytes should start a
// collection first. The lock must be held.
func (c *Collector) triggerAutomatic(n uintptr) bool {
	threshold := c.config.Threshold
	if c.collectPending || (threshold > 0 && c.allocatedSinceGC+n > threshold) {
		return c.automaticAllowed()
	}
	return false
}

func (c *Collector) grow() bool {
	if !c.heap.Grow() {
		return false
	}
	c.log.Info("heap grown", "size", formatBytes(c.heap.Size()))
	return true
}
