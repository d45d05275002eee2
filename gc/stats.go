package gc

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-isatty"
	"github.com/tinygo-org/blockgc/heap"
)

// pauseHistory is the number of recent pauses kept, as in runtime.MemStats.
const pauseHistory = 256

type cycleStats struct {
	numGC      uint64
	mallocs    uint64
	frees      uint64
	totalAlloc uint64
	destroyed  uint64 // allocations released after their pending callbacks ran
	finalizers uint64 // finalizers queued
	weakRefs   uint64 // weak-reference callbacks queued
	lastGC     time.Time
	pauseTotal time.Duration
	pauses     [pauseHistory]time.Duration
	pauseEnds  [pauseHistory]time.Time
}

func (s *cycleStats) record(end time.Time, pause time.Duration, res sweepResult) {
	i := s.numGC % pauseHistory
	s.pauses[i] = pause
	s.pauseEnds[i] = end
	s.numGC++
	s.lastGC = end
	s.pauseTotal += pause
	s.finalizers += uint64(res.finalizers)
	s.weakRefs += uint64(res.weakRefs)
}

// MarshalYAML writes kinds by name.
func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML reads kinds written by MarshalYAML.
func (k *Kind) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	for kind := KindPython; kind.valid(); kind++ {
		if kind.String() == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// KindStats counts the live allocations of one kind.
type KindStats struct {
	Kind    Kind   `yaml:"kind"`
	Objects uint64 `yaml:"objects"`
	Bytes   uint64 `yaml:"bytes"`  // requested payload bytes
	Blocks  uint64 `yaml:"blocks"` // whole blocks in use, headers included
}

// HeapStats is a snapshot of the heap and the collector counters.
type HeapStats struct {
	HeapSize     uint64             `yaml:"heap_size"`
	HeapCapacity uint64             `yaml:"heap_capacity"`
	LiveBytes    uint64             `yaml:"live_bytes"` // bytes in blocks in use
	FreeBytes    uint64             `yaml:"free_bytes"`
	Objects      uint64             `yaml:"objects"`
	Kinds        []KindStats        `yaml:"kinds"`
	FreeRanges   []heap.RangeCount  `yaml:"free_ranges"`
	Pending      uint64             `yaml:"pending"` // dead allocations waiting for callbacks
	Finalizable  uint64             `yaml:"finalizable"`
	Pinned       uint64             `yaml:"pinned"`
	Classes      uint64             `yaml:"classes"`
	Enabled      bool               `yaml:"enabled"`
	Phase        string             `yaml:"phase"`
	Counters     CollectionCounters `yaml:"counters"`
}

// CollectionCounters are cumulative since the collector was created.
type CollectionCounters struct {
	NumGC             uint64        `yaml:"num_gc"`
	Mallocs           uint64        `yaml:"mallocs"`
	Frees             uint64        `yaml:"frees"`
	TotalAlloc        uint64        `yaml:"total_alloc"`
	FinalizersQueued  uint64        `yaml:"finalizers_queued"`
	WeakRefsQueued    uint64        `yaml:"weakrefs_queued"`
	PendingDestroyed  uint64        `yaml:"pending_destroyed"`
	PauseTotal        time.Duration `yaml:"pause_total"`
	LastGC            time.Time     `yaml:"last_gc"`
	PendingFinalizers uint64        `yaml:"pending_finalizers"`
	PendingWeakRefCBs uint64        `yaml:"pending_weakref_callbacks"`
}

// Stats walks the heap and returns a snapshot. Like everything that
// touches the heap it waits for a running collection to finish.
func (c *Collector) Stats() HeapStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var kinds [numKinds]KindStats
	var st HeapStats
	c.heap.Heads(func(b heap.Block) {
		addr := c.heap.Address(b)
		hdr := headerAt(addr)
		k := hdr.kind()
		if !k.valid() {
			fatal(addr+headerSize, "corrupt allocation header")
		}
		ks := &kinds[k]
		ks.Objects++
		ks.Bytes += uint64(hdr.size)
		ks.Blocks += uint64(c.heap.SizeOf(b) / heap.BytesPerBlock)
		if hdr.flags()&flagPending != 0 {
			st.Pending++
		}
	})
	for k := KindPython; k.valid(); k++ {
		kinds[k].Kind = k
		st.Kinds = append(st.Kinds, kinds[k])
		st.Objects += kinds[k].Objects
		st.LiveBytes += kinds[k].Blocks * uint64(heap.BytesPerBlock)
	}

	st.HeapSize = uint64(c.heap.Size())
	st.HeapCapacity = uint64(c.heap.Capacity())
	st.FreeBytes = st.HeapSize - st.LiveBytes
	st.FreeRanges = c.heap.FreeRangeCounts()
	st.Finalizable = uint64(c.finalizable)
	st.Classes = uint64(len(c.classes) - 1)
	st.Enabled = c.enabled.Load()
	st.Phase = c.phase.String()
	c.rootMu.RLock()
	st.Pinned = uint64(len(c.pins))
	c.rootMu.RUnlock()
	st.Counters = CollectionCounters{
		NumGC:             c.stats.numGC,
		Mallocs:           c.stats.mallocs,
		Frees:             c.stats.frees,
		TotalAlloc:        c.stats.totalAlloc,
		FinalizersQueued:  c.stats.finalizers,
		WeakRefsQueued:    c.stats.weakRefs,
		PendingDestroyed:  c.stats.destroyed,
		PauseTotal:        c.stats.pauseTotal,
		LastGC:            c.stats.lastGC,
		PendingFinalizers: uint64(c.finalizeQueue.len()),
		PendingWeakRefCBs: uint64(c.weakRefQueue.len()),
	}
	return st
}

// MemStats records statistics about the heap, with the same meaning as the
// fields of runtime.MemStats.
type MemStats struct {
	Alloc        uint64
	TotalAlloc   uint64
	Sys          uint64
	Mallocs      uint64
	Frees        uint64
	HeapAlloc    uint64
	HeapSys      uint64
	HeapIdle     uint64
	HeapInuse    uint64
	HeapReleased uint64
	HeapObjects  uint64
	GCSys        uint64
	PauseTotalNs uint64
	PauseNs      [pauseHistory]uint64
	PauseEnd     [pauseHistory]uint64
	LastGC       uint64
	NumGC        uint32
	EnableGC     bool
}

// ReadMemStats populates m with memory statistics.
//
// Unlike Stats it does not walk the allocations, only the block metadata.
func (c *Collector) ReadMemStats(m *MemStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Since we are outside of a GC, nothing is marked.
	heads, tails := c.heap.Usage()
	liveBytes := uint64((heads + tails) * heap.BytesPerBlock)
	size := uint64(c.heap.Size())

	m.Sys = uint64(c.heap.Capacity())
	m.HeapSys = size
	m.GCSys = uint64(c.heap.Capacity()/heap.BytesPerBlock+3) / 4
	m.HeapReleased = m.Sys - size
	m.HeapInuse = liveBytes
	m.HeapAlloc = liveBytes
	m.Alloc = liveBytes
	m.HeapIdle = size - liveBytes
	m.HeapObjects = uint64(heads)
	m.Mallocs = c.stats.mallocs
	m.Frees = c.stats.frees
	m.TotalAlloc = c.stats.totalAlloc
	m.NumGC = uint32(c.stats.numGC)
	m.PauseTotalNs = uint64(c.stats.pauseTotal)
	for i := range c.stats.pauses {
		m.PauseNs[i] = uint64(c.stats.pauses[i])
		if end := c.stats.pauseEnds[i]; !end.IsZero() {
			m.PauseEnd[i] = uint64(end.UnixNano())
		} else {
			m.PauseEnd[i] = 0
		}
	}
	m.LastGC = 0
	if !c.stats.lastGC.IsZero() {
		m.LastGC = uint64(c.stats.lastGC.UnixNano())
	}
	m.EnableGC = c.enabled.Load()
}

// Pauses returns the recent pause durations and their end times, most
// recent first.
func (c *Collector) Pauses() (pauses []time.Duration, ends []time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.stats.numGC
	if n > pauseHistory {
		n = pauseHistory
	}
	for i := uint64(0); i < n; i++ {
		j := (c.stats.numGC - 1 - i) % pauseHistory
		pauses = append(pauses, c.stats.pauses[j])
		ends = append(ends, c.stats.pauseEnds[j])
	}
	return pauses, ends
}

// DumpHeapStatistics writes a human-readable report to w. Level 0 prints a
// one-line summary, level 1 adds per-kind counts, counters and the free range
// histogram, level 2 and above add a map of every block. It has no effect on
// the heap.
func (c *Collector) DumpHeapStatistics(w io.Writer, level int) error {
	st := c.Stats()
	_, err := fmt.Fprintf(w, "heap: %s live in %d objects, %s free of %s (max %s), %d collections\n",
		formatBytes(uintptr(st.LiveBytes)), st.Objects,
		formatBytes(uintptr(st.FreeBytes)), formatBytes(uintptr(st.HeapSize)),
		formatBytes(uintptr(st.HeapCapacity)), st.Counters.NumGC)
	if err != nil || level < 1 {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "kind\tobjects\tbytes\tblocks\t")
	for _, ks := range st.Kinds {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t\n", ks.Kind, ks.Objects, formatBytes(uintptr(ks.Bytes)), ks.Blocks)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	cnt := st.Counters
	fmt.Fprintf(w, "mallocs %d, frees %d, total allocated %s\n",
		cnt.Mallocs, cnt.Frees, formatBytes(uintptr(cnt.TotalAlloc)))
	fmt.Fprintf(w, "finalizable %d, pending %d (%d finalizers, %d weakref callbacks), pinned %d\n",
		st.Finalizable, st.Pending, cnt.PendingFinalizers, cnt.PendingWeakRefCBs, st.Pinned)
	fmt.Fprintf(w, "pause total %v, enabled %v, phase %s\n", cnt.PauseTotal, st.Enabled, st.Phase)
	for _, r := range st.FreeRanges {
		fmt.Fprintf(w, "free ranges of %d blocks: %d\n", r.Blocks, r.Count)
	}
	if level < 2 {
		return nil
	}

	c.mu.Lock()
	c.heap.WriteBlockMap(w, useColor(w))
	c.mu.Unlock()
	return nil
}

// useColor reports whether w is a terminal that understands ANSI escapes.
func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func formatBytes(n uintptr) string {
	return bytesize.New(float64(n)).String()
}
