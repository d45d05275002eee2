// Package metrics provides a stable interface to access metrics of a
// collector, modeled after runtime/metrics.
//
// Metrics are named by a path and a unit, as in "/gc/heap/live:bytes".
package metrics

import (
	"math"
	"time"

	"github.com/tinygo-org/blockgc/gc"
)

// Description describes a metric.
type Description struct {
	Name        string
	Description string
	Kind        ValueKind
	Cumulative  bool
}

var allDesc = []Description{
	{Name: "/gc/cycles/total:gc-cycles", Description: "Count of completed collection cycles.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/allocs:bytes", Description: "Cumulative sum of memory requested from the heap.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/allocs:objects", Description: "Cumulative count of heap allocations.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/frees:objects", Description: "Cumulative count of heap allocations released, by the collector or manually.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/heap/objects:objects", Description: "Number of allocations in the heap, live or not yet swept.", Kind: KindUint64},
	{Name: "/gc/heap/live:bytes", Description: "Bytes in blocks that are in use, headers included.", Kind: KindUint64},
	{Name: "/gc/heap/free:bytes", Description: "Bytes in free blocks.", Kind: KindUint64},
	{Name: "/gc/heap/size:bytes", Description: "Usable size of the heap.", Kind: KindUint64},
	{Name: "/gc/finalizers/queued:calls", Description: "Cumulative count of finalizers queued by sweeps.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/weakrefs/queued:calls", Description: "Cumulative count of weak-reference callbacks queued by sweeps.", Kind: KindUint64, Cumulative: true},
	{Name: "/gc/pauses/total:seconds", Description: "Cumulative time the world was stopped for collections.", Kind: KindFloat64, Cumulative: true},
	{Name: "/gc/pauses:seconds", Description: "Distribution of recent stop-the-world pauses.", Kind: KindFloat64Histogram},
}

// All returns a slice of containing metric descriptions for all supported metrics.
func All() []Description {
	return append([]Description(nil), allDesc...)
}

// Float64Histogram represents a distribution of float64 values.
// Counts[i] is the number of values in [Buckets[i], Buckets[i+1]).
type Float64Histogram struct {
	Counts  []uint64
	Buckets []float64
}

// Sample captures a single metric sample.
type Sample struct {
	Name  string
	Value Value
}

// ValueKind is a tag for a metric Value which indicates its type.
type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
	KindFloat64Histogram
)

// Value represents a metric value returned by Read.
type Value struct {
	kind   ValueKind
	scalar uint64
	hist   *Float64Histogram
}

// Kind returns the tag representing the kind of value this is.
func (v Value) Kind() ValueKind {
	return v.kind
}

// Uint64 returns the internal uint64 value for the metric.
// If v.Kind() != KindUint64, this method panics.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic("called Uint64 on non-uint64 metric value")
	}
	return v.scalar
}

// Float64 returns the internal float64 value for the metric.
// If v.Kind() != KindFloat64, this method panics.
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic("called Float64 on non-float64 metric value")
	}
	return math.Float64frombits(v.scalar)
}

// Float64Histogram returns the internal *Float64Histogram value for the metric.
// If v.Kind() != KindFloat64Histogram, this method panics.
func (v Value) Float64Histogram() *Float64Histogram {
	if v.kind != KindFloat64Histogram {
		panic("called Float64Histogram on non-Float64Histogram metric value")
	}
	return v.hist
}

func uint64Value(n uint64) Value {
	return Value{kind: KindUint64, scalar: n}
}

func float64Value(f float64) Value {
	return Value{kind: KindFloat64, scalar: math.Float64bits(f)}
}

// pauseBuckets are the bucket boundaries of /gc/pauses:seconds.
var pauseBuckets = []float64{0, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1, math.Inf(1)}

func pauseHistogram(pauses []time.Duration) *Float64Histogram {
	h := &Float64Histogram{
		Counts:  make([]uint64, len(pauseBuckets)-1),
		Buckets: pauseBuckets,
	}
	for _, p := range pauses {
		s := p.Seconds()
		for i := len(h.Counts) - 1; i >= 0; i-- {
			if s >= pauseBuckets[i] {
				h.Counts[i]++
				break
			}
		}
	}
	return h
}

// Read populates each Value field in the given slice of metric samples.
// Samples with unknown names get a Value of kind KindBad.
func Read(c *gc.Collector, m []Sample) {
	st := c.Stats()
	cnt := st.Counters
	var pauses []time.Duration
	for i := range m {
		var v Value
		switch m[i].Name {
		case "/gc/cycles/total:gc-cycles":
			v = uint64Value(cnt.NumGC)
		case "/gc/heap/allocs:bytes":
			v = uint64Value(cnt.TotalAlloc)
		case "/gc/heap/allocs:objects":
			v = uint64Value(cnt.Mallocs)
		case "/gc/heap/frees:objects":
			v = uint64Value(cnt.Frees)
		case "/gc/heap/objects:objects":
			v = uint64Value(st.Objects)
		case "/gc/heap/live:bytes":
			v = uint64Value(st.LiveBytes)
		case "/gc/heap/free:bytes":
			v = uint64Value(st.FreeBytes)
		case "/gc/heap/size:bytes":
			v = uint64Value(st.HeapSize)
		case "/gc/finalizers/queued:calls":
			v = uint64Value(cnt.FinalizersQueued)
		case "/gc/weakrefs/queued:calls":
			v = uint64Value(cnt.WeakRefsQueued)
		case "/gc/pauses/total:seconds":
			v = float64Value(cnt.PauseTotal.Seconds())
		case "/gc/pauses:seconds":
			if pauses == nil {
				pauses, _ = c.Pauses()
			}
			v = Value{kind: KindFloat64Histogram, hist: pauseHistogram(pauses)}
		}
		m[i].Value = v
	}
}
