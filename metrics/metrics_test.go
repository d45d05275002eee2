package metrics

import (
	"strings"
	"testing"

	"github.com/tinygo-org/blockgc/gc"
)

func TestAll(t *testing.T) {
	seen := map[string]bool{}
	for _, d := range All() {
		if seen[d.Name] {
			t.Errorf("metric %s is described twice", d.Name)
		}
		seen[d.Name] = true
		if !strings.HasPrefix(d.Name, "/gc/") || !strings.Contains(d.Name, ":") {
			t.Errorf("metric name %q is malformed", d.Name)
		}
		if d.Kind == KindBad {
			t.Errorf("metric %s has no kind", d.Name)
		}
	}
}

func TestRead(t *testing.T) {
	cfg := gc.DefaultConfig()
	cfg.InitialHeap = 16 << 10
	c, err := gc.New(cfg)
	if err != nil {
		t.Fatalf("gc.New returned %v", err)
	}
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.Alloc(40, gc.KindUntracked)
	}
	c.Collect()
	c.Collect()

	samples := make([]Sample, 0, len(All())+1)
	for _, d := range All() {
		samples = append(samples, Sample{Name: d.Name})
	}
	samples = append(samples, Sample{Name: "/gc/unknown:bytes"})
	Read(c, samples)

	values := map[string]Value{}
	for i, s := range samples {
		values[s.Name] = s.Value
		if i < len(All()) && s.Value.Kind() != All()[i].Kind {
			t.Errorf("%s has kind %d, want %d", s.Name, s.Value.Kind(), All()[i].Kind)
		}
	}
	if v := values["/gc/unknown:bytes"]; v.Kind() != KindBad {
		t.Errorf("unknown metric has kind %d, want KindBad", v.Kind())
	}
	for name, want := range map[string]uint64{
		"/gc/cycles/total:gc-cycles": 2,
		"/gc/heap/allocs:objects":    10,
		"/gc/heap/allocs:bytes":      400,
		"/gc/heap/frees:objects":     10,
		"/gc/heap/objects:objects":   0,
		"/gc/heap/size:bytes":        16 << 10,
		"/gc/heap/free:bytes":        16 << 10,
	} {
		if got := values[name].Uint64(); got != want {
			t.Errorf("%s returned %d, want %d", name, got, want)
		}
	}
	if v := values["/gc/pauses/total:seconds"].Float64(); v < 0 {
		t.Errorf("pause total is negative: %v", v)
	}
	h := values["/gc/pauses:seconds"].Float64Histogram()
	var total uint64
	for _, n := range h.Counts {
		total += n
	}
	if total != 2 || len(h.Buckets) != len(h.Counts)+1 {
		t.Errorf("pause histogram has %d samples in %d buckets", total, len(h.Counts))
	}
}

func TestValuePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Float64 on a uint64 value did not panic")
		}
	}()
	uint64Value(1).Float64()
}
