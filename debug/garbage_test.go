package debug

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tinygo-org/blockgc/gc"
)

func newCollector(t *testing.T) *gc.Collector {
	t.Helper()
	cfg := gc.DefaultConfig()
	cfg.InitialHeap = 16 << 10
	cfg.MaxHeap = 64 << 10
	c, err := gc.New(cfg)
	if err != nil {
		t.Fatalf("gc.New returned %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestReadGCStats(t *testing.T) {
	c := newCollector(t)
	var stats GCStats
	ReadGCStats(c, &stats)
	if stats.NumGC != 0 || len(stats.Pause) != 0 || !stats.LastGC.IsZero() {
		t.Errorf("ReadGCStats before any collection returned %+v", stats)
	}

	for i := 0; i < 3; i++ {
		if err := FreeOSMemory(c); err != nil {
			t.Fatalf("FreeOSMemory returned %v", err)
		}
	}
	stats.PauseQuantiles = make([]time.Duration, 5)
	ReadGCStats(c, &stats)
	if stats.NumGC != 3 || len(stats.Pause) != 3 || len(stats.PauseEnd) != 3 {
		t.Errorf("ReadGCStats returned NumGC %d with %d pauses, want 3 and 3", stats.NumGC, len(stats.Pause))
	}
	if stats.LastGC != stats.PauseEnd[0] {
		t.Errorf("LastGC %v is not the most recent pause end %v", stats.LastGC, stats.PauseEnd[0])
	}
	for i := 1; i < len(stats.PauseQuantiles); i++ {
		if stats.PauseQuantiles[i] < stats.PauseQuantiles[i-1] {
			t.Errorf("PauseQuantiles is not sorted: %v", stats.PauseQuantiles)
		}
	}
}

func TestSetGCThreshold(t *testing.T) {
	c := newCollector(t)
	if prev := SetGCThreshold(c, 4096); prev != 0 {
		t.Errorf("SetGCThreshold returned %d, want 0", prev)
	}
	if prev := SetGCThreshold(c, -1); prev != 4096 {
		t.Errorf("SetGCThreshold returned %d, want 4096", prev)
	}
}

func TestWriteHeapDump(t *testing.T) {
	c := newCollector(t)
	var root uintptr
	c.AddRoot(&root)
	root, _ = c.Alloc(100, gc.KindConservative)
	c.Alloc(10, gc.KindUntracked)
	FreeOSMemory(c)

	path := filepath.Join(t.TempDir(), "heap.yaml")
	if err := WriteHeapDump(c, path); err != nil {
		t.Fatalf("WriteHeapDump returned %v", err)
	}
	dump, err := ReadHeapDump(path)
	if err != nil {
		t.Fatalf("ReadHeapDump returned %v", err)
	}
	if dump.Stats.Objects != 1 || dump.Stats.Counters.NumGC != 1 {
		t.Errorf("dump has %d objects after %d collections, want 1 after 1", dump.Stats.Objects, dump.Stats.Counters.NumGC)
	}
	for _, ks := range dump.Stats.Kinds {
		if ks.Kind == gc.KindConservative && ks.Bytes != 100 {
			t.Errorf("dump has %d conservative bytes, want 100", ks.Bytes)
		}
	}
}
