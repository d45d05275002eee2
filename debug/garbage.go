// Package debug contains facilities for programs to debug a collector while
// it is running.
package debug

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/gofrs/flock"
	"github.com/tinygo-org/blockgc/gc"
	"gopkg.in/yaml.v2"
)

// GCStats collect information about recent garbage collections.
type GCStats struct {
	LastGC         time.Time       // time of last collection
	NumGC          int64           // number of garbage collections
	PauseTotal     time.Duration   // total pause for all collections
	Pause          []time.Duration // pause history, most recent first
	PauseEnd       []time.Time     // pause end times history, most recent first
	PauseQuantiles []time.Duration
}

// ReadGCStats reads statistics about garbage collection into stats.
// The pause history holds up to 256 recent collections. If stats.PauseQuantiles
// is non-empty, ReadGCStats fills it with quantiles summarizing the
// distribution of pause time: the minimum, then evenly spaced quantiles, up
// to the maximum.
func ReadGCStats(c *gc.Collector, stats *GCStats) {
	counters := c.Stats().Counters
	stats.LastGC = counters.LastGC
	stats.NumGC = int64(counters.NumGC)
	stats.PauseTotal = counters.PauseTotal
	stats.Pause, stats.PauseEnd = c.Pauses()

	if n := len(stats.PauseQuantiles); n > 0 {
		sorted := slices.Clone(stats.Pause)
		slices.Sort(sorted)
		for i := range stats.PauseQuantiles {
			if len(sorted) == 0 {
				stats.PauseQuantiles[i] = 0
				continue
			}
			j := 0
			if n > 1 {
				j = i * (len(sorted) - 1) / (n - 1)
			}
			stats.PauseQuantiles[i] = sorted[j]
		}
	}
}

// FreeOSMemory forces a garbage collection. The heap is never shrunk, so
// this only makes memory available to later allocations.
func FreeOSMemory(c *gc.Collector) error {
	return c.Collect()
}

// SetGCThreshold sets the number of bytes that may be allocated between two
// automatic collections and returns the previous setting. Zero collects only
// when the heap is full.
func SetGCThreshold(c *gc.Collector, threshold int64) int64 {
	if threshold < 0 {
		threshold = 0
	}
	return int64(c.SetThreshold(uintptr(threshold)))
}

// HeapDump is the content of a file written by WriteHeapDump.
type HeapDump struct {
	Time  time.Time    `yaml:"time"`
	Stats gc.HeapStats `yaml:"stats"`
}

// WriteHeapDump writes a description of the heap to the file at path, in
// YAML. Writers to the same path are serialized through a lock file next to
// it.
func WriteHeapDump(c *gc.Collector, path string) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("debug: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	data, err := yaml.Marshal(HeapDump{
		Time:  time.Now(),
		Stats: c.Stats(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadHeapDump reads a file written by WriteHeapDump.
func ReadHeapDump(path string) (*HeapDump, error) {
	lock := flock.New(path + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("debug: lock %s: %w", path, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dump := new(HeapDump)
	if err := yaml.Unmarshal(data, dump); err != nil {
		return nil, fmt.Errorf("debug: %s: %w", path, err)
	}
	return dump, nil
}
