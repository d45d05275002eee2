// Command gcstress runs a number of mutator threads that build and drop
// random object graphs on one collected heap, and reports what the
// collector did.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/tinygo-org/blockgc/debug"
	"github.com/tinygo-org/blockgc/diagnostics"
	"github.com/tinygo-org/blockgc/gc"
	"github.com/tinygo-org/blockgc/heap"
	"github.com/tinygo-org/blockgc/metrics"
	"github.com/tinygo-org/blockgc/task"
)

// Node layout, in words: class, left, right, data.
const nodeWords = 4

type counters struct {
	finalized atomic.Uint64
	cleared   atomic.Uint64
}

// slot kinds, tracked next to the published stack
const (
	slotEmpty = iota
	slotNode
	slotBuffer
	slotArray
)

type mutator struct {
	c     *gc.Collector
	th    *task.Thread
	node  gc.ClassID
	rng   *rand.Rand
	cnt   *counters
	stack []uintptr
	kinds []byte
}

func (m *mutator) run(ops int) error {
	for i := 0; i < ops; i++ {
		m.th.SafePoint()
		if err := m.step(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mutator) step() error {
	i := m.rng.Intn(len(m.stack))
	var err error
	switch op := m.rng.Intn(100); {
	case op < 40:
		m.th.Do(func() {
			err = m.c.AllocObjectTo(&m.stack[i], m.node, nodeWords*heap.WordSize)
		})
		if err == nil {
			m.kinds[i] = slotNode
		}
	case op < 55:
		m.link(i, m.rng.Intn(len(m.stack)))
	case op < 67:
		err = m.buffer(i)
	case op < 72:
		n := 1 + m.rng.Intn(16)
		m.th.Do(func() {
			err = m.c.AllocTo(&m.stack[i], uintptr(n)*heap.WordSize, gc.KindPrecise)
		})
		if err == nil {
			m.kinds[i] = slotArray
			words := heap.Words(m.stack[i], uintptr(n))
			for j := range words {
				words[j] = m.stack[m.rng.Intn(len(m.stack))]
			}
		}
	case op < 77:
		if m.kinds[i] == slotNode {
			p := m.stack[i]
			m.th.Do(func() {
				_, err = m.c.NewWeakRef(p, func(*gc.WeakRef) { m.cnt.cleared.Add(1) })
			})
		}
	case op < 80:
		m.th.Do(func() {
			var p uintptr
			if p, err = m.c.Alloc(uintptr(8+m.rng.Intn(256)), gc.KindUntracked); err == nil {
				m.c.Free(p)
			}
		})
	case op < 81:
		m.th.Do(func() {
			if err = m.c.Collect(); errors.Is(err, gc.ErrCollectionDeferred) {
				err = nil
			}
		})
	default:
		m.stack[i] = 0
		m.kinds[i] = slotEmpty
	}
	return err
}

// link stores the object in slot j into a field of the node in slot i.
func (m *mutator) link(i, j int) {
	if m.kinds[i] != slotNode {
		return
	}
	fields := heap.Words(m.stack[i], nodeWords)
	fields[1+m.rng.Intn(nodeWords-1)] = m.stack[j]
}

// buffer allocates a conservatively scanned buffer in slot i. Some buffers
// get a finalizer; those only hold plain integers so they never keep
// anything alive.
func (m *mutator) buffer(i int) error {
	n := uintptr(2 + m.rng.Intn(62))
	var err error
	m.th.Do(func() {
		err = m.c.AllocTo(&m.stack[i], n*heap.WordSize, gc.KindConservative)
	})
	if err != nil {
		return err
	}
	m.kinds[i] = slotBuffer
	finalize := m.rng.Intn(4) == 0
	words := heap.Words(m.stack[i], n)
	for j := range words {
		if finalize || m.rng.Intn(2) == 0 {
			words[j] = uintptr(m.rng.Uint32())
		} else {
			words[j] = m.stack[m.rng.Intn(len(m.stack))]
		}
	}
	if finalize {
		p := m.stack[i]
		m.th.Do(func() {
			err = m.c.SetFinalizer(p, func(uintptr) { m.cnt.finalized.Add(1) })
		})
	}
	return err
}

func loadConfig(path, options string) (gc.Config, error) {
	var cfg gc.Config
	var err error
	if path != "" {
		cfg, err = gc.LoadConfig(path)
	} else {
		cfg, err = gc.ConfigFromEnv()
	}
	if err != nil {
		return cfg, err
	}
	err = cfg.Set(options)
	return cfg, err
}

func printMetrics(w io.Writer, c *gc.Collector) {
	descs := metrics.All()
	samples := make([]metrics.Sample, len(descs))
	for i := range descs {
		samples[i].Name = descs[i].Name
	}
	metrics.Read(c, samples)
	for _, s := range samples {
		switch s.Value.Kind() {
		case metrics.KindUint64:
			fmt.Fprintf(w, "%-32s %d\n", s.Name, s.Value.Uint64())
		case metrics.KindFloat64:
			fmt.Fprintf(w, "%-32s %g\n", s.Name, s.Value.Float64())
		case metrics.KindFloat64Histogram:
			var n uint64
			for _, count := range s.Value.Float64Histogram().Counts {
				n += count
			}
			fmt.Fprintf(w, "%-32s %d samples\n", s.Name, n)
		}
	}
}

// handleHeapError prints a broken heap invariant and exits. The collector
// lock may still be held, so nothing else can safely run.
func handleHeapError(w io.Writer, thread uintptr) {
	r := recover()
	if r == nil {
		return
	}
	heapErr, ok := r.(*gc.HeapError)
	if !ok {
		panic(r)
	}
	diagnostics.CreateDiagnostics(&diagnostics.ThreadError{Thread: thread, Err: heapErr}).WriteTo(w)
	os.Exit(2)
}

func main() {
	threads := flag.Int("threads", 4, "number of mutator threads")
	ops := flag.Int("ops", 20000, "operations per thread")
	slots := flag.Int("slots", 64, "root slots per thread")
	seed := flag.Int64("seed", 0, "random seed (0 uses the time)")
	options := flag.String("options", "", "collector options, applied after -config or $"+gc.OptionsEnv)
	configPath := flag.String("config", "", "YAML collector configuration")
	interval := flag.Duration("interval", 10*time.Millisecond, "collect from outside the threads this often (0 disables)")
	statsLevel := flag.Int("stats", 1, "heap statistics detail (0-2)")
	dumpPath := flag.String("dump", "", "write a heap dump to this file at exit")
	verbose := flag.Bool("v", false, "log every collection")
	flag.Parse()

	stdout := colorable.NewColorableStdout()
	stderr := colorable.NewColorableStderr()
	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(*configPath, *options)
	if err != nil {
		diagnostics.CreateDiagnostics(err).WriteTo(stderr)
		os.Exit(1)
	}
	world := task.NewWorld(logger)
	cfg.Logger = logger
	cfg.World = world
	c, err := gc.New(cfg)
	if err != nil {
		diagnostics.CreateDiagnostics(err).WriteTo(stderr)
		os.Exit(1)
	}
	defer c.Close()
	c.AddRootSource(world)
	node := c.RegisterClass(gc.Class{
		Name: "node",
		Visit: func(v *gc.Visitor, obj uintptr) {
			v.VisitPotentialRange(heap.Words(obj, nodeWords)[1:])
		},
	})

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	logger.Info("starting", "threads", *threads, "ops", *ops, "seed", *seed)

	var cnt counters
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := time.Now()
	for n := 0; n < *threads; n++ {
		m := &mutator{
			c:     c,
			node:  node,
			rng:   rand.New(rand.NewSource(*seed + int64(n))),
			cnt:   &cnt,
			stack: make([]uintptr, *slots),
			kinds: make([]byte, *slots),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.th = world.Register()
			defer handleHeapError(stderr, m.th.ID())
			m.th.SetStack(m.stack)
			err := m.run(*ops)
			m.th.Unregister()
			if err != nil {
				mu.Lock()
				errs = append(errs, &diagnostics.ThreadError{Thread: m.th.ID(), Err: err})
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if *interval > 0 {
		ticker := time.NewTicker(*interval)
		func() {
			defer handleHeapError(stderr, 0)
			for {
				select {
				case <-ticker.C:
					if err := c.Collect(); err != nil && !errors.Is(err, gc.ErrCollectionDeferred) {
						logger.Warn("collect", "err", err)
					}
				case <-done:
					return
				}
			}
		}()
		ticker.Stop()
	} else {
		<-done
	}
	elapsed := time.Since(start)

	// Everything left is garbage now.
	func() {
		defer handleHeapError(stderr, 0)
		if err := c.Collect(); err != nil {
			errs = append(errs, err)
		}
		c.CallPendingDestructionLogic()
	}()

	title := fmt.Sprintf("%d threads, %d ops each, %v", *threads, *ops, elapsed.Round(time.Millisecond))
	if color {
		title = "\x1b[1m" + title + "\x1b[0m"
	}
	fmt.Fprintln(stdout, title)
	fmt.Fprintf(stdout, "finalizers run %d, weak references cleared %d\n", cnt.finalized.Load(), cnt.cleared.Load())
	if err := c.DumpHeapStatistics(stdout, *statsLevel); err != nil {
		errs = append(errs, err)
	}
	printMetrics(stdout, c)

	var stats debug.GCStats
	stats.PauseQuantiles = make([]time.Duration, 5)
	debug.ReadGCStats(c, &stats)
	fmt.Fprintf(stdout, "pause quantiles %v\n", stats.PauseQuantiles)

	if *dumpPath != "" {
		if err := debug.WriteHeapDump(c, *dumpPath); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		diagnostics.CreateDiagnostics(err).WriteTo(stderr)
		os.Exit(1)
	}
}
