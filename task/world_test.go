package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinygo-org/blockgc/gc"
)

func TestStopTheWorldParksThreads(t *testing.T) {
	w := NewWorld(nil)
	var counter atomic.Int64
	var stop atomic.Bool
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		th := w.Register()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				counter.Add(1)
				th.SafePoint()
			}
			th.Unregister()
		}()
	}
	if n := w.Threads(); n != 4 {
		t.Errorf("Threads returned %d, want 4", n)
	}

	for i := 0; i < 3; i++ {
		w.StopTheWorld()
		before := counter.Load()
		time.Sleep(5 * time.Millisecond)
		if after := counter.Load(); after != before {
			t.Errorf("threads made progress while the world was stopped (%d -> %d)", before, after)
		}
		w.ResumeTheWorld()
	}

	stop.Store(true)
	wg.Wait()
	if n := w.Threads(); n != 0 {
		t.Errorf("Threads after Unregister returned %d, want 0", n)
	}
}

func TestDoCountsAsParked(t *testing.T) {
	w := NewWorld(nil)
	th := w.Register()
	defer th.Unregister()

	done := make(chan struct{})
	go func() {
		defer close(done)
		th.Do(func() {
			// Nested calls and a stop from inside Do must not deadlock.
			th.Do(func() {
				w.StopTheWorld()
				th.SafePoint()
				w.ResumeTheWorld()
			})
		})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("StopTheWorld inside Do deadlocked")
	}
}

func TestDoWaitsForResume(t *testing.T) {
	w := NewWorld(nil)
	th := w.Register()
	defer th.Unregister()

	entered := make(chan struct{})
	release := make(chan struct{})
	var returned atomic.Bool
	go func() {
		th.Do(func() {
			close(entered)
			<-release
		})
		returned.Store(true)
	}()
	<-entered

	// The thread is parked inside Do, so the world can stop.
	w.StopTheWorld()
	close(release)
	time.Sleep(5 * time.Millisecond)
	if returned.Load() {
		t.Errorf("Do returned while the world was stopped")
	}
	w.ResumeTheWorld()
	for i := 0; i < 1000 && !returned.Load(); i++ {
		time.Sleep(time.Millisecond)
	}
	if !returned.Load() {
		t.Errorf("Do did not return after the world resumed")
	}
}

func TestWorldScansStacks(t *testing.T) {
	w := NewWorld(nil)
	cfg := gc.DefaultConfig()
	cfg.InitialHeap = 16 << 10
	cfg.World = w
	c, err := gc.New(cfg)
	if err != nil {
		t.Fatalf("gc.New returned %v", err)
	}
	defer c.Close()
	c.AddRootSource(w)

	th := w.Register()
	defer th.Unregister()

	var p uintptr
	th.Do(func() {
		p, err = c.Alloc(64, gc.KindUntracked)
	})
	if err != nil {
		t.Fatalf("Alloc returned %v", err)
	}
	stack := []uintptr{0, 12345, p + 9}
	th.SetStack(stack)
	th.Do(func() { err = c.Collect() })
	if err != nil {
		t.Fatalf("Collect returned %v", err)
	}
	if !c.IsValidGCMemory(p) {
		t.Errorf("allocation referenced from a thread stack was freed")
	}

	th.SetStack(nil)
	th.Do(func() { err = c.Collect() })
	if c.IsValidGCMemory(p) {
		t.Errorf("allocation survived after the stack dropped it")
	}
}

func TestCollectAcrossThreads(t *testing.T) {
	w := NewWorld(nil)
	cfg := gc.DefaultConfig()
	cfg.InitialHeap = 16 << 10
	cfg.MaxHeap = 1 << 20
	cfg.Threshold = 4 << 10
	cfg.Asserts = true
	cfg.World = w
	c, err := gc.New(cfg)
	if err != nil {
		t.Fatalf("gc.New returned %v", err)
	}
	defer c.Close()
	c.AddRootSource(w)

	const threads = 3
	var (
		wg       sync.WaitGroup
		ready    sync.WaitGroup
		verified = make(chan struct{})
		stacks   [threads][]uintptr
		errs     [threads]error
	)
	for n := 0; n < threads; n++ {
		stack := make([]uintptr, 8)
		stacks[n] = stack
		wg.Add(1)
		ready.Add(1)
		go func(n int) {
			defer wg.Done()
			th := w.Register()
			th.SetStack(stack)
			for i := 0; i < 200 && errs[n] == nil; i++ {
				th.SafePoint()
				th.Do(func() {
					errs[n] = c.AllocTo(&stack[i%len(stack)], 32, gc.KindConservative)
				})
				if i%50 == 49 {
					th.Do(func() { errs[n] = c.Collect() })
				}
			}
			// Stay parked while the stacks are checked.
			th.Do(func() {
				ready.Done()
				<-verified
			})
			th.Unregister()
		}(n)
	}

	ready.Wait()
	if err := c.Collect(); err != nil {
		t.Errorf("Collect returned %v", err)
	}
	for n := range stacks {
		if errs[n] != nil {
			t.Errorf("thread %d: %v", n, errs[n])
		}
		for i, p := range stacks[n] {
			if _, err := c.SizeOf(p); err != nil {
				t.Errorf("thread %d slot %d: SizeOf returned %v, want a live allocation", n, i, err)
			}
		}
	}
	close(verified)
	wg.Wait()

	if err := c.Collect(); err != nil {
		t.Errorf("Collect returned %v", err)
	}
	if n := c.Stats().Objects; n != 0 {
		t.Errorf("Stats returned %d objects after every thread left, want 0", n)
	}
}
