package heap

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestHeap(t *testing.T, initialBlocks, maxBlocks uintptr) *Heap {
	t.Helper()
	h, err := New(initialBlocks*BytesPerBlock, maxBlocks*BytesPerBlock)
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestNewInvalidSize(t *testing.T) {
	if _, err := New(0, 1024); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("New(0, 1024) returned %v, want ErrInvalidSize", err)
	}
	if _, err := New(4096, 1024); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("New(4096, 1024) returned %v, want ErrInvalidSize", err)
	}
}

func TestAllocAndFindHead(t *testing.T) {
	h := newTestHeap(t, 64, 64)

	small, ok := h.Alloc(1)
	if !ok {
		t.Fatal("Alloc(1) failed")
	}
	big, ok := h.Alloc(3*BytesPerBlock + 1)
	if !ok {
		t.Fatal("Alloc(3 blocks + 1) failed")
	}
	if size := h.SizeOf(h.BlockOf(big)); size != 4*BytesPerBlock {
		t.Errorf("SizeOf returned %d, want %d", size, 4*BytesPerBlock)
	}
	if size := h.SizeOf(h.BlockOf(small)); size != BytesPerBlock {
		t.Errorf("SizeOf returned %d, want %d", size, BytesPerBlock)
	}

	// Interior pointers resolve to the head.
	for _, addr := range []uintptr{big, big + 8, big + 3*BytesPerBlock + 5} {
		head, ok := h.FindHead(addr)
		if !ok || h.Address(head) != big {
			t.Errorf("FindHead(%#x) returned %#x, %v, want %#x, true", addr, h.Address(head), ok, big)
		}
	}
	if !h.IsHead(big) || h.IsHead(big+BytesPerBlock) {
		t.Errorf("IsHead did not distinguish the head from a tail")
	}

	// Free space and addresses outside the heap do not resolve.
	if _, ok := h.FindHead(h.Address(60)); ok {
		t.Errorf("FindHead on a free block returned true")
	}
	if _, ok := h.FindHead(h.Start() - 1); ok {
		t.Errorf("FindHead before the heap returned true")
	}
	if _, ok := h.FindHead(h.Start() + h.Size()); ok {
		t.Errorf("FindHead past the heap returned true")
	}
}

func TestAllocHugeSize(t *testing.T) {
	h := newTestHeap(t, 16, 16)
	for _, size := range []uintptr{^uintptr(0), ^uintptr(0) - 20, 17 * BytesPerBlock} {
		if _, ok := h.Alloc(size); ok {
			t.Errorf("Alloc(%#x) succeeded on a heap of %d bytes", size, h.Size())
		}
	}
	if _, ok := h.Alloc(16 * BytesPerBlock); !ok {
		t.Errorf("Alloc of the whole heap failed")
	}
}

func TestAllocZeroes(t *testing.T) {
	h := newTestHeap(t, 8, 8)
	addr, _ := h.Alloc(BytesPerBlock)
	for i := range Bytes(addr, BytesPerBlock) {
		Bytes(addr, BytesPerBlock)[i] = 0xff
	}
	h.Free(h.BlockOf(addr))
	addr, _ = h.Alloc(BytesPerBlock)
	if !bytes.Equal(Bytes(addr, BytesPerBlock), make([]byte, BytesPerBlock)) {
		t.Errorf("reused block was not zeroed")
	}
}

func TestMarkUnmark(t *testing.T) {
	h := newTestHeap(t, 8, 8)
	addr, _ := h.Alloc(2 * BytesPerBlock)
	b := h.BlockOf(addr)

	if !h.Mark(b) {
		t.Errorf("first Mark returned false, want true")
	}
	if h.Mark(b) {
		t.Errorf("second Mark returned true, want false")
	}
	if !h.Marked(b) {
		t.Errorf("Marked returned false after Mark")
	}
	// A marked head still resolves interior pointers.
	if head, ok := h.FindHead(addr + BytesPerBlock); !ok || head != b {
		t.Errorf("FindHead on marked allocation returned %d, %v", head, ok)
	}
	h.Unmark(b)
	if h.Marked(b) {
		t.Errorf("Marked returned true after Unmark")
	}
	if size := h.SizeOf(b); size != 2*BytesPerBlock {
		t.Errorf("SizeOf after Unmark returned %d, want %d", size, 2*BytesPerBlock)
	}
}

func TestExhaustionAndGrow(t *testing.T) {
	h := newTestHeap(t, 4, 16)
	for i := 0; i < 4; i++ {
		if _, ok := h.Alloc(BytesPerBlock); !ok {
			t.Fatalf("Alloc %d failed", i)
		}
	}
	if _, ok := h.Alloc(BytesPerBlock); ok {
		t.Fatalf("Alloc on a full heap succeeded")
	}
	if !h.Grow() {
		t.Fatalf("Grow returned false")
	}
	if h.Size() != 8*BytesPerBlock {
		t.Errorf("Size after Grow returned %d, want %d", h.Size(), 8*BytesPerBlock)
	}
	if _, ok := h.Alloc(4 * BytesPerBlock); !ok {
		t.Errorf("Alloc after Grow failed")
	}
	h.Grow()
	if h.Grow() {
		t.Errorf("Grow past the capacity returned true")
	}
}

func TestFreeRangesCoalesce(t *testing.T) {
	h := newTestHeap(t, 8, 8)
	var addrs []uintptr
	for i := 0; i < 8; i++ {
		addr, _ := h.Alloc(BytesPerBlock)
		addrs = append(addrs, addr)
	}
	// Free two neighbours: individually they are two 1-block ranges.
	h.Free(h.BlockOf(addrs[2]))
	h.Free(h.BlockOf(addrs[3]))
	if _, ok := h.Alloc(2 * BytesPerBlock); ok {
		t.Fatalf("Alloc of 2 blocks succeeded before the free list was rebuilt")
	}
	if free := h.RebuildFreeRanges(); free != 2*BytesPerBlock {
		t.Errorf("RebuildFreeRanges returned %d, want %d", free, 2*BytesPerBlock)
	}
	counts := h.FreeRangeCounts()
	if len(counts) != 1 || counts[0] != (RangeCount{Blocks: 2, Count: 1}) {
		t.Errorf("FreeRangeCounts returned %v, want [{2 1}]", counts)
	}
	if addr, ok := h.Alloc(2 * BytesPerBlock); !ok || addr != addrs[2] {
		t.Errorf("Alloc returned %#x, %v, want %#x, true", addr, ok, addrs[2])
	}
}

func TestHeadsAndFreeBlock(t *testing.T) {
	h := newTestHeap(t, 16, 16)
	a, _ := h.Alloc(BytesPerBlock)
	b, _ := h.Alloc(3 * BytesPerBlock)
	c, _ := h.Alloc(BytesPerBlock)

	var seen []uintptr
	h.Heads(func(blk Block) {
		seen = append(seen, h.Address(blk))
		if h.Address(blk) == b {
			h.FreeBlock(blk)
		}
	})
	if len(seen) != 3 || seen[0] != a || seen[1] != b || seen[2] != c {
		t.Errorf("Heads visited %#x, want [%#x %#x %#x]", seen, a, b, c)
	}
	heads, tails := h.Usage()
	if heads != 2 || tails != 0 {
		t.Errorf("Usage returned %d, %d, want 2, 0", heads, tails)
	}
}

func TestWriteBlockMap(t *testing.T) {
	h := newTestHeap(t, 8, 8)
	addr, _ := h.Alloc(2 * BytesPerBlock)
	h.Alloc(BytesPerBlock)
	h.Mark(h.BlockOf(addr))

	var buf bytes.Buffer
	h.WriteBlockMap(&buf, false)
	if got := strings.TrimSpace(buf.String()); got != "#-*·····" {
		t.Errorf("WriteBlockMap returned %q, want %q", got, "#-*·····")
	}
}
