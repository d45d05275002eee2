// Package heap implements the block allocator the collector carves its
// allocations from.
//
// The heap is a textbook block allocator, heavily inspired by the MicroPython
// memory manager. Memory is handed out in blocks of 4 pointers (see
// BytesPerBlock). Every allocation is rounded up to a whole number of blocks:
// the first block is the "head" and the following ones (if any) are "tail"
// blocks, so the start and end of every allocation can be found from any
// address inside it.
//
// Block states live in a separate metadata array, 2 bits per block. The four
// states are "free", "head", "tail" and "mark". The heap only knows that a
// head may be marked; what a mark means is up to the collector.
//
// The whole arena (up to the maximum heap size) is reserved at creation time
// and the usable part grows inside that reservation, so addresses never move.
//
// More information:
// https://aykevl.nl/2020/09/gc-tinygo
// https://github.com/micropython/micropython/wiki/Memory-Manager
package heap

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"unsafe"
)

const (
	wordsPerBlock      = 4 // number of pointers in an allocated block
	WordSize           = unsafe.Sizeof(uintptr(0))
	BytesPerBlock      = wordsPerBlock * WordSize
	stateBits          = 2 // how many bits a block state takes (see blockState type)
	blocksPerStateByte = 8 / stateBits
)

// ErrInvalidSize is returned by New for impossible heap sizes.
var ErrInvalidSize = errors.New("heap: invalid heap size")

// blockState stores the four states in which a block can be.
// It holds 1 bit in each nibble.
// When stored into a state byte, each bit in a nibble corresponds to a different block.
// For blocks A-D, a state byte would be laid out as 0bDCBA_DCBA.
type blockState uint8

const (
	blockStateLow  blockState = 1
	blockStateHigh blockState = 1 << blocksPerStateByte

	blockStateFree blockState = 0
	blockStateHead blockState = blockStateLow
	blockStateTail blockState = blockStateHigh
	blockStateMark blockState = blockStateLow | blockStateHigh
	blockStateMask blockState = blockStateLow | blockStateHigh
)

// blockStateEach is a mask that can be used to extract a nibble from the block state.
const blockStateEach = 1<<blocksPerStateByte - 1

// The byte value of a block where every block is a 'tail' block.
const blockStateByteAllTails = byte(blockStateTail) * blockStateEach

// String returns a human-readable version of the block state, for debugging.
func (s blockState) String() string {
	switch s {
	case blockStateFree:
		return "free"
	case blockStateHead:
		return "head"
	case blockStateTail:
		return "tail"
	case blockStateMark:
		return "mark"
	default:
		// must never happen
		return "!err"
	}
}

// Block is a block number in the heap.
type Block uintptr

// Heap is a block allocator over a fixed reservation.
// It is not safe for concurrent use; the collector serializes access.
type Heap struct {
	mem      []byte // the reservation, kept referenced for the fallback arena
	start    uintptr
	end      Block // the block just past the end of the usable space
	capacity Block // number of blocks the reservation can hold
	meta     []byte
	release  func([]byte) error

	// freeRanges is the address of the first freeRange node, or 0.
	freeRanges uintptr
}

// freeRange is a node on the outer list of range lengths.
// The free ranges are structured as two nested singly-linked lists:
// - The outer level (freeRange) has one entry for each unique range length.
// - The inner level (freeRangeMore) has one entry for each additional range of the same length.
// This two-level structure ensures that insertion/removal times are proportional to the requested length.
// Nodes live inside the free blocks themselves and link by address.
type freeRange struct {
	// len is the length of this free range.
	len uintptr

	// nextLen is the next longer free range.
	nextLen uintptr

	// nextWithLen is the next free range with this length.
	nextWithLen uintptr
}

// freeRangeMore is a node on the inner list of equal-length ranges.
type freeRangeMore struct {
	next uintptr
}

func rangeAt(addr uintptr) *freeRange {
	return (*freeRange)(unsafe.Pointer(addr))
}

func moreAt(addr uintptr) *freeRangeMore {
	return (*freeRangeMore)(unsafe.Pointer(addr))
}

// New reserves maxSize bytes of address space and makes the first
// initialSize bytes of it available for allocation.
func New(initialSize, maxSize uintptr) (*Heap, error) {
	if initialSize < BytesPerBlock || maxSize < initialSize {
		return nil, fmt.Errorf("%w: initial %d, max %d", ErrInvalidSize, initialSize, maxSize)
	}
	capacity := Block(maxSize / BytesPerBlock)
	mem, release, err := reserve(uintptr(capacity) * BytesPerBlock)
	if err != nil {
		return nil, fmt.Errorf("heap: reserve %d bytes: %w", maxSize, err)
	}
	h := &Heap{
		mem:      mem,
		start:    uintptr(unsafe.Pointer(&mem[0])),
		end:      Block(initialSize / BytesPerBlock),
		capacity: capacity,
		meta:     make([]byte, (capacity+blocksPerStateByte-1)/blocksPerStateByte),
		release:  release,
	}
	h.RebuildFreeRanges()
	return h, nil
}

// Close returns the reservation to the operating system. The heap must not
// be used afterwards.
func (h *Heap) Close() error {
	if h.release == nil {
		return nil
	}
	err := h.release(h.mem)
	h.mem, h.meta, h.release = nil, nil, nil
	h.end, h.capacity, h.freeRanges = 0, 0, 0
	return err
}

// Start returns the address of the first block.
func (h *Heap) Start() uintptr {
	return h.start
}

// Size returns the number of usable bytes.
func (h *Heap) Size() uintptr {
	return uintptr(h.end) * BytesPerBlock
}

// Capacity returns the number of bytes the heap can grow to.
func (h *Heap) Capacity() uintptr {
	return uintptr(h.capacity) * BytesPerBlock
}

// Contains reports whether addr points somewhere inside the usable heap.
func (h *Heap) Contains(addr uintptr) bool {
	return addr >= h.start && addr < h.start+h.Size()
}

// BlockOf returns the block containing addr, which must be on the heap
// (but might not be block-aligned).
func (h *Heap) BlockOf(addr uintptr) Block {
	return Block((addr - h.start) / BytesPerBlock)
}

// Address returns the address of the start of block b.
func (h *Heap) Address(b Block) uintptr {
	return h.start + uintptr(b)*BytesPerBlock
}

func (h *Heap) stateByte(b Block) byte {
	return h.meta[b/blocksPerStateByte]
}

// Return the block state given a state byte. The state byte must have been
// obtained using h.stateByte(b), otherwise the result is incorrect.
func (b Block) stateFromByte(stateByte byte) blockState {
	return blockState(stateByte>>(b%blocksPerStateByte)) & blockStateMask
}

func (h *Heap) state(b Block) blockState {
	return b.stateFromByte(h.stateByte(b))
}

// setState sets block b to the given state, which must contain more bits
// than the current state. Allowed transitions: from free to any state and
// from head to mark.
func (h *Heap) setState(b Block, newState blockState) {
	h.meta[b/blocksPerStateByte] |= uint8(newState << (b % blocksPerStateByte))
}

// putState overwrites the state of block b.
func (h *Heap) putState(b Block, newState blockState) {
	shift := b % blocksPerStateByte
	i := b / blocksPerStateByte
	h.meta[i] = h.meta[i]&^uint8(blockStateMask<<shift) | uint8(newState<<shift)
}

// findHead returns the head (first block) of an allocation, assuming the
// block belongs to an allocated object. It returns the same block if this
// block already is the head.
func (h *Heap) findHead(b Block) Block {
	for {
		// Optimization: check whether the current block state byte (which
		// contains the state of multiple blocks) is composed entirely of tail
		// blocks. If so, we can skip back to the last block in the previous
		// state byte.
		stateByte := h.stateByte(b)
		if stateByte == blockStateByteAllTails {
			b -= (b % blocksPerStateByte) + 1
			continue
		}

		if b.stateFromByte(stateByte) != blockStateTail {
			break
		}
		b--
	}
	return b
}

// findNext returns the first block just past the end of the tail. This may or
// may not be the head of an allocation.
func (h *Heap) findNext(b Block) Block {
	if s := h.state(b); s == blockStateHead || s == blockStateMark {
		b++
	}
	for b < h.end && h.state(b) == blockStateTail {
		b++
	}
	return b
}

// FindHead resolves any address inside an allocated block (including
// interior pointers) to the head block of its allocation. It reports false
// for addresses outside the heap and for free blocks.
func (h *Heap) FindHead(addr uintptr) (Block, bool) {
	if !h.Contains(addr) {
		return 0, false
	}
	b := h.BlockOf(addr)
	if h.state(b) == blockStateFree {
		// Either a dangling pointer or, much more likely, a false positive.
		return 0, false
	}
	head := h.findHead(b)
	if s := h.state(head); s != blockStateHead && s != blockStateMark {
		return 0, false
	}
	return head, true
}

// IsHead reports whether addr is the exact start of an allocation.
func (h *Heap) IsHead(addr uintptr) bool {
	if !h.Contains(addr) || (addr-h.start)%BytesPerBlock != 0 {
		return false
	}
	s := h.state(h.BlockOf(addr))
	return s == blockStateHead || s == blockStateMark
}

// Mark marks the head block b. It returns false if b was already marked.
func (h *Heap) Mark(b Block) bool {
	if h.state(b) == blockStateMark {
		return false
	}
	h.setState(b, blockStateMark)
	return true
}

// Marked reports whether head block b is marked.
func (h *Heap) Marked(b Block) bool {
	return h.state(b) == blockStateMark
}

// Unmark clears the mark of head block b.
func (h *Heap) Unmark(b Block) {
	h.putState(b, blockStateHead)
}

// SizeOf returns the number of bytes occupied by the allocation starting at
// head block b, rounded up to whole blocks.
func (h *Heap) SizeOf(b Block) uintptr {
	return uintptr(h.findNext(b)-b) * BytesPerBlock
}

// Bytes returns n bytes of heap memory starting at addr.
func Bytes(addr, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Words returns n words of heap memory starting at addr, which must be
// pointer-aligned.
func Words(addr, n uintptr) []uintptr {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*uintptr)(unsafe.Pointer(addr)), n)
}

// Alloc claims enough blocks for size bytes and returns the zeroed start
// address. It reports false if no free range is long enough; the caller
// decides whether to collect or grow.
func (h *Heap) Alloc(size uintptr) (uintptr, bool) {
	if size == 0 {
		size = 1
	}
	neededBlocks := size / BytesPerBlock
	if size%BytesPerBlock != 0 {
		neededBlocks++
	}
	if neededBlocks > uintptr(h.end) {
		return 0, false
	}
	addr := h.popFreeRange(neededBlocks)
	if addr == 0 {
		return 0, false
	}

	// Set the backing blocks as being allocated.
	block := h.BlockOf(addr)
	h.setState(block, blockStateHead)
	for i := block + 1; i != block+Block(neededBlocks); i++ {
		h.setState(i, blockStateTail)
	}
	clear(Bytes(addr, neededBlocks*BytesPerBlock))
	return addr, true
}

// FreeBlock marks the allocation starting at head block b as free without
// returning it to the free ranges. RebuildFreeRanges must be called before
// the next Alloc.
func (h *Heap) FreeBlock(b Block) {
	next := h.findNext(b)
	for i := b; i < next; i++ {
		h.putState(i, blockStateFree)
	}
}

// Free releases the allocation starting at head block b and makes its blocks
// available for allocation right away.
func (h *Heap) Free(b Block) {
	next := h.findNext(b)
	h.FreeBlock(b)
	h.insertFreeRange(h.Address(b), uintptr(next-b))
}

// Heads calls fn for every allocation, in address order. fn may free the
// block it is given.
func (h *Heap) Heads(fn func(b Block)) {
	for b := Block(0); b < h.end; {
		switch h.state(b) {
		case blockStateHead, blockStateMark:
			next := h.findNext(b)
			fn(b)
			b = next
		default:
			b++
		}
	}
}

// Grow extends the usable heap inside the reservation, at least doubling it
// when possible. It reports false when the reservation is exhausted.
func (h *Heap) Grow() bool {
	if h.end == h.capacity {
		return false
	}
	newEnd := h.end * 2
	if newEnd > h.capacity || newEnd < h.end {
		newEnd = h.capacity
	}
	// The metadata of the new blocks is still zero (free): the reservation
	// only ever grows.
	h.end = newEnd
	h.RebuildFreeRanges()
	return true
}

// insertFreeRange inserts a range of n blocks starting at addr into the free list.
func (h *Heap) insertFreeRange(addr, n uintptr) {
	// Find the insertion point by length.
	// Skip until the next range is at least the target length.
	insDst := &h.freeRanges
	for *insDst != 0 && rangeAt(*insDst).len < n {
		insDst = &rangeAt(*insDst).nextLen
	}

	next := *insDst
	if next != 0 && rangeAt(next).len == n {
		// Insert into the list with this length.
		more := moreAt(addr)
		more.next = rangeAt(next).nextWithLen
		rangeAt(next).nextWithLen = addr
	} else {
		// Insert into the list of lengths.
		*rangeAt(addr) = freeRange{
			len:     n,
			nextLen: next,
		}
		*insDst = addr
	}
}

// popFreeRange removes a range of n blocks from the free list.
// It returns 0 if there are no sufficiently long ranges.
func (h *Heap) popFreeRange(n uintptr) uintptr {
	remDst := &h.freeRanges
	for *remDst != 0 && rangeAt(*remDst).len < n {
		remDst = &rangeAt(*remDst).nextLen
	}

	withLen := *remDst
	if withLen == 0 {
		// No ranges are long enough.
		return 0
	}
	removedLen := rangeAt(withLen).len

	var addr uintptr
	if more := rangeAt(withLen).nextWithLen; more != 0 {
		// Remove from the list with this length.
		rangeAt(withLen).nextWithLen = moreAt(more).next
		addr = more
	} else {
		// Remove from the list of lengths.
		*remDst = rangeAt(withLen).nextLen
		addr = withLen
	}

	if removedLen > n {
		// Insert the leftover range.
		h.insertFreeRange(addr+n*BytesPerBlock, removedLen-n)
	}
	return addr
}

// RebuildFreeRanges rebuilds the free list from the block states, merging
// adjacent free blocks. It returns how many bytes are free.
func (h *Heap) RebuildFreeRanges() uintptr {
	h.freeRanges = 0
	block := h.end
	var totalBlocks uintptr
	for {
		// Skip backwards over occupied blocks.
		for block > 0 && h.state(block-1) != blockStateFree {
			block--
		}
		if block == 0 {
			break
		}

		// Find the start of the free range.
		end := block
		for block > 0 && h.state(block-1) == blockStateFree {
			block--
		}

		n := uintptr(end - block)
		totalBlocks += n
		h.insertFreeRange(h.Address(block), n)
	}
	return totalBlocks * BytesPerBlock
}

// RangeCount is the number of free ranges of one length.
type RangeCount struct {
	Blocks uintptr `yaml:"blocks"`
	Count  uintptr `yaml:"count"`
}

// FreeRangeCounts returns the free list histogram, shortest ranges first.
func (h *Heap) FreeRangeCounts() []RangeCount {
	var counts []RangeCount
	for r := h.freeRanges; r != 0; r = rangeAt(r).nextLen {
		total := uintptr(1)
		for more := rangeAt(r).nextWithLen; more != 0; more = moreAt(more).next {
			total++
		}
		counts = append(counts, RangeCount{Blocks: rangeAt(r).len, Count: total})
	}
	return counts
}

// Usage counts live head and tail blocks. Outside a collection nothing is
// marked, so a bit in the low nibble implies a head and a bit in the high
// nibble a tail.
func (h *Heap) Usage() (heads, tails uintptr) {
	metaEnd := (h.end + blocksPerStateByte - 1) / blocksPerStateByte
	for _, stateByte := range h.meta[:metaEnd] {
		heads += uintptr(bits.OnesCount8(stateByte & blockStateEach))
		tails += uintptr(bits.OnesCount8(stateByte >> blocksPerStateByte &^ stateByte & blockStateEach))
	}
	return heads, tails
}

// WriteBlockMap dumps the state of each block to w, 64 blocks per line.
// With color set, ANSI escapes distinguish heads, tails and marks.
func (h *Heap) WriteBlockMap(w io.Writer, color bool) {
	const (
		reset  = "\x1b[0m"
		green  = "\x1b[32m"
		yellow = "\x1b[33m"
		red    = "\x1b[31m"
	)
	line := make([]byte, 0, 64*8)
	for block := Block(0); block < h.end; block++ {
		var c, esc string
		switch h.state(block) {
		case blockStateHead:
			c, esc = "*", green
		case blockStateTail:
			c, esc = "-", yellow
		case blockStateMark:
			c, esc = "#", red
		default: // free
			c = "·"
		}
		if color && esc != "" {
			line = append(line, esc...)
			line = append(line, c...)
			line = append(line, reset...)
		} else {
			line = append(line, c...)
		}
		if block%64 == 63 || block+1 == h.end {
			line = append(line, '\n')
			w.Write(line)
			line = line[:0]
		}
	}
}
