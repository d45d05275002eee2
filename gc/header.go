package gc

import (
	"encoding/binary"
	"unsafe"

	"github.com/sigurn/crc16"
	"github.com/tinygo-org/blockgc/heap"
)

// header is stored in front of every allocation. The user pointer handed to
// the mutator is the address just past it, so the header of any user pointer
// is found by subtracting headerSize.
//
// The second word packs the kind (bits 0-7), the flags (bits 8-15) and a
// checksum over size and kind (bits 16-31).
type header struct {
	size uintptr // requested payload size in bytes
	bits uintptr
}

const headerSize = unsafe.Sizeof(header{})

type headerFlags uint8

const (
	flagFinalizer headerFlags = 1 << iota // a finalizer runs before the allocation is released
	flagWeakRef                           // weak references point at the allocation
	flagPending                           // queued for destruction: never marked, never queued again
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

func headerAt(block uintptr) *header {
	return (*header)(unsafe.Pointer(block))
}

// headerOf returns the header of a user pointer.
func headerOf(p uintptr) *header {
	return headerAt(p - headerSize)
}

func checksum(size uintptr, kind Kind) uint16 {
	var buf [9]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(size))
	buf[8] = byte(kind)
	return crc16.Checksum(buf[:], crcTable)
}

func (h *header) init(size uintptr, kind Kind) {
	h.size = size
	h.bits = uintptr(kind) | uintptr(checksum(size, kind))<<16
}

func (h *header) kind() Kind {
	return Kind(h.bits)
}

func (h *header) flags() headerFlags {
	return headerFlags(h.bits >> 8)
}

func (h *header) setFlags(f headerFlags) {
	h.bits = h.bits&^(0xff<<8) | uintptr(f)<<8
}

func (h *header) resize(size uintptr) {
	f := h.flags()
	h.init(size, h.kind())
	h.setFlags(f)
}

func (h *header) valid() bool {
	return h.kind().valid() && uint16(h.bits>>16) == checksum(h.size, h.kind())
}

// words returns the payload of user pointer p as a slice of words.
func (h *header) words(p uintptr) []uintptr {
	return heap.Words(p, h.size/heap.WordSize)
}
