//go:build !unix

package heap

import "unsafe"

// reserve allocates the arena from the Go heap. Go never moves heap objects,
// so addresses stay stable for as long as the returned slice is referenced.
func reserve(size uintptr) ([]byte, func([]byte) error, error) {
	buf := make([]byte, size+BytesPerBlock)
	offset := (BytesPerBlock - uintptr(unsafe.Pointer(&buf[0]))%BytesPerBlock) % BytesPerBlock
	return buf[offset : offset+size : offset+size], func([]byte) error { return nil }, nil
}
