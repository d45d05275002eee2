package gc

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfMemory        = errors.New("gc: out of memory")
	ErrInvalidKind        = errors.New("gc: invalid allocation kind")
	ErrNotHeapPointer     = errors.New("gc: not a heap allocation")
	ErrCollectionDeferred = errors.New("gc: collection deferred until pending destruction logic has run")
)

// HeapError describes a broken heap invariant: a corrupt header, a pointer
// that should have been an allocation but isn't, a class or runtime object
// that cannot be found. A heap in this state cannot be trusted, so it is
// raised as a panic and never returned.
type HeapError struct {
	Addr uintptr
	Msg  string
}

func (e *HeapError) Error() string {
	return fmt.Sprintf("gc: %s (address %#x)", e.Msg, e.Addr)
}

func fatal(addr uintptr, format string, args ...any) {
	panic(&HeapError{Addr: addr, Msg: fmt.Sprintf(format, args...)})
}
