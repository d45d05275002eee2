package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/tinygo-org/blockgc/gc"
)

func TestCreateDiagnostics(t *testing.T) {
	err := errors.Join(
		&ThreadError{Thread: 2, Err: &gc.HeapError{Addr: 0x2000, Msg: "corrupt allocation header"}},
		fmt.Errorf("setup: %w", gc.ErrInvalidKind),
		&ThreadError{Thread: 2, Err: errors.New("link failed")},
		&ThreadError{Thread: 1, Err: fmt.Errorf("alloc: %w", gc.ErrOutOfMemory)},
	)
	var buf bytes.Buffer
	CreateDiagnostics(err).WriteTo(&buf)
	want := `setup: gc: invalid allocation kind
# thread 1
alloc: gc: out of memory (raise maxheap or lower the live set)
# thread 2
link failed
0x2000: heap corrupted: corrupt allocation header
`
	if got := buf.String(); got != want {
		t.Errorf("diagnostics:\n%s\nwant:\n%s", got, want)
	}
}

func TestCreateDiagnosticsNil(t *testing.T) {
	if diags := CreateDiagnostics(nil); diags != nil {
		t.Errorf("CreateDiagnostics(nil) returned %v, want nil", diags)
	}
}
