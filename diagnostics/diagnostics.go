// Package diagnostics formats collector errors and prints them in a consistent
// way.
package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/tinygo-org/blockgc/gc"
)

// A single diagnostic.
type Diagnostic struct {
	// Addr is the user pointer the error is about, or 0 if it isn't about a
	// single allocation.
	Addr uintptr
	Msg  string
}

// One or multiple errors of a particular mutator thread. Thread 0 holds the
// errors that can't be connected to a single thread.
type ThreadDiagnostic struct {
	Thread      uintptr
	Diagnostics []Diagnostic
}

// Diagnostics of a whole program, grouped by thread.
type ProgramDiagnostic []ThreadDiagnostic

// ThreadError wraps an error that happened on a mutator thread.
type ThreadError struct {
	Thread uintptr
	Err    error
}

func (e *ThreadError) Error() string {
	return fmt.Sprintf("thread %d: %v", e.Thread, e.Err)
}

func (e *ThreadError) Unwrap() error {
	return e.Err
}

// CreateDiagnostics reads the underlying errors in the error object (which
// may be the result of errors.Join) and creates a set of diagnostics that's
// sorted and can be readily printed.
func CreateDiagnostics(err error) ProgramDiagnostic {
	if err == nil {
		return nil
	}
	byThread := map[uintptr][]Diagnostic{}
	for _, err := range flatten(err) {
		var thread uintptr
		var te *ThreadError
		if errors.As(err, &te) {
			thread = te.Thread
			err = te.Err
		}
		byThread[thread] = append(byThread[thread], createDiagnostics(err)...)
	}

	var progDiag ProgramDiagnostic
	for thread, diags := range byThread {
		// Sort these diagnostics by address. Those without one go first.
		sort.SliceStable(diags, func(i, j int) bool {
			return diags[i].Addr < diags[j].Addr
		})
		progDiag = append(progDiag, ThreadDiagnostic{Thread: thread, Diagnostics: diags})
	}
	sort.Slice(progDiag, func(i, j int) bool {
		return progDiag[i].Thread < progDiag[j].Thread
	})
	return progDiag
}

// flatten splits joined errors into their parts.
func flatten(err error) []error {
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return []error{err}
	}
	var errs []error
	for _, err := range joined.Unwrap() {
		errs = append(errs, flatten(err)...)
	}
	return errs
}

func createDiagnostics(err error) []Diagnostic {
	var heapErr *gc.HeapError
	switch {
	case errors.As(err, &heapErr):
		return []Diagnostic{
			{
				Addr: heapErr.Addr,
				Msg:  "heap corrupted: " + heapErr.Msg,
			},
		}
	case gc.IsOutOfMemory(err):
		return []Diagnostic{
			{Msg: err.Error() + " (raise maxheap or lower the live set)"},
		}
	default:
		return []Diagnostic{
			{Msg: err.Error()},
		}
	}
}

// Write program diagnostics to the given writer.
func (progDiag ProgramDiagnostic) WriteTo(w io.Writer) {
	for _, threadDiag := range progDiag {
		threadDiag.WriteTo(w)
	}
}

// Write thread diagnostics to the given writer.
func (threadDiag ThreadDiagnostic) WriteTo(w io.Writer) {
	if threadDiag.Thread != 0 {
		fmt.Fprintln(w, "# thread", threadDiag.Thread)
	}
	for _, diag := range threadDiag.Diagnostics {
		diag.WriteTo(w)
	}
}

// Write this diagnostic to the given writer.
func (diag Diagnostic) WriteTo(w io.Writer) {
	if diag.Addr == 0 {
		fmt.Fprintln(w, diag.Msg)
		return
	}
	fmt.Fprintf(w, "%#x: %s\n", diag.Addr, diag.Msg)
}
