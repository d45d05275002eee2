package gc

import "testing"

func TestTraceStack(t *testing.T) {
	var s TraceStack
	if _, ok := s.Pop(); ok {
		t.Fatalf("Pop on an empty stack returned true")
	}

	const n = 3*traceChunkSize + 17
	for i := uintptr(1); i <= n; i++ {
		s.Push(i)
	}
	if s.Len() != n || s.Pushes() != n {
		t.Errorf("Len, Pushes returned %d, %d, want %d, %d", s.Len(), s.Pushes(), n, n)
	}
	for i := uintptr(n); i >= 1; i-- {
		p, ok := s.Pop()
		if !ok || p != i {
			t.Fatalf("Pop returned %d, %v, want %d, true", p, ok, i)
		}
	}
	if _, ok := s.Pop(); ok || s.Len() != 0 {
		t.Errorf("stack not empty after popping everything")
	}
	if s.free == nil {
		t.Errorf("emptied chunks were not kept for reuse")
	}
}

func TestTraceStackReset(t *testing.T) {
	var s TraceStack
	for i := uintptr(0); i < 2*traceChunkSize; i++ {
		s.Push(i)
	}
	s.Reset()
	if s.Len() != 0 || s.Pushes() != 0 {
		t.Errorf("Len, Pushes after Reset returned %d, %d, want 0, 0", s.Len(), s.Pushes())
	}
	free := 0
	for c := s.free; c != nil; c = c.next {
		free++
	}
	if free != 2 {
		t.Errorf("Reset kept %d chunks, want 2", free)
	}

	s.Push(42)
	if p, ok := s.Pop(); !ok || p != 42 {
		t.Errorf("Pop after Reset returned %d, %v, want 42, true", p, ok)
	}
}
