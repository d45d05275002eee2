package gc

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID returns the ID of the calling goroutine, parsed from the first
// line of its stack trace ("goroutine 18 [running]:"). It returns 0 if the
// line cannot be parsed.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	id, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
