//go:build unix

package heap

import "golang.org/x/sys/unix"

// reserve maps size bytes of anonymous memory. Pages are only backed by
// physical memory once touched, so reserving the maximum heap up front is
// cheap and keeps every address stable while the heap grows.
func reserve(size uintptr) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return mem, unix.Munmap, nil
}
