//go:build linux

package pool

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// allocate maps page-aligned shared anonymous memory so the buffers can be
// handed to a device mapping. Locking the pages is best effort: it fails
// without CAP_IPC_LOCK or a large enough RLIMIT_MEMLOCK.
func allocate(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	if err := unix.Mlock(mem); err != nil {
		slog.Debug("pool: mlock failed, buffers may be paged", "error", err)
	}
	return mem, nil
}

func release(mem []byte) error {
	return unix.Munmap(mem)
}
