//go:build unix

package cow

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapShared maps length bytes of f at offset 0 as a shared file-backed
// mapping. Mutations persist to the file when the mapping is synced or
// unmapped.
func mapShared(f *os.File, length int, writable bool) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mmap(int(f.Fd()), 0, length, prot, unix.MAP_SHARED)
}

// mapAnonymous allocates length bytes of zeroed, non-file-backed memory.
func mapAnonymous(length int) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// syncMapping flushes a shared mapping to its file.
func syncMapping(m []byte) error {
	if len(m) == 0 {
		return nil
	}
	return unix.Msync(m, unix.MS_SYNC)
}

func unmapMapping(m []byte) error {
	if m == nil {
		return nil
	}
	return unix.Munmap(m)
}
