//go:build linux

package buffer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/mikeyg42/camhal/internal/pipe"
)

// MemfdAllocator backs each buffer with an anonymous memfd mapped shared,
// so every buffer carries a real file descriptor that can be handed to a
// driver.
type MemfdAllocator struct{}

func newMemfdAllocator() (Allocator, error) {
	return MemfdAllocator{}, nil
}

func (MemfdAllocator) Name() string { return "memfd" }

func (MemfdAllocator) Allocate(tag pipe.ID, size int) ([]byte, int, error) {
	if size <= 0 {
		return nil, -1, fmt.Errorf("invalid buffer size %d", size)
	}
	fd, err := unix.MemfdCreate("camhal-"+tag.String(), unix.MFD_CLOEXEC)
	if err != nil {
		return nil, -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, -1, fmt.Errorf("ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, -1, fmt.Errorf("mmap: %w", err)
	}
	return data, fd, nil
}

func (MemfdAllocator) Free(data []byte, fd int) error {
	var firstErr error
	if data != nil {
		if err := unix.Munmap(data); err != nil {
			firstErr = fmt.Errorf("munmap: %w", err)
		}
	}
	if fd >= 0 {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close: %w", err)
		}
	}
	return firstErr
}
