package buffer

import (
	"fmt"

	"github.com/mikeyg42/camhal/internal/pipe"
)

// Handle is an opaque reference to a supplier-owned buffer. The zero Handle
// means "no buffer bound".
type Handle uint64

// Nil is the unbound handle.
const Nil Handle = 0

func makeHandle(tag pipe.ID, index int) Handle {
	return Handle(uint64(tag+1)<<32 | uint64(index+1))
}

// Tag returns the stage that owns the buffer.
func (h Handle) Tag() pipe.ID {
	return pipe.ID(uint64(h)>>32) - 1
}

func (h Handle) index() int {
	return int(uint32(h)) - 1
}

// Valid reports whether h is bound to a buffer.
func (h Handle) Valid() bool {
	return h != Nil && h.Tag().Valid() && h.index() >= 0
}

func (h Handle) String() string {
	if h == Nil {
		return "nil"
	}
	return fmt.Sprintf("%s#%d", h.Tag(), h.index())
}

// Buffer is a hardware-addressable memory region.
type Buffer struct {
	Handle Handle
	Tag    pipe.ID
	Size   int
	FDs    []int  // -1 for heap memory
	Data   []byte // CPU mapping
	free   bool
}

// Allocator produces the memory behind buffers.
type Allocator interface {
	Name() string
	Allocate(tag pipe.ID, size int) (data []byte, fd int, err error)
	Free(data []byte, fd int) error
}

// HeapAllocator backs buffers with Go memory. It has no file descriptor.
type HeapAllocator struct{}

func (HeapAllocator) Name() string { return "heap" }

func (HeapAllocator) Allocate(_ pipe.ID, size int) ([]byte, int, error) {
	if size <= 0 {
		return nil, -1, fmt.Errorf("invalid buffer size %d", size)
	}
	return make([]byte, size), -1, nil
}

func (HeapAllocator) Free([]byte, int) error { return nil }

// NewAllocator returns the allocator registered under name.
func NewAllocator(name string) (Allocator, error) {
	switch name {
	case "", "heap":
		return HeapAllocator{}, nil
	case "memfd":
		return newMemfdAllocator()
	default:
		return nil, fmt.Errorf("unknown allocator %q", name)
	}
}
