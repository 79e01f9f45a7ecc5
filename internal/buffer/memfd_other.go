//go:build !linux

package buffer

import "errors"

func newMemfdAllocator() (Allocator, error) {
	return nil, errors.New("memfd allocator is only available on linux")
}
