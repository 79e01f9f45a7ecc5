//go:build linux

package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/camhal/internal/pipe"
)

func TestMemfdAllocatorProvidesFDs(t *testing.T) {
	alloc, err := NewAllocator("memfd")
	require.NoError(t, err)

	data, fd, err := alloc.Allocate(pipe.Flite, 4096)
	if err != nil {
		t.Skipf("memfd not permitted here: %v", err)
	}
	require.NoError(t, alloc.Free(data, fd))

	s := NewSupplier(alloc, SupplierOptions{AcquireTimeout: 10 * time.Millisecond, PollInterval: time.Millisecond})
	require.NoError(t, s.Configure(pipe.Flite, 2, 4096))
	defer s.Close()

	b, err := s.Acquire(context.Background(), pipe.Flite)
	require.NoError(t, err)
	require.Len(t, b.FDs, 1)
	assert.GreaterOrEqual(t, b.FDs[0], 0)
	assert.Len(t, b.Data, 4096)

	// mapping is writable
	b.Data[0] = 0xAB
	assert.Equal(t, byte(0xAB), b.Data[0])
	require.NoError(t, s.Release(b.Handle))
}
