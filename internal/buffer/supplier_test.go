package buffer

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/pipe"
)

func newTestSupplier(t *testing.T) *Supplier {
	t.Helper()
	s := NewSupplier(HeapAllocator{}, SupplierOptions{
		AcquireTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandleEncoding(t *testing.T) {
	h := makeHandle(pipe.ReprocessingMCSC, 3)
	assert.True(t, h.Valid())
	assert.Equal(t, pipe.ReprocessingMCSC, h.Tag())
	assert.Equal(t, 3, h.index())
	assert.Equal(t, "REPROCESSING_MCSC#3", h.String())
	assert.False(t, Nil.Valid())
}

func TestAcquireReleaseReturnsToOwnPool(t *testing.T) {
	s := newTestSupplier(t)
	require.NoError(t, s.Configure(pipe.Flite, 2, 64))
	require.NoError(t, s.Configure(pipe.ISP, 1, 64))

	b, err := s.Acquire(context.Background(), pipe.Flite)
	require.NoError(t, err)
	assert.Equal(t, pipe.Flite, b.Tag)
	assert.Len(t, b.Data, 64)
	assert.Equal(t, 1, s.Free(pipe.Flite))
	assert.Equal(t, 1, s.Free(pipe.ISP))

	require.NoError(t, s.Release(b.Handle))
	assert.Equal(t, 2, s.Free(pipe.Flite))
	assert.Equal(t, 1, s.Free(pipe.ISP))
}

func TestAcquireTimesOutWithBufferExhaustion(t *testing.T) {
	s := newTestSupplier(t)
	require.NoError(t, s.Configure(pipe.Reprocessing3AA, 1, 16))

	_, err := s.Acquire(context.Background(), pipe.Reprocessing3AA)
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Acquire(context.Background(), pipe.Reprocessing3AA)
	require.Error(t, err)
	assert.ErrorIs(t, err, camerr.ErrBufferExhausted)
	assert.True(t, camerr.IsRecoverable(err))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.EqualValues(t, 1, s.Metrics()["exhaustions"])
}

func TestReleaseUnblocksAcquire(t *testing.T) {
	s := NewSupplier(nil, SupplierOptions{AcquireTimeout: time.Second, PollInterval: 2 * time.Millisecond})
	defer s.Close()
	require.NoError(t, s.Configure(pipe.MCSC, 1, 8))

	held, err := s.Acquire(context.Background(), pipe.MCSC)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.Release(held.Handle)
	}()

	b, err := s.Acquire(context.Background(), pipe.MCSC)
	require.NoError(t, err)
	assert.Equal(t, held.Handle, b.Handle)
}

func TestAcquireHonoursContext(t *testing.T) {
	s := NewSupplier(nil, SupplierOptions{AcquireTimeout: 5 * time.Second, PollInterval: 5 * time.Millisecond})
	defer s.Close()
	require.NoError(t, s.Configure(pipe.JPEG, 0, 8))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Acquire(ctx, pipe.JPEG)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, camerr.ErrBufferExhausted)
}

func TestDoubleReleaseIsRejected(t *testing.T) {
	s := newTestSupplier(t)
	require.NoError(t, s.Configure(pipe.VRA, 2, 8))

	b, err := s.Acquire(context.Background(), pipe.VRA)
	require.NoError(t, err)
	require.NoError(t, s.Release(b.Handle))
	assert.ErrorIs(t, s.Release(b.Handle), camerr.ErrDoubleRelease)
	assert.Equal(t, 2, s.Free(pipe.VRA), "double release must not inflate the pool")

	assert.Error(t, s.Release(Nil))
	assert.Error(t, s.Release(makeHandle(pipe.VRA, 99)))
}

func TestConfigureRefusesWhileBuffersOut(t *testing.T) {
	s := newTestSupplier(t)
	require.NoError(t, s.Configure(pipe.ThreeAA, 2, 8))
	b, err := s.Acquire(context.Background(), pipe.ThreeAA)
	require.NoError(t, err)

	assert.Error(t, s.Configure(pipe.ThreeAA, 4, 8))
	require.NoError(t, s.Release(b.Handle))
	require.NoError(t, s.Configure(pipe.ThreeAA, 4, 8))
	assert.Equal(t, 4, s.Capacity(pipe.ThreeAA))
}

// free + in use == capacity under concurrent churn.
func TestBufferConservation(t *testing.T) {
	s := NewSupplier(nil, SupplierOptions{AcquireTimeout: 20 * time.Millisecond, PollInterval: time.Millisecond})
	defer s.Close()
	const capacity = 5
	require.NoError(t, s.Configure(pipe.ISP, capacity, 8))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			var held []Handle
			for {
				select {
				case <-stop:
					for _, h := range held {
						_ = s.Release(h)
					}
					return
				default:
				}
				if len(held) > 0 && r.Intn(2) == 0 {
					h := held[len(held)-1]
					held = held[:len(held)-1]
					if err := s.Release(h); err != nil {
						t.Errorf("release: %v", err)
					}
					continue
				}
				if b, err := s.Acquire(context.Background(), pipe.ISP); err == nil {
					held = append(held, b.Handle)
				}
				runtime.Gosched()
			}
		}(int64(w))
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		free, inUse, c := s.Snapshot(pipe.ISP)
		require.Equal(t, capacity, c)
		require.Equal(t, capacity, free+inUse)
		require.GreaterOrEqual(t, free, 0)
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, capacity, s.Free(pipe.ISP))
	assert.Equal(t, 0, s.InUse(pipe.ISP))
}

func TestUnconfiguredTag(t *testing.T) {
	s := newTestSupplier(t)
	_, err := s.Acquire(context.Background(), pipe.Fusion)
	assert.ErrorIs(t, err, camerr.ErrBufferExhausted)
	assert.Equal(t, 0, s.Capacity(pipe.Fusion))
}
