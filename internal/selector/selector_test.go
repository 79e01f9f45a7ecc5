package selector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/camhal/internal/camerr"
)

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) release(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, s)
}

func (r *recorder) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestOverflowEvictsOldest(t *testing.T) {
	rec := &recorder{}
	s := New(2, rec.release)
	s.Push(1, "a")
	s.Push(2, "b")
	s.Push(3, "c")

	assert.Equal(t, []string{"a"}, rec.released())
	assert.Equal(t, []uint32{2, 3}, s.Counts())
}

func TestSelectExactThenNext(t *testing.T) {
	s := New[string](4, nil)
	s.Push(3, "c")
	s.Push(5, "e")
	s.Push(6, "f")

	got, err := s.Select(context.Background(), 5, 1, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "e", got)

	// 4 is gone, so the oldest later frame wins
	got, err = s.Select(context.Background(), 4, 1, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "f", got)

	assert.Equal(t, []uint32{3}, s.Counts())
}

func TestSelectFailsAfterRetries(t *testing.T) {
	s := New[string](2, nil)
	s.Push(1, "a")

	start := time.Now()
	_, err := s.Select(context.Background(), 9, 3, 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, camerr.ErrSelectionFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSelectWaitsForLatePush(t *testing.T) {
	s := New[string](2, nil)
	go func() {
		time.Sleep(15 * time.Millisecond)
		s.Push(7, "g")
	}()
	got, err := s.Select(context.Background(), 7, 50, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "g", got)
}

func TestSelectHonoursContext(t *testing.T) {
	s := New[string](2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Select(ctx, 1, 10, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoveAndReleaseAll(t *testing.T) {
	rec := &recorder{}
	s := New(4, rec.release)
	s.Push(1, "a")
	s.Push(2, "b")
	s.Push(3, "c")

	assert.True(t, s.Remove(2))
	assert.False(t, s.Remove(2))
	assert.Equal(t, 2, s.ReleaseAll())
	assert.Zero(t, s.Len())
	assert.ElementsMatch(t, []string{"b", "a", "c"}, rec.released())
}
