package request

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func preview(key uint64) *Request {
	return New(key, []Stream{{ID: 0, Kind: StreamPreview, Handle: key}}, nil)
}

func TestSubmitRequiresIncreasingKeys(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Submit(preview(1)))
	require.NoError(t, m.Submit(preview(5)))
	assert.Error(t, m.Submit(preview(5)))
	assert.Error(t, m.Submit(preview(3)))
	assert.Equal(t, 2, m.PendingLen())
}

func TestSubmitValidates(t *testing.T) {
	m := NewManager(nil)
	assert.Error(t, m.Submit(New(1, nil, nil)))
	assert.Error(t, m.Submit(New(2, []Stream{{Kind: "thermal"}}, nil)))
	assert.Error(t, m.Submit(New(3, []Stream{{Kind: StreamPreview}}, []byte("zoom_ratio: [1"))))

	r := New(4, []Stream{{Kind: StreamJpeg}}, []byte(`{"zoom_ratio": 3}`))
	require.NoError(t, m.Submit(r))
	assert.Equal(t, 3.0, r.DecodedSettings().Zoom())
	assert.True(t, r.IsCapture())
}

func TestPopMovesToRunning(t *testing.T) {
	m := NewManager(nil)
	for k := uint64(1); k <= 3; k++ {
		require.NoError(t, m.Submit(preview(k)))
	}
	head, ok := m.Peek()
	require.True(t, ok)
	assert.EqualValues(t, 1, head.Key)

	got := m.Pop(2)
	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[0].Key)
	assert.EqualValues(t, 2, got[1].Key)
	assert.Equal(t, 1, m.PendingLen())
	assert.Equal(t, 2, m.RunningLen())

	r, ok := m.Complete(1, StatusComplete)
	require.True(t, ok)
	assert.Equal(t, StatusComplete, r.Status())
	_, ok = m.Complete(1, StatusComplete)
	assert.False(t, ok)
}

func TestFlushAllReturnsPendingAndRunning(t *testing.T) {
	m := NewManager(nil)
	for k := uint64(1); k <= 4; k++ {
		require.NoError(t, m.Submit(preview(k)))
	}
	m.Pop(2)

	flushed := m.FlushAll()
	require.Len(t, flushed, 4)
	for i, r := range flushed {
		assert.EqualValues(t, i+1, r.Key)
		assert.Equal(t, StatusError, r.Status())
	}
	assert.Zero(t, m.PendingLen())
	assert.Zero(t, m.RunningLen())

	// keys keep increasing after a flush
	assert.Error(t, m.Submit(preview(4)))
	assert.NoError(t, m.Submit(preview(5)))
}

func TestWaitPending(t *testing.T) {
	m := NewManager(nil)
	start := time.Now()
	assert.False(t, m.WaitPending(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.Submit(preview(1))
	}()
	assert.True(t, m.WaitPending(context.Background(), time.Second))
}

func TestFinalStatusSticks(t *testing.T) {
	r := preview(1)
	assert.Equal(t, StatusPending, r.Status())
	assert.True(t, r.SetStatus(StatusError))
	assert.False(t, r.SetStatus(StatusComplete))
	assert.Equal(t, StatusError, r.Status())
}

func TestResultRenew(t *testing.T) {
	m := NewManager(nil)
	m.IncResultRenew()
	m.IncResultRenew()
	assert.EqualValues(t, 2, m.ResultRenew())
	m.ResetResultRenew()
	assert.Zero(t, m.ResultRenew())
}

func TestOnAcceptSeesOnlyAcceptedKeys(t *testing.T) {
	m := NewManager(nil)
	var seen []uint64
	m.OnAccept(func(r *Request) { seen = append(seen, r.Key) })

	require.NoError(t, m.Submit(preview(2)))
	assert.Error(t, m.Submit(preview(1)))
	require.NoError(t, m.Submit(preview(7)))
	assert.Equal(t, []uint64{2, 7}, seen)
}

func TestStillIntentIsCapture(t *testing.T) {
	m := NewManager(nil)
	r := New(1, []Stream{{Kind: StreamPreview}}, []byte("capture_intent: still"))
	require.NoError(t, m.Submit(r))
	assert.True(t, r.IsCapture())
	assert.False(t, preview(2).IsCapture())
}
