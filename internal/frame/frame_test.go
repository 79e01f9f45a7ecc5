package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/camhal/internal/buffer"
	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/pipe"
)

var previewStages = []pipe.ID{pipe.Flite, pipe.ThreeAA, pipe.ISP, pipe.MCSC}

func bindAll(t *testing.T, f *Frame, next *buffer.Handle) {
	t.Helper()
	for _, s := range f.Stages() {
		*next++
		require.NoError(t, f.BindDst(s, 0, *next))
	}
}

func TestEntityCannotLeaveRequestedUnbound(t *testing.T) {
	f := New(1, Preview, previewStages)

	err := f.SetState(pipe.Flite, Processing)
	require.Error(t, err)
	assert.ErrorIs(t, err, camerr.ErrInvalidFrameState)

	require.NoError(t, f.BindDst(pipe.Flite, 0, buffer.Handle(1<<32|1)))
	require.NoError(t, f.SetState(pipe.Flite, Processing))
	require.NoError(t, f.SetState(pipe.Flite, Complete))

	// terminal is final
	assert.Error(t, f.SetState(pipe.Flite, Processing))
	assert.NoError(t, f.SetState(pipe.Flite, Complete))
}

func TestCompleteRequiresProcessing(t *testing.T) {
	f := New(1, Preview, previewStages)
	require.NoError(t, f.BindDst(pipe.ISP, 0, buffer.Handle(5<<32|1)))
	assert.ErrorIs(t, f.SetState(pipe.ISP, Complete), camerr.ErrInvalidFrameState)
}

// A frame is destroyable iff every entity is terminal and every owned
// buffer has been released.
func TestDestroyableInvariant(t *testing.T) {
	f := New(7, Preview, previewStages)
	var h buffer.Handle
	bindAll(t, f, &h)

	assert.False(t, f.Destroyable())

	for _, s := range previewStages[:3] {
		require.NoError(t, f.SetState(s, Processing))
		require.NoError(t, f.SetState(s, Complete))
	}
	assert.False(t, f.Done())
	f.Fail(pipe.MCSC, errors.New("dq failed"))
	assert.True(t, f.Done())
	assert.False(t, f.Destroyable(), "buffers still bound")

	var released []buffer.Handle
	require.NoError(t, f.ReleaseBuffers(func(h buffer.Handle) error {
		released = append(released, h)
		return nil
	}))
	assert.Len(t, released, 4)
	assert.Empty(t, f.BoundBuffers())
	assert.True(t, f.Destroyable())
	assert.Equal(t, []pipe.ID{pipe.MCSC}, f.Failed())
}

func TestHeldBufferSurvivesRelease(t *testing.T) {
	f := New(3, Preview, previewStages)
	var h buffer.Handle
	bindAll(t, f, &h)
	f.FailAll(errors.New("flush"))

	f.Hold(pipe.Flite)
	held, ok := f.HeldBuffer()
	require.True(t, ok)

	var released []buffer.Handle
	rel := func(h buffer.Handle) error { released = append(released, h); return nil }

	require.NoError(t, f.ReleaseBuffers(rel))
	assert.Len(t, released, 3)
	assert.NotContains(t, released, held)
	assert.False(t, f.Destroyable())

	assert.Equal(t, 0, f.Unhold())
	require.NoError(t, f.ReleaseBuffers(rel))
	assert.Contains(t, released, held)
	assert.True(t, f.Destroyable())
}

func TestBorrowedSourceIsNotReleased(t *testing.T) {
	f := New(9, Reprocessing, []pipe.ID{pipe.Reprocessing3AA, pipe.ReprocessingISP})
	borrowed := buffer.Handle(1<<32 | 4)
	require.NoError(t, f.BindSrc(pipe.Reprocessing3AA, borrowed, true))
	var h buffer.Handle = 100
	bindAll(t, f, &h)
	f.FailAll(errors.New("x"))

	var released []buffer.Handle
	require.NoError(t, f.ReleaseBuffers(func(h buffer.Handle) error {
		released = append(released, h)
		return nil
	}))
	assert.NotContains(t, released, borrowed)
	assert.True(t, f.Destroyable())
}

func TestFailFromAndNextLive(t *testing.T) {
	f := New(1, JpegReprocessing, []pipe.ID{pipe.Reprocessing3AA, pipe.ReprocessingISP, pipe.ReprocessingMCSC, pipe.JPEG})

	next, ok := f.NextLive(-1)
	require.True(t, ok)
	assert.Equal(t, pipe.Reprocessing3AA, next)

	failed := f.FailFrom(pipe.ReprocessingMCSC, camerr.ErrBufferExhausted)
	assert.Equal(t, []pipe.ID{pipe.ReprocessingMCSC, pipe.JPEG}, failed)
	assert.ErrorIs(t, f.Err(), camerr.ErrBufferExhausted)

	next, ok = f.NextLive(pipe.Reprocessing3AA)
	require.True(t, ok)
	assert.Equal(t, pipe.ReprocessingISP, next)

	_, ok = f.NextLive(pipe.ReprocessingISP)
	assert.False(t, ok)
}

func TestResultFlags(t *testing.T) {
	f := New(1, Preview, previewStages)
	assert.False(t, f.SetReady(ResultPartialMeta))
	assert.True(t, f.SetReady(ResultPartialMeta))
	assert.True(t, f.Ready(ResultPartialMeta))
	assert.False(t, f.Ready(ResultAllMeta))
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	assert.EqualValues(t, 1, tbl.NextCount())
	assert.EqualValues(t, 2, tbl.NextCount())

	a := New(1, Internal, previewStages)
	b := New(2, Preview, previewStages)
	ha := tbl.Insert(a)
	hb := tbl.Insert(b)
	assert.NotEqual(t, ha, hb)
	assert.Equal(t, ha, a.Handle())

	got, ok := tbl.Get(hb)
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, []*Frame{a, b}, tbl.All())

	tbl.Remove(ha)
	assert.Equal(t, 1, tbl.Len())
	tbl.ResetCount()
	assert.EqualValues(t, 1, tbl.NextCount())
}

func TestTypeHelpers(t *testing.T) {
	assert.True(t, Transition.IsInternal())
	assert.False(t, Preview.IsInternal())
	assert.True(t, ReprocessingDualSlave.IsReprocessing())
	assert.Equal(t, "PREVIEW_DUAL_MASTER", PreviewDualMaster.String())
	for i := 0; i < NumTypes; i++ {
		assert.NotContains(t, Type(i).String(), "FRAME_TYPE(")
	}
}

func TestFinishOnce(t *testing.T) {
	f := New(1, Internal, previewStages)
	assert.True(t, f.Finish())
	assert.False(t, f.Finish())
}
