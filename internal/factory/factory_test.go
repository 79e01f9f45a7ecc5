package factory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/camhal/internal/buffer"
	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/driver"
	"github.com/mikeyg42/camhal/internal/frame"
	"github.com/mikeyg42/camhal/internal/pipe"
	"github.com/mikeyg42/camhal/internal/request"
)

func newFactory(t *testing.T, count int) (*Factory, *buffer.Supplier, *driver.Simulator, *frame.Table) {
	t.Helper()
	sup := buffer.NewSupplier(buffer.HeapAllocator{}, buffer.SupplierOptions{
		AcquireTimeout: 20 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = sup.Close() })
	for _, id := range pipe.All() {
		require.NoError(t, sup.Configure(id, count, 16))
	}
	sim := driver.NewSimulator(driver.SimulatorOptions{Logger: camlog.NewNop()})
	tbl := frame.NewTable()
	return New(sup, sim, tbl, camlog.NewNop(), nil), sup, sim, tbl
}

func TestEveryFrameTypeHasAFactory(t *testing.T) {
	for i := 0; i < frame.NumTypes; i++ {
		typ := frame.Type(i)
		_, err := FactoryOf(typ)
		assert.NoError(t, err, typ.String())
		stages, err := Stages(typ, Streams{})
		require.NoError(t, err, typ.String())
		assert.NotEmpty(t, stages, typ.String())
	}
	_, err := FactoryOf(frame.Type(frame.NumTypes))
	assert.Error(t, err)
}

func TestStageSubsets(t *testing.T) {
	tests := []struct {
		name    string
		typ     frame.Type
		streams Streams
		want    []pipe.ID
	}{
		{"preview", frame.Preview, Streams{Preview: true},
			[]pipe.ID{pipe.Flite, pipe.ThreeAA, pipe.ISP, pipe.MCSC}},
		{"preview with face detect", frame.Preview, Streams{Preview: true, FaceDetect: true},
			[]pipe.ID{pipe.Flite, pipe.ThreeAA, pipe.ISP, pipe.MCSC, pipe.VRA}},
		{"internal ignores vision", frame.Internal, Streams{Vision: true},
			[]pipe.ID{pipe.Flite, pipe.ThreeAA, pipe.ISP, pipe.MCSC}},
		{"dual master", frame.PreviewDualMaster, Streams{Preview: true},
			[]pipe.ID{pipe.Flite, pipe.ThreeAA, pipe.ISP, pipe.Fusion, pipe.MCSC}},
		{"dual slave", frame.PreviewDualSlave, Streams{},
			[]pipe.ID{pipe.FliteSlave, pipe.ThreeAASlave, pipe.ISPSlave}},
		{"jpeg reprocessing", frame.JpegReprocessing, Streams{Jpeg: true},
			[]pipe.ID{pipe.Reprocessing3AA, pipe.ReprocessingISP, pipe.ReprocessingMCSC, pipe.JPEG}},
		{"dual reprocessing", frame.ReprocessingDualMaster, Streams{Jpeg: true},
			[]pipe.ID{pipe.Reprocessing3AA, pipe.ReprocessingFusion, pipe.ReprocessingISP, pipe.ReprocessingMCSC, pipe.JPEG}},
		{"vision", frame.Vision, Streams{Vision: true},
			[]pipe.ID{pipe.Flite, pipe.VRA}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Stages(tt.typ, tt.streams)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCreateFrameBindsEveryStage(t *testing.T) {
	f, sup, _, tbl := newFactory(t, 2)
	req := request.New(1, []request.Stream{{ID: 0, Kind: request.StreamPreview, Handle: 10}}, nil)

	fr, err := f.CreateFrame(context.Background(), 1, frame.Preview, req)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.Len())
	key, ok := fr.Request()
	require.True(t, ok)
	assert.EqualValues(t, 1, key)

	for _, s := range fr.Stages() {
		e, ok := fr.Entity(s)
		require.True(t, ok)
		require.Len(t, e.Dst, 1)
		assert.Equal(t, s, e.Dst[0].Tag())
		assert.Equal(t, 1, sup.InUse(s))
	}
	assert.NoError(t, fr.Err())
}

func TestInternalFrameCarriesNoRequest(t *testing.T) {
	f, _, _, _ := newFactory(t, 2)
	req := request.New(4, []request.Stream{{ID: 0, Kind: request.StreamPreview}}, nil)
	fr, err := f.CreateFrame(context.Background(), 2, frame.Internal, req)
	require.NoError(t, err)
	assert.False(t, fr.HasRequest())
}

func TestExhaustionFailsRemainingEntities(t *testing.T) {
	f, sup, _, _ := newFactory(t, 1)
	held, err := sup.Acquire(context.Background(), pipe.ISP)
	require.NoError(t, err)

	fr, err := f.CreateFrame(context.Background(), 1, frame.Preview, nil)
	require.NoError(t, err, "a partially built frame is still returned")
	assert.Equal(t, []pipe.ID{pipe.ISP, pipe.MCSC}, fr.Failed())
	assert.ErrorIs(t, fr.Err(), camerr.ErrBufferExhausted)

	// only the stages before the exhausted one hold buffers
	assert.Len(t, fr.BoundBuffers(), 2)
	require.NoError(t, sup.Release(held.Handle))
}

func TestPushFrameEnqueuesFirstStage(t *testing.T) {
	f, _, sim, _ := newFactory(t, 2)
	fr, err := f.CreateFrame(context.Background(), 1, frame.Preview, nil)
	require.NoError(t, err)

	require.True(t, f.PushFrame(fr))
	assert.Equal(t, 1, sim.Pending(pipe.Flite))
	e, _ := fr.Entity(pipe.Flite)
	assert.Equal(t, frame.Processing, e.State)

	require.NoError(t, fr.SetState(pipe.Flite, frame.Complete))
	require.True(t, f.Advance(fr, pipe.Flite))
	assert.Equal(t, 1, sim.Pending(pipe.ThreeAA))
}

func TestAdvanceSkipsFailedStages(t *testing.T) {
	f, sup, sim, _ := newFactory(t, 1)
	held, err := sup.Acquire(context.Background(), pipe.ThreeAA)
	require.NoError(t, err)
	defer sup.Release(held.Handle)

	fr, err := f.CreateFrame(context.Background(), 1, frame.Preview, nil)
	require.NoError(t, err)
	require.True(t, f.PushFrame(fr))
	require.NoError(t, fr.SetState(pipe.Flite, frame.Complete))

	assert.False(t, f.Advance(fr, pipe.Flite), "no live stage after the sensor")
	assert.Equal(t, 0, sim.Pending(pipe.ThreeAA))
	assert.True(t, fr.Done())
}

func TestInFlightTracksEnqueuedJobs(t *testing.T) {
	f, _, _, _ := newFactory(t, 2)
	fr, err := f.CreateFrame(context.Background(), 1, frame.Preview, nil)
	require.NoError(t, err)
	require.True(t, f.PushFrame(fr))
	assert.Equal(t, 1, f.InFlight(pipe.Flite))
	f.Completed(pipe.Flite)
	assert.Equal(t, 0, f.InFlight(pipe.Flite))
}

// inlineDriver completes every job before Enqueue returns.
type inlineDriver struct {
	*driver.Simulator
	sink   driver.CompletionSink
	reject bool
}

func (d *inlineDriver) Attach(sink driver.CompletionSink) { d.sink = sink }

func (d *inlineDriver) Enqueue(stage pipe.ID, job driver.Job) error {
	if d.reject {
		return errors.New("queue full")
	}
	job.Stage = stage
	d.sink(driver.Completion{Job: job, Timestamp: time.Now()})
	return nil
}

func TestInFlightSettlesWhenDriverCompletesInline(t *testing.T) {
	sup := buffer.NewSupplier(buffer.HeapAllocator{}, buffer.SupplierOptions{
		AcquireTimeout: 20 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = sup.Close() })
	for _, id := range pipe.All() {
		require.NoError(t, sup.Configure(id, 2, 16))
	}
	drv := &inlineDriver{Simulator: driver.NewSimulator(driver.SimulatorOptions{Logger: camlog.NewNop()})}
	f := New(sup, drv, frame.NewTable(), camlog.NewNop(), nil)

	var seen []pipe.ID
	drv.Attach(func(c driver.Completion) {
		seen = append(seen, c.Job.Stage)
		assert.Equal(t, 1, f.InFlight(c.Job.Stage), "counted before the completion arrives")
		f.Completed(c.Job.Stage)
	})

	fr, err := f.CreateFrame(context.Background(), 1, frame.Preview, nil)
	require.NoError(t, err)
	require.True(t, f.PushFrame(fr))
	for _, s := range fr.Stages()[1:] {
		prev := seen[len(seen)-1]
		require.NoError(t, fr.SetState(prev, frame.Complete))
		require.True(t, f.Advance(fr, prev), s.String())
	}

	assert.Equal(t, fr.Stages(), seen)
	for _, id := range pipe.All() {
		assert.Equal(t, 0, f.InFlight(id), id.String())
	}
}

func TestInFlightUndoneWhenEnqueueFails(t *testing.T) {
	f, _, _, _ := newFactory(t, 2)
	drv := &inlineDriver{Simulator: driver.NewSimulator(driver.SimulatorOptions{Logger: camlog.NewNop()}), reject: true}
	f.drv = drv

	fr, err := f.CreateFrame(context.Background(), 1, frame.Preview, nil)
	require.NoError(t, err)
	assert.False(t, f.PushFrame(fr))
	assert.True(t, fr.Done())
	for _, id := range pipe.All() {
		assert.Equal(t, 0, f.InFlight(id), id.String())
	}
}
