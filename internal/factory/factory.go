// Package factory builds frames against the pipeline graph and pushes them
// into their first stage.
package factory

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mikeyg42/camhal/internal/buffer"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/driver"
	"github.com/mikeyg42/camhal/internal/frame"
	"github.com/mikeyg42/camhal/internal/metrics"
	"github.com/mikeyg42/camhal/internal/pipe"
	"github.com/mikeyg42/camhal/internal/request"
)

// Type identifies a frame factory.
type Type int

const (
	CapturePreview Type = iota
	PreviewDual
	Reprocessing
	ReprocessingDual
	Vision

	NumTypes int = iota
)

func (t Type) String() string {
	switch t {
	case CapturePreview:
		return "CAPTURE_PREVIEW"
	case PreviewDual:
		return "PREVIEW_DUAL"
	case Reprocessing:
		return "REPROCESSING"
	case ReprocessingDual:
		return "REPROCESSING_DUAL"
	case Vision:
		return "VISION"
	default:
		return fmt.Sprintf("FACTORY(%d)", int(t))
	}
}

// Streams is what a frame must produce.
type Streams struct {
	Preview    bool
	Raw        bool
	Jpeg       bool
	Vision     bool
	FaceDetect bool
}

// StreamsOf derives the output set of r. A nil request produces nothing.
func StreamsOf(r *request.Request) Streams {
	if r == nil {
		return Streams{}
	}
	return Streams{
		Preview:    r.Has(request.StreamPreview),
		Raw:        r.Has(request.StreamRaw),
		Jpeg:       r.Has(request.StreamJpeg),
		Vision:     r.Has(request.StreamVision),
		FaceDetect: r.DecodedSettings().FaceDetect,
	}
}

type entry struct {
	factory Type
	stages  func(Streams) []pipe.ID
}

func chain(base ...pipe.ID) func(Streams) []pipe.ID {
	return func(Streams) []pipe.ID { return append([]pipe.ID(nil), base...) }
}

func withVRA(base ...pipe.ID) func(Streams) []pipe.ID {
	return func(s Streams) []pipe.ID {
		out := append([]pipe.ID(nil), base...)
		if s.Vision || s.FaceDetect {
			out = append(out, pipe.VRA)
		}
		return out
	}
}

func withJPEG(base ...pipe.ID) func(Streams) []pipe.ID {
	return func(s Streams) []pipe.ID {
		out := append([]pipe.ID(nil), base...)
		if s.Jpeg {
			out = append(out, pipe.JPEG)
		}
		return out
	}
}

var (
	masterChain = []pipe.ID{pipe.Flite, pipe.ThreeAA, pipe.ISP, pipe.MCSC}
	slaveChain  = []pipe.ID{pipe.FliteSlave, pipe.ThreeAASlave, pipe.ISPSlave, pipe.MCSCSlave}
)

// table maps every frame type to its factory and stage subset.
var table = [frame.NumTypes]entry{
	frame.Preview:                {CapturePreview, withVRA(masterChain...)},
	frame.Internal:               {CapturePreview, chain(masterChain...)},
	frame.Transition:             {CapturePreview, chain(masterChain...)},
	frame.PreviewSlave:           {PreviewDual, withVRA(slaveChain...)},
	frame.InternalSlave:          {PreviewDual, chain(slaveChain...)},
	frame.TransitionSlave:        {PreviewDual, chain(slaveChain...)},
	frame.PreviewDualMaster:      {PreviewDual, withVRA(pipe.Flite, pipe.ThreeAA, pipe.ISP, pipe.Fusion, pipe.MCSC)},
	frame.PreviewDualSlave:       {PreviewDual, chain(pipe.FliteSlave, pipe.ThreeAASlave, pipe.ISPSlave)},
	frame.Reprocessing:           {Reprocessing, chain(pipe.Reprocessing3AA, pipe.ReprocessingISP, pipe.ReprocessingMCSC)},
	frame.JpegReprocessing:       {Reprocessing, withJPEG(pipe.Reprocessing3AA, pipe.ReprocessingISP, pipe.ReprocessingMCSC)},
	frame.ReprocessingDualMaster: {ReprocessingDual, withJPEG(pipe.Reprocessing3AA, pipe.ReprocessingFusion, pipe.ReprocessingISP, pipe.ReprocessingMCSC)},
	frame.ReprocessingDualSlave:  {ReprocessingDual, chain(pipe.Reprocessing3AASlave)},
	frame.Vision:                 {Vision, chain(pipe.Flite, pipe.VRA)},
}

// FactoryOf returns the factory that builds frames of type t.
func FactoryOf(t frame.Type) (Type, error) {
	if int(t) < 0 || int(t) >= frame.NumTypes || table[t].stages == nil {
		return 0, fmt.Errorf("no factory for frame type %s", t)
	}
	return table[t].factory, nil
}

// Stages returns the stage subset a frame of type t needs for s.
func Stages(t frame.Type, s Streams) ([]pipe.ID, error) {
	if int(t) < 0 || int(t) >= frame.NumTypes || table[t].stages == nil {
		return nil, fmt.Errorf("no factory for frame type %s", t)
	}
	return table[t].stages(s), nil
}

// Factory creates frames, binds their buffers and pushes them into the
// pipeline.
type Factory struct {
	supplier *buffer.Supplier
	drv      driver.Driver
	frames   *frame.Table
	logger   camlog.Logger
	metrics  *metrics.Metrics

	// Jobs enqueued per stage and not yet completed.
	inflight [pipe.Count]atomic.Int64

	// Metrics
	created     [NumTypes]atomic.Uint64
	buildErrors atomic.Uint64
	pushed      atomic.Uint64
}

// New creates a factory.
func New(supplier *buffer.Supplier, drv driver.Driver, frames *frame.Table, logger camlog.Logger, m *metrics.Metrics) *Factory {
	if logger == nil {
		logger = camlog.L()
	}
	return &Factory{
		supplier: supplier,
		drv:      drv,
		frames:   frames,
		logger:   logger.Named("factory"),
		metrics:  m,
	}
}

// CreateFrame builds a frame of type t with sequence number count and
// inserts it into the frame table. Each entity gets one output buffer from
// its own stage pool. When a pool is exhausted that entity and every later
// one are failed and the frame is still returned; the failure is recorded
// on the frame.
func (f *Factory) CreateFrame(ctx context.Context, count uint32, t frame.Type, req *request.Request) (*frame.Frame, error) {
	streams := StreamsOf(req)
	stages, err := Stages(t, streams)
	if err != nil {
		return nil, err
	}
	ft := table[t].factory

	fr := frame.New(count, t, stages)
	if req != nil && !t.IsInternal() {
		fr.AttachRequest(req.Key)
	}
	f.frames.Insert(fr)

	for _, stage := range stages {
		buf, err := f.supplier.Acquire(ctx, stage)
		if err != nil {
			failed := fr.FailFrom(stage, err)
			f.buildErrors.Add(1)
			f.logger.Warn("Failed to build frame",
				camlog.Stringer("frame", fr),
				camlog.Stringer("stage", stage),
				camlog.Any("failed", failed),
				camlog.Error(err))
			if f.metrics != nil {
				for _, s := range failed {
					f.metrics.EntityErrors.WithLabelValues(s.String(), "build").Inc()
				}
			}
			break
		}
		if err := fr.BindDst(stage, 0, buf.Handle); err != nil {
			_ = f.supplier.Release(buf.Handle)
			fr.FailFrom(stage, err)
			break
		}
	}

	f.created[ft].Add(1)
	if f.metrics != nil {
		f.metrics.FramesCreated.WithLabelValues(t.String()).Inc()
		f.metrics.FramesLive.Set(float64(f.frames.Len()))
	}
	f.logger.Debug("Frame created",
		camlog.Stringer("frame", fr),
		camlog.Stringer("factory", ft),
		camlog.Any("stages", stages))
	return fr, nil
}

// PushFrame starts fr on its first live stage. It reports false when no
// stage is left to run, in which case the caller finishes the frame.
func (f *Factory) PushFrame(fr *frame.Frame) bool {
	return f.Advance(fr, -1)
}

// Advance starts fr on the first live stage after the given one. Stages
// that cannot be started are failed and skipped.
func (f *Factory) Advance(fr *frame.Frame, after pipe.ID) bool {
	prev := after
	for {
		next, ok := fr.NextLive(prev)
		if !ok {
			return false
		}
		if err := fr.SetState(next, frame.Processing); err != nil {
			fr.FailFrom(next, err)
			f.logger.Warn("Cannot start stage",
				camlog.Stringer("frame", fr),
				camlog.Stringer("stage", next),
				camlog.Error(err))
			prev = next
			continue
		}

		e, _ := fr.Entity(next)
		src := e.Src
		if src == buffer.Nil && prev >= 0 {
			if pe, ok := fr.Entity(prev); ok && len(pe.Dst) > 0 {
				src = pe.Dst[0]
			}
		}
		job := driver.Job{
			Frame: uint64(fr.Handle()),
			Count: fr.Count(),
			Stage: next,
			Src:   src,
			Dst:   e.Dst,
		}
		// The driver may complete the job before Enqueue returns.
		f.inflight[next].Add(1)
		if err := f.drv.Enqueue(next, job); err != nil {
			f.inflight[next].Add(-1)
			fr.FailFrom(next, err)
			f.logger.Warn("Failed to enqueue job",
				camlog.Stringer("frame", fr),
				camlog.Stringer("stage", next),
				camlog.Error(err))
			prev = next
			continue
		}
		f.pushed.Add(1)
		return true
	}
}

// Completed records that the driver returned a job for stage.
func (f *Factory) Completed(stage pipe.ID) {
	f.inflight[stage].Add(-1)
}

// InFlight returns the jobs enqueued on stage and not yet completed.
func (f *Factory) InFlight(stage pipe.ID) int {
	return int(f.inflight[stage].Load())
}

// Stats returns factory counters.
func (f *Factory) Stats() map[string]interface{} {
	created := make(map[string]uint64, NumTypes)
	for i := range f.created {
		created[Type(i).String()] = f.created[i].Load()
	}
	return map[string]interface{}{
		"created":      created,
		"build_errors": f.buildErrors.Load(),
		"pushed":       f.pushed.Load(),
	}
}
