package camera

import (
	"time"

	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/dual"
	"github.com/mikeyg42/camhal/internal/frame"
	"github.com/mikeyg42/camhal/internal/metadata"
	"github.com/mikeyg42/camhal/internal/pipe"
	"github.com/mikeyg42/camhal/internal/request"
	"github.com/mikeyg42/camhal/internal/result"
)

// tracker follows one running request across the frames built for it: the
// preview frame and, for captures, the reprocessing frame.
type tracker struct {
	req    *request.Request
	count  uint32
	mode   dual.Mode
	frames int

	// still is a capture without a JPEG stream; its preview buffer comes
	// from the reprocessing pass.
	still bool

	shutter   bool
	partial   bool
	metaErr   bool
	reqErr    bool
	buffers   map[int]bool
	timestamp time.Time
}

// producer returns the stage of a frame of type t that fills streams of
// kind k.
func producer(t frame.Type, k request.StreamKind, still bool) (pipe.ID, bool) {
	switch k {
	case request.StreamPreview:
		if still {
			switch t {
			case frame.Reprocessing, frame.ReprocessingDualMaster:
				return pipe.ReprocessingMCSC, true
			}
			return 0, false
		}
		switch t {
		case frame.Preview, frame.PreviewDualMaster:
			return pipe.MCSC, true
		case frame.PreviewSlave:
			return pipe.MCSCSlave, true
		}
	case request.StreamRaw:
		switch t {
		case frame.Preview, frame.PreviewDualMaster, frame.Vision:
			return pipe.Flite, true
		case frame.PreviewSlave:
			return pipe.FliteSlave, true
		}
	case request.StreamJpeg:
		switch t {
		case frame.JpegReprocessing, frame.ReprocessingDualMaster:
			return pipe.JPEG, true
		}
	case request.StreamVision:
		switch t {
		case frame.Preview, frame.PreviewDualMaster, frame.PreviewSlave, frame.Vision:
			return pipe.VRA, true
		}
	}
	return 0, false
}

func isStatsStage(id pipe.ID) bool {
	return id == pipe.ThreeAA || id == pipe.ThreeAASlave
}

func contains(ids []pipe.ID, id pipe.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// track starts result accounting for r.
func (d *Device) track(r *request.Request, count uint32, mode dual.Mode) *tracker {
	t := &tracker{
		req:     r,
		count:   count,
		mode:    mode,
		frames:  1,
		buffers: make(map[int]bool, len(r.Streams)),
	}
	if r.IsCapture() {
		t.frames++
		t.still = !r.Has(request.StreamJpeg)
	}
	d.reqMu.Lock()
	d.inflight[r.Key] = t
	d.reqMu.Unlock()
	return t
}

func (d *Device) push(rs []result.Result) {
	for _, r := range rs {
		d.dispatcher.Push(r)
	}
}

func (d *Device) encodeMeta(t *tracker, fr *frame.Frame, partial bool) []byte {
	meta := metadata.ResultMeta{
		Key:        t.req.Key,
		FrameCount: t.count,
		Timestamp:  t.timestamp,
		Partial:    partial,
		ZoomRatio:  t.req.DecodedSettings().Zoom(),
	}
	if d.cfg.Device.DualEnabled {
		meta.DualMode = t.mode.String()
	}
	if fr != nil {
		meta.FrameType = fr.Type().String()
		for _, s := range fr.Stages() {
			meta.Stages = append(meta.Stages, s.String())
		}
	}
	blob, err := d.codec.Encode(meta)
	if err != nil {
		d.logger.Warn("Failed to encode result metadata",
			camlog.Uint64("request", t.req.Key),
			camlog.Error(err))
	}
	return blob
}

// publishStage emits the results a successfully completed stage makes
// available: the shutter at the sensor, partial metadata at 3AA and every
// stream buffer the stage produces.
func (d *Device) publishStage(fr *frame.Frame, stage pipe.ID, ts time.Time) {
	if stage.IsSensor() && !fr.Type().IsReprocessing() {
		fr.SetTimestamp(ts)
		d.holdRaw(fr, stage)
	}
	key, ok := fr.Request()
	if !ok {
		return
	}

	var out []result.Result
	d.reqMu.Lock()
	t := d.inflight[key]
	if t == nil || t.reqErr {
		d.reqMu.Unlock()
		return
	}
	if stage.IsSensor() && !t.shutter {
		t.shutter = true
		t.timestamp = ts
		out = append(out, result.Shutter(key, ts))
	}
	if isStatsStage(stage) && !t.partial {
		t.partial = true
		out = append(out, result.PartialMeta(key, d.encodeMeta(t, fr, true)))
		fr.SetReady(frame.ResultPartialMeta)
	}
	for _, s := range t.req.Streams {
		if p, ok := producer(fr.Type(), s.Kind, t.still); ok && p == stage && !t.buffers[s.ID] {
			t.buffers[s.ID] = true
			out = append(out, result.Buffer(key, s.ID, s.Handle, result.BufferOK))
			fr.SetReady(frame.ResultBuffer)
		}
	}
	d.reqMu.Unlock()

	d.push(out)
}

// settleLocked accounts one finished (or abandoned) frame of t. failed are
// the stages that ended in ERROR; typ selects which streams the frame was
// responsible for.
func (d *Device) settleLocked(t *tracker, fr *frame.Frame, typ frame.Type, failed []pipe.ID) []result.Result {
	key := t.req.Key
	var out []result.Result

	if !t.reqErr {
		for _, s := range failed {
			if s.IsSensor() && !t.shutter && !typ.IsReprocessing() {
				t.reqErr = true
				out = append(out, result.Error(result.ErrorRequest, key, result.NoStream))
				break
			}
		}
	}
	if !t.reqErr {
		for _, s := range failed {
			if isStatsStage(s) && !t.partial && !t.metaErr {
				t.metaErr = true
				out = append(out, result.Error(result.ErrorResult, key, result.NoStream))
				break
			}
		}
		for _, s := range t.req.Streams {
			if p, ok := producer(typ, s.Kind, t.still); ok && contains(failed, p) && !t.buffers[s.ID] {
				t.buffers[s.ID] = true
				out = append(out, result.Error(result.ErrorBuffer, key, s.ID))
			}
		}
	}

	t.frames--
	if t.frames > 0 {
		return out
	}

	if !t.reqErr {
		if !t.shutter {
			t.reqErr = true
			out = append(out, result.Error(result.ErrorRequest, key, result.NoStream))
		} else {
			for _, s := range t.req.Streams {
				if !t.buffers[s.ID] {
					t.buffers[s.ID] = true
					out = append(out, result.Error(result.ErrorBuffer, key, s.ID))
				}
			}
			if !t.metaErr {
				out = append(out, result.AllMeta(key, d.encodeMeta(t, fr, false)))
			}
		}
	}
	delete(d.inflight, key)
	return out
}

// finishRequestFrame publishes what a finished frame still owes its
// request: error results for failed stages and, for the request's last
// frame, the final metadata.
func (d *Device) finishRequestFrame(fr *frame.Frame, key uint64) {
	d.reqMu.Lock()
	t := d.inflight[key]
	if t == nil {
		d.reqMu.Unlock()
		return
	}
	out := d.settleLocked(t, fr, fr.Type(), fr.Failed())
	d.reqMu.Unlock()

	fr.SetReady(frame.ResultAllMeta)
	d.push(out)
}
