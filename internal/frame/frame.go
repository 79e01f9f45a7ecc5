// Package frame models the orchestrator's unit of work: one capture cycle
// carried through an ordered set of pipeline stages.
package frame

import (
	"fmt"
	"sync"
	"time"

	"github.com/mikeyg42/camhal/internal/buffer"
	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/pipe"
)

// Entity is a frame's record for one stage.
type Entity struct {
	Stage pipe.ID
	State EntityState

	// Src is the input buffer. SrcBorrowed marks a buffer owned by another
	// frame (a held raw frame read by reprocessing); it is never released
	// through this entity.
	Src         buffer.Handle
	SrcBorrowed bool

	// Dst holds output buffers by port index.
	Dst []buffer.Handle

	Err error
}

func (e *Entity) bound() bool {
	if len(e.Dst) == 0 {
		return false
	}
	for _, h := range e.Dst {
		if h == buffer.Nil {
			return false
		}
	}
	return true
}

// Frame is one capture cycle. It is shared between goroutines through the
// frame table; every field access goes through its mutex.
type Frame struct {
	mu sync.Mutex

	handle     Handle
	count      uint32
	typ        Type
	requestKey uint64
	hasRequest bool
	created    time.Time

	entities []*Entity
	ready    ResultFlag

	// Capture selector references keeping the sensor output alive.
	holds     int
	heldStage pipe.ID

	timestamp time.Time
	err       error
	finished  bool
}

// New builds a frame with one REQUESTED entity per stage, in order.
func New(count uint32, typ Type, stages []pipe.ID) *Frame {
	f := &Frame{
		count:     count,
		typ:       typ,
		created:   time.Now(),
		entities:  make([]*Entity, 0, len(stages)),
		heldStage: -1,
	}
	for _, s := range stages {
		f.entities = append(f.entities, &Entity{Stage: s, State: Requested})
	}
	return f
}

func (f *Frame) Handle() Handle { return f.handle }
func (f *Frame) Count() uint32  { return f.count }
func (f *Frame) Type() Type     { return f.typ }

// AttachRequest links the frame to a caller request.
func (f *Frame) AttachRequest(key uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestKey = key
	f.hasRequest = true
}

// Request returns the attached request key.
func (f *Frame) Request() (key uint64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestKey, f.hasRequest
}

// HasRequest reports whether a caller-visible request is attached.
func (f *Frame) HasRequest() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasRequest
}

func (f *Frame) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasRequest {
		return fmt.Sprintf("F%d(%s,R%d)", f.count, f.typ, f.requestKey)
	}
	return fmt.Sprintf("F%d(%s)", f.count, f.typ)
}

// Stages returns the frame's stages in pipeline order.
func (f *Frame) Stages() []pipe.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pipe.ID, len(f.entities))
	for i, e := range f.entities {
		out[i] = e.Stage
	}
	return out
}

// Entity returns a copy of the entity for stage.
func (f *Frame) Entity(stage pipe.ID) (Entity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.find(stage)
	if e == nil {
		return Entity{}, false
	}
	cp := *e
	cp.Dst = append([]buffer.Handle(nil), e.Dst...)
	return cp, true
}

func (f *Frame) find(stage pipe.ID) *Entity {
	for _, e := range f.entities {
		if e.Stage == stage {
			return e
		}
	}
	return nil
}

// BindDst binds an output buffer to a port of stage's entity.
func (f *Frame) BindDst(stage pipe.ID, port int, h buffer.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.find(stage)
	if e == nil {
		return fmt.Errorf("bind %s on %s: no such entity", stage, f.typ)
	}
	if e.State != Requested {
		return camerr.New(camerr.KindInvalidFrameState, "bind", fmt.Errorf("entity is %s", e.State)).WithStage(stage)
	}
	for len(e.Dst) <= port {
		e.Dst = append(e.Dst, buffer.Nil)
	}
	e.Dst[port] = h
	return nil
}

// BindSrc sets the input buffer of stage's entity.
func (f *Frame) BindSrc(stage pipe.ID, h buffer.Handle, borrowed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.find(stage)
	if e == nil {
		return fmt.Errorf("bind src %s on %s: no such entity", stage, f.typ)
	}
	e.Src = h
	e.SrcBorrowed = borrowed
	return nil
}

// SetState moves stage's entity to state. Terminal states are final and an
// entity may not leave REQUESTED for PROCESSING without bound buffers.
func (f *Frame) SetState(stage pipe.ID, state EntityState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.find(stage)
	if e == nil {
		return fmt.Errorf("set state %s on %s: no such entity", stage, f.typ)
	}
	return setState(e, state)
}

func setState(e *Entity, state EntityState) error {
	if e.State.Terminal() {
		if e.State == state {
			return nil
		}
		return camerr.New(camerr.KindInvalidFrameState, "set state",
			fmt.Errorf("%s -> %s", e.State, state)).WithStage(e.Stage)
	}
	switch state {
	case Processing:
		if e.State != Requested {
			return camerr.New(camerr.KindInvalidFrameState, "set state",
				fmt.Errorf("%s -> %s", e.State, state)).WithStage(e.Stage)
		}
		if !e.bound() {
			return camerr.New(camerr.KindInvalidFrameState, "set state",
				fmt.Errorf("buffers not bound")).WithStage(e.Stage)
		}
	case Complete:
		if e.State != Processing {
			return camerr.New(camerr.KindInvalidFrameState, "set state",
				fmt.Errorf("%s -> %s", e.State, state)).WithStage(e.Stage)
		}
	case Requested:
		return camerr.New(camerr.KindInvalidFrameState, "set state",
			fmt.Errorf("%s -> %s", e.State, state)).WithStage(e.Stage)
	}
	e.State = state
	return nil
}

// Fail marks stage's entity ERROR with cause. Failing a terminal entity is
// a no-op.
func (f *Frame) Fail(stage pipe.ID, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.find(stage); e != nil && !e.State.Terminal() {
		e.State = Error
		e.Err = cause
	}
}

// FailFrom marks stage's entity and every later non-terminal entity ERROR.
func (f *Frame) FailFrom(stage pipe.ID, cause error) []pipe.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var failed []pipe.ID
	hit := false
	for _, e := range f.entities {
		if e.Stage == stage {
			hit = true
		}
		if hit && !e.State.Terminal() {
			e.State = Error
			e.Err = cause
			failed = append(failed, e.Stage)
		}
	}
	if f.err == nil {
		f.err = cause
	}
	return failed
}

// FailAll marks every non-terminal entity ERROR.
func (f *Frame) FailAll(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entities {
		if !e.State.Terminal() {
			e.State = Error
			e.Err = cause
		}
	}
	if f.err == nil {
		f.err = cause
	}
}

// NextLive returns the first non-terminal stage after stage, or the first
// non-terminal stage when stage is negative.
func (f *Frame) NextLive(after pipe.ID) (pipe.ID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := after < 0
	for _, e := range f.entities {
		if !seen {
			if e.Stage == after {
				seen = true
			}
			continue
		}
		if !e.State.Terminal() {
			return e.Stage, true
		}
	}
	return 0, false
}

// Done reports whether every entity is terminal.
func (f *Frame) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doneLocked()
}

func (f *Frame) doneLocked() bool {
	for _, e := range f.entities {
		if !e.State.Terminal() {
			return false
		}
	}
	return true
}

// Failed returns the stages whose entity ended in ERROR.
func (f *Frame) Failed() []pipe.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pipe.ID
	for _, e := range f.entities {
		if e.State == Error {
			out = append(out, e.Stage)
		}
	}
	return out
}

// Err returns the first error recorded on the frame.
func (f *Frame) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// SetErr records err if none is recorded yet.
func (f *Frame) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

// SetReady marks a result category ready and reports whether it was
// already set.
func (f *Frame) SetReady(flag ResultFlag) (already bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	already = f.ready&flag != 0
	f.ready |= flag
	return already
}

// Ready reports whether a result category was marked ready.
func (f *Frame) Ready(flag ResultFlag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready&flag != 0
}

// SetTimestamp records the sensor timestamp.
func (f *Frame) SetTimestamp(ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timestamp = ts
}

// Timestamp returns the sensor timestamp.
func (f *Frame) Timestamp() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timestamp
}

// Hold pins stage's output buffer for the capture selector. While held,
// ReleaseBuffers leaves that buffer bound.
func (f *Frame) Hold(stage pipe.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds++
	f.heldStage = stage
}

// Unhold drops one hold reference and reports how many remain.
func (f *Frame) Unhold() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holds > 0 {
		f.holds--
	}
	return f.holds
}

// Held reports whether the capture selector still references the frame.
func (f *Frame) Held() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holds > 0
}

// HeldBuffer returns the pinned output buffer.
func (f *Frame) HeldBuffer() (buffer.Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holds == 0 {
		return buffer.Nil, false
	}
	e := f.find(f.heldStage)
	if e == nil || len(e.Dst) == 0 {
		return buffer.Nil, false
	}
	return e.Dst[0], e.Dst[0] != buffer.Nil
}

// ReleaseBuffers unbinds every owned buffer and hands it to release.
// Borrowed sources are skipped, as is a held buffer while holds remain.
// The first release error is returned; unbinding continues regardless.
func (f *Frame) ReleaseBuffers(release func(buffer.Handle) error) error {
	f.mu.Lock()
	var toRelease []buffer.Handle
	for _, e := range f.entities {
		keep := f.holds > 0 && e.Stage == f.heldStage
		for i, h := range e.Dst {
			if h == buffer.Nil || (keep && i == 0) {
				continue
			}
			toRelease = append(toRelease, h)
			e.Dst[i] = buffer.Nil
		}
		if e.Src != buffer.Nil && !e.SrcBorrowed {
			toRelease = append(toRelease, e.Src)
		}
		if e.Src != buffer.Nil {
			e.Src = buffer.Nil
			e.SrcBorrowed = false
		}
	}
	f.mu.Unlock()

	var firstErr error
	for _, h := range toRelease {
		if err := release(h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BoundBuffers returns every owned buffer still bound to the frame.
func (f *Frame) BoundBuffers() []buffer.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []buffer.Handle
	for _, e := range f.entities {
		for _, h := range e.Dst {
			if h != buffer.Nil {
				out = append(out, h)
			}
		}
		if e.Src != buffer.Nil && !e.SrcBorrowed {
			out = append(out, e.Src)
		}
	}
	return out
}

// Finish marks the frame as handed to the finish path and reports whether
// this call did so. Later calls return false.
func (f *Frame) Finish() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return false
	}
	f.finished = true
	return true
}

// Destroyable reports whether the frame may be dropped from the table:
// every entity terminal, no owned buffer bound, and no hold reference.
func (f *Frame) Destroyable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.doneLocked() || f.holds > 0 {
		return false
	}
	for _, e := range f.entities {
		for _, h := range e.Dst {
			if h != buffer.Nil {
				return false
			}
		}
		if e.Src != buffer.Nil && !e.SrcBorrowed {
			return false
		}
	}
	return true
}
