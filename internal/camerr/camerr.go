// Package camerr classifies the failures the orchestrator can observe.
//
// Per-frame failures (buffer exhaustion, bad entity state, a failed capture
// selection) are recovered locally and reported against the originating
// request. Device faults are fatal and make the device state sticky ERROR.
package camerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindBufferExhaustion: acquire timed out; the affected entity is failed.
	KindBufferExhaustion
	// KindStageTimeout: a stage made no progress within its bound.
	KindStageTimeout
	// KindInvalidFrameState: an entity reached a queue in an impossible state.
	KindInvalidFrameState
	// KindDeviceFault: hardware-reported stream fault. Fatal.
	KindDeviceFault
	// KindModeTransitionRace: standby acknowledgement not in yet; mode deferred.
	KindModeTransitionRace
	// KindInvalidState: operation not allowed in the current device state.
	KindInvalidState
	// KindSelectionFailed: no held raw frame matched within the retry budget.
	KindSelectionFailed
)

func (k Kind) String() string {
	switch k {
	case KindBufferExhaustion:
		return "buffer_exhaustion"
	case KindStageTimeout:
		return "stage_timeout"
	case KindInvalidFrameState:
		return "invalid_frame_state"
	case KindDeviceFault:
		return "device_fault"
	case KindModeTransitionRace:
		return "mode_transition_race"
	case KindInvalidState:
		return "invalid_state"
	case KindSelectionFailed:
		return "selection_failed"
	default:
		return "unknown"
	}
}

// Sentinels. Match with errors.Is; any *Error of the same Kind matches the
// Kind sentinels.
var (
	ErrBufferExhausted    = &Error{Kind: KindBufferExhaustion}
	ErrStageTimeout       = &Error{Kind: KindStageTimeout}
	ErrInvalidFrameState  = &Error{Kind: KindInvalidFrameState}
	ErrDeviceFault        = &Error{Kind: KindDeviceFault}
	ErrModeTransitionRace = &Error{Kind: KindModeTransitionRace}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrSelectionFailed    = &Error{Kind: KindSelectionFailed}

	ErrDeviceError   = errors.New("device is in error state")
	ErrDoubleRelease = errors.New("buffer already released")
	ErrClosed        = errors.New("closed")
)

// Error carries the failure kind together with where it happened.
type Error struct {
	Kind  Kind
	Op    string
	Stage string
	Key   uint64 // request key, 0 when not request-scoped
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Stage != "" {
		b.WriteString(" stage=")
		b.WriteString(e.Stage)
	}
	if e.Key != 0 {
		fmt.Fprintf(&b, " request=%d", e.Key)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Stage == "" && t.Key == 0 && t.Err == nil
}

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithStage returns a copy of e tagged with stage.
func (e *Error) WithStage(stage fmt.Stringer) *Error {
	cp := *e
	cp.Stage = stage.String()
	return &cp
}

// WithKey returns a copy of e tagged with a request key.
func (e *Error) WithKey(key uint64) *Error {
	cp := *e
	cp.Key = key
	return &cp
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsRecoverable reports whether err should be handled per frame rather than
// escalated to the device.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindBufferExhaustion, KindInvalidFrameState, KindModeTransitionRace, KindSelectionFailed, KindStageTimeout:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must move the device to ERROR.
func IsFatal(err error) bool {
	return KindOf(err) == KindDeviceFault || errors.Is(err, ErrDeviceError)
}
