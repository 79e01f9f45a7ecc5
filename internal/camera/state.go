package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
	"github.com/mikeyg42/camhal/internal/metrics"
)

// State is the device lifecycle state.
type State int

const (
	StateOpen State = iota
	StateInitialize
	StateConfigured
	StateStart
	StateRun
	StateFlush
	StateError
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateInitialize:
		return "INITIALIZE"
	case StateConfigured:
		return "CONFIGURED"
	case StateStart:
		return "START"
	case StateRun:
		return "RUN"
	case StateFlush:
		return "FLUSH"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateOpen:       {StateInitialize, StateError},
	StateInitialize: {StateConfigured, StateFlush, StateError},
	StateConfigured: {StateConfigured, StateStart, StateFlush, StateError},
	StateStart:      {StateRun, StateFlush, StateError},
	StateRun:        {StateFlush, StateError},
	StateFlush:      {StateConfigured, StateError},
	StateError:      {StateError},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var errNotYet = errors.New("state not reached")

type stateMachine struct {
	logger  camlog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
}

func newStateMachine(logger camlog.Logger, m *metrics.Metrics) *stateMachine {
	sm := &stateMachine{logger: logger, metrics: m}
	sm.observe(StateOpen)
	return sm
}

func (sm *stateMachine) get() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// transit moves to next if the table allows it. Leaving ERROR always fails
// with ErrDeviceError.
func (sm *stateMachine) transit(next State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.transitLocked(next)
}

func (sm *stateMachine) transitLocked(next State) error {
	cur := sm.state
	if cur == StateError && next != StateError {
		return camerr.ErrDeviceError
	}
	if !allowed(cur, next) {
		return camerr.New(camerr.KindInvalidState, "transit", fmt.Errorf("%s -> %s", cur, next))
	}
	sm.state = next
	if cur != next {
		sm.logger.Info("Device state changed",
			camlog.Stringer("from", cur),
			camlog.Stringer("to", next))
	}
	sm.observe(next)
	return nil
}

// transitIf moves from -> to atomically and reports whether it did.
func (sm *stateMachine) transitIf(from, to State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != from {
		return false
	}
	return sm.transitLocked(to) == nil
}

// toError enters ERROR and reports whether the device was not already
// there.
func (sm *stateMachine) toError() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state == StateError {
		return false
	}
	_ = sm.transitLocked(StateError)
	return true
}

// waitFor polls until the state is want, giving up after retries polls
// of interval with a StageTimeout error. Reaching ERROR stops the wait.
func (sm *stateMachine) waitFor(ctx context.Context, want State, retries int, interval time.Duration) error {
	if retries <= 0 {
		retries = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(retries)),
		ctx,
	)
	err := backoff.Retry(func() error {
		switch sm.get() {
		case want:
			return nil
		case StateError:
			return backoff.Permanent(camerr.ErrDeviceError)
		}
		return errNotYet
	}, b)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, camerr.ErrDeviceError):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("wait for %s: %w", want, ctx.Err())
	}
	return camerr.New(camerr.KindStageTimeout, "wait for "+want.String(),
		fmt.Errorf("still %s after %d polls", sm.get(), retries))
}

func (sm *stateMachine) observe(s State) {
	if sm.metrics != nil {
		sm.metrics.DeviceState.Set(float64(s))
	}
}
