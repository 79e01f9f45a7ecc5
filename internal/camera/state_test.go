package camera

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/camhal/internal/camerr"
	"github.com/mikeyg42/camhal/internal/camlog"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateOpen, StateInitialize, true},
		{StateOpen, StateRun, false},
		{StateInitialize, StateConfigured, true},
		{StateConfigured, StateConfigured, true},
		{StateConfigured, StateStart, true},
		{StateStart, StateRun, true},
		{StateStart, StateConfigured, false},
		{StateRun, StateFlush, true},
		{StateRun, StateStart, false},
		{StateFlush, StateConfigured, true},
		{StateFlush, StateRun, false},
		{StateRun, StateError, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			sm := newStateMachine(camlog.NewNop(), nil)
			sm.state = tt.from
			err := sm.transit(tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, sm.get())
				return
			}
			assert.ErrorIs(t, err, camerr.ErrInvalidState)
			assert.Equal(t, tt.from, sm.get())
		})
	}
}

func TestErrorIsSticky(t *testing.T) {
	sm := newStateMachine(camlog.NewNop(), nil)
	require.NoError(t, sm.transit(StateInitialize))

	assert.True(t, sm.toError())
	assert.False(t, sm.toError(), "only the first caller reports the error")

	assert.ErrorIs(t, sm.transit(StateConfigured), camerr.ErrDeviceError)
	assert.False(t, sm.transitIf(StateError, StateConfigured))
	assert.Equal(t, StateError, sm.get())
}

func TestTransitIf(t *testing.T) {
	sm := newStateMachine(camlog.NewNop(), nil)
	sm.state = StateConfigured

	assert.True(t, sm.transitIf(StateConfigured, StateStart))
	assert.False(t, sm.transitIf(StateConfigured, StateStart))
	assert.Equal(t, StateStart, sm.get())
}

func TestWaitFor(t *testing.T) {
	t.Run("reached", func(t *testing.T) {
		sm := newStateMachine(camlog.NewNop(), nil)
		sm.state = StateStart
		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = sm.transit(StateRun)
		}()
		require.NoError(t, sm.waitFor(context.Background(), StateRun, 50, 5*time.Millisecond))
	})

	t.Run("timeout", func(t *testing.T) {
		sm := newStateMachine(camlog.NewNop(), nil)
		sm.state = StateStart
		err := sm.waitFor(context.Background(), StateRun, 3, time.Millisecond)
		assert.ErrorIs(t, err, camerr.ErrStageTimeout)
	})

	t.Run("error stops the wait", func(t *testing.T) {
		sm := newStateMachine(camlog.NewNop(), nil)
		sm.state = StateStart
		sm.toError()
		start := time.Now()
		err := sm.waitFor(context.Background(), StateRun, 100, 50*time.Millisecond)
		assert.ErrorIs(t, err, camerr.ErrDeviceError)
		assert.Less(t, time.Since(start), time.Second)
	})
}
