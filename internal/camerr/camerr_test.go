package camerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stage string

func (s stage) String() string { return string(s) }

func TestErrorMatchesSentinelByKind(t *testing.T) {
	base := New(KindBufferExhaustion, "acquire", errors.New("pool empty")).WithStage(stage("REPROCESSING_3AA")).WithKey(7)
	wrapped := fmt.Errorf("create frame: %w", base)

	assert.ErrorIs(t, wrapped, ErrBufferExhausted)
	assert.NotErrorIs(t, wrapped, ErrStageTimeout)
	assert.Equal(t, KindBufferExhaustion, KindOf(wrapped))
	assert.Equal(t, "acquire: buffer_exhaustion stage=REPROCESSING_3AA request=7: pool empty", base.Error())
	assert.True(t, IsRecoverable(wrapped))
	assert.False(t, IsFatal(wrapped))
}

func TestFatalClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"device fault", New(KindDeviceFault, "monitor", nil), true},
		{"device error", fmt.Errorf("submit: %w", ErrDeviceError), true},
		{"timeout", New(KindStageTimeout, "flush", nil), false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestSentinelDoesNotMatchDetailedError(t *testing.T) {
	detailed := New(KindStageTimeout, "wait", nil)
	// A detailed target only matches itself, never other errors of its kind.
	assert.False(t, errors.Is(ErrStageTimeout, detailed))
	assert.True(t, errors.Is(detailed, ErrStageTimeout))
}
