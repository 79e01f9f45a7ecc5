package camlog

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).Named("device").With(String("session", "abc"))

	l.Warn("stage timeout",
		String("stage", "3AA"),
		Int("count", 3),
		Duration("wait", 500*time.Millisecond),
		Error(errors.New("boom")),
		Error(nil),
	)

	entries := logs.All()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "device", e.LoggerName)
	assert.Equal(t, zapcore.WarnLevel, e.Level)

	ctx := e.ContextMap()
	assert.Equal(t, "abc", ctx["session"])
	assert.Equal(t, "3AA", ctx["stage"])
	assert.EqualValues(t, 3, ctx["count"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestNewZapRejectsBadOptions(t *testing.T) {
	_, err := NewZap(Options{Level: "loud"})
	assert.Error(t, err)

	_, err = NewZap(Options{Format: "xml"})
	assert.Error(t, err)

	l, err := NewZap(Options{Level: "debug", Format: "console", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestReplaceGlobal(t *testing.T) {
	prev := L()
	defer ReplaceGlobal(prev)

	core, logs := observer.New(zapcore.InfoLevel)
	ReplaceGlobal(FromZap(zap.New(core)))
	ReplaceGlobal(nil) // ignored

	L().Info("hello")
	assert.Equal(t, 1, logs.Len())
}
