package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := parseLevel("verbose")
	assert.ErrorContains(t, err, "unknown log level")
}

func TestInit(t *testing.T) {
	defer func() { log = nil }()

	assert.ErrorContains(t, Init("info", "xml"), "unknown log format")
	assert.Nil(t, log)

	require.NoError(t, Init("debug", "json"))
	require.NotNil(t, log)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.Equal(t, "deploy", Named("deploy").Name())
}

func TestNamed_BeforeInit(t *testing.T) {
	log = nil
	l := Named("monitor")
	require.NotNil(t, l)
	l.Info("dropped")
	Info("dropped")
	assert.NoError(t, Sync())
}
