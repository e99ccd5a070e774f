package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/logging"
)

func TestNew_RespectsLevel(t *testing.T) {
	logger, level, err := logging.New(config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.Equal(t, zapcore.WarnLevel, level.Level())
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))

	level.SetLevel(zapcore.DebugLevel)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_RejectsUnknownLevel(t *testing.T) {
	_, _, err := logging.New(config.LogConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestParseLevel_EmptyDefaultsToInfo(t *testing.T) {
	level, err := logging.ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"alice@example.com": "a***@example.com",
		"a@b.io":            "a***@b.io",
		"broken":            "***",
		"":                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, logging.MaskEmail(in), in)
	}
}
