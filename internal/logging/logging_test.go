package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joeycumines/secure-fs-access/internal/config"
)

func TestNew_Levels(t *testing.T) {
	for _, tc := range []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	} {
		t.Run(tc.level, func(t *testing.T) {
			logger, err := New(config.LoggingConfig{Level: tc.level, Format: config.FormatJSON})
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tc.want))
			if tc.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tc.want-1))
			}
		})
	}
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud", Format: config.FormatJSON})
	require.ErrorContains(t, err, "invalid log level")

	_, err = New(config.LoggingConfig{Level: "info", Format: "xml"})
	require.ErrorContains(t, err, "invalid log format")
}

func TestNew_Console(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Format: config.FormatConsole})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sfa.log")
	logger, err := New(config.LoggingConfig{Level: "info", Format: config.FormatJSON, File: path})
	require.NoError(t, err)

	logger.Info("saved", zap.Int("count", 3))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "saved", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.EqualValues(t, 3, entry["count"])
}
