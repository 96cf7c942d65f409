package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should create logger with console output", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		require.NotNil(t, logger)
		defer logger.Close()
	})

	t.Run("should write to file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "ctxlab.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		componentLogger := logger.Component("test")
		componentLogger.Info().Msg("hello")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component":"test"`)
		assert.Contains(t, string(data), "hello")
	})

	t.Run("should redact secrets written to file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "ctxlab.log")

		logger, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, logger.redactor)

		logger.Info().Str("auth", "Bearer abc.def").Msg("request")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "abc.def")
		assert.Contains(t, string(data), "[REDACTED]")
	})

	t.Run("should fall back to info on unknown level", func(t *testing.T) {
		logger, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		assert.Equal(t, "info", logger.GetZerolog().GetLevel().String())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
}
