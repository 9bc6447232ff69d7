package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("create logger with console output", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		require.NotNil(t, logger)
		assert.NoError(t, logger.Close())
	})

	t.Run("create logger with plain file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "plain", "mb.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		logger.Info().Msg("session created")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "session created")
	})

	t.Run("create logger with rotating file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "mb.log")

		logger, err := New(Config{Level: "info", File: logFile, MaxSize: 1})
		require.NoError(t, err)

		_, ok := logger.sink.(*RotatingWriter)
		assert.True(t, ok)
		require.NoError(t, logger.Close())
	})

	t.Run("redaction scrubs credentials from file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "mb.log")

		logger, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)
		require.NotNil(t, logger.redactor)

		logger.Info().Str("key", "sk-ant-REDACTED").Msg("configured")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "sk-ant-api03")
		assert.Contains(t, string(data), redactedMarker)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})
}

func TestLoggerMethods(t *testing.T) {
	logger, err := New(Config{Level: "debug", File: filepath.Join(t.TempDir(), "mb.log")})
	require.NoError(t, err)
	defer logger.Close()

	assert.NotNil(t, logger.Debug())
	assert.NotNil(t, logger.Info())
	assert.NotNil(t, logger.Warn())
	assert.NotNil(t, logger.Error())
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "mb.log")
	logger, err := New(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	child := logger.Component("session")
	child.Info().Msg("hello")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"session"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}
