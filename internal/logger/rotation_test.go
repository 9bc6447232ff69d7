package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("create directory if not exists", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "subdir", "test.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("picks up existing size", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "test.log")
		require.NoError(t, os.WriteFile(logFile, []byte("existing\n"), 0o644))

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		assert.Equal(t, int64(len("existing\n")), rw.currentSize)
	})
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	rw, err := NewRotatingWriter(logFile, 1, 0, false)
	require.NoError(t, err)
	defer rw.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	_, err = rw.Write(chunk)
	require.NoError(t, err)
	_, err = rw.Write(chunk)
	require.NoError(t, err)

	rotated, err := filepath.Glob(filepath.Join(dir, "test.log.*"))
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRotatingWriterCleanup(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	old := logFile + ".20200101-000000.000"
	require.NoError(t, os.WriteFile(old, []byte("old"), 0o644))
	past := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, past, past))

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	rw.cleanup()

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingWriterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "test.log"), 1, 0, false)
	require.NoError(t, err)

	require.NoError(t, rw.Close())
	assert.NoError(t, rw.Close())
}
