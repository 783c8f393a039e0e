package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"Error":   zerolog.ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestPrintfHelpers(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf).Level(zerolog.InfoLevel))
	t.Cleanup(func() { SetLogger(zerolog.Nop()) })

	Debug("hidden %d", 1)
	Info("cycle %s done", "abc")
	L().Warn().Str("group", "Maxson").Msg("partial")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]string
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "cycle abc done", first["message"])
	assert.Equal(t, "warn", second["level"])
	assert.Equal(t, "Maxson", second["group"])
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "eds-sync.log")

	l, closer, err := New(LoggerConfig{Level: zerolog.InfoLevel, Format: "json", FilePath: path, MaxBackups: 2})
	require.NoError(t, err)
	l.Info().Msg("written")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"written"`)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.log")

	rf, err := newRotatingFile(path, 1, 1)
	require.NoError(t, err)
	rf.maxSize = 16
	t.Cleanup(func() { rf.Close() })

	for i := 0; i < 3; i++ {
		_, err := rf.Write([]byte("0123456789abcdefXYZ\n"))
		require.NoError(t, err)
	}

	backups, err := filepath.Glob(filepath.Join(dir, "sync.*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 1)
	assert.FileExists(t, path)
}

func TestRotatingFileClosed(t *testing.T) {
	rf, err := newRotatingFile(filepath.Join(t.TempDir(), "x.log"), 1, 1)
	require.NoError(t, err)
	require.NoError(t, rf.Close())

	_, err = rf.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}
