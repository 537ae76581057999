package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()

	output := &bytes.Buffer{}
	l, err := New(&Config{
		Level:      level,
		Format:     "json",
		TimeFormat: time.RFC3339,
		writer:     output,
	})
	require.NoError(t, err)
	return l, output
}

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel []string
	}{
		{name: "debug keeps everything", level: "debug", wantLevel: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{name: "info drops debug", level: "info", wantLevel: []string{"INFO", "WARN", "ERROR"}},
		{name: "warn drops info", level: "warn", wantLevel: []string{"WARN", "ERROR"}},
		{name: "error keeps only errors", level: "error", wantLevel: []string{"ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, output := newJSONLogger(t, tt.level)

			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e", slog.String("job_id", "job-1"))

			entries := decodeLines(t, output)
			require.Len(t, entries, len(tt.wantLevel))
			for i, entry := range entries {
				assert.Equal(t, tt.wantLevel[i], entry["level"])
			}
			assert.Equal(t, "job-1", entries[len(entries)-1]["job_id"])
		})
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	output := &bytes.Buffer{}
	l, err := New(&Config{Level: "info", Format: "console", writer: output})
	require.NoError(t, err)

	l.Info("worker started")

	// tint abbreviates levels
	assert.Contains(t, output.String(), "INF")
	assert.Contains(t, output.String(), "worker started")
}

func TestNew_SourceLocation(t *testing.T) {
	output := &bytes.Buffer{}
	l, err := New(&Config{Level: "info", Format: "json", EnableSource: true, writer: output})
	require.NoError(t, err)

	l.Info("message with source")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	l, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	l.Info("to file", slog.String("user_id", "u-1"))
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
	assert.Contains(t, string(data), `"user_id":"u-1"`)
}

func TestNew_FileOutputUnwritable(t *testing.T) {
	l, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
	assert.Nil(t, l)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestNewDefault(t *testing.T) {
	l := NewDefault()
	require.NotNil(t, l)
	assert.NotNil(t, l.Logger)
	assert.NoError(t, l.Close())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{level: "debug", expected: slog.LevelDebug},
		{level: "info", expected: slog.LevelInfo},
		{level: "warn", expected: slog.LevelWarn},
		{level: "warning", expected: slog.LevelWarn},
		{level: "error", expected: slog.LevelError},
		{level: "DEBUG", expected: slog.LevelInfo}, // case-sensitive
		{level: "invalid", expected: slog.LevelInfo},
		{level: "", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLogger_WithGroup(t *testing.T) {
	l, output := newJSONLogger(t, "info")

	l.WithGroup("gateway").Info("call", slog.String("endpoint", "description"))

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	group, ok := entries[0]["gateway"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "description", group["endpoint"])
}

func TestLogger_WithAttrsAndComponent(t *testing.T) {
	l, output := newJSONLogger(t, "info")

	l.WithAttrs(slog.String("worker_id", "w-1")).Component("workflow").Info("step done", slog.Int("step", 3))

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "w-1", entries[0]["worker_id"])
	assert.Equal(t, "workflow", entries[0]["component"])
	assert.Equal(t, float64(3), entries[0]["step"]) // JSON numbers are float64
}

func TestLogger_With(t *testing.T) {
	l, output := newJSONLogger(t, "info")

	l.With(slog.String("service", "api"), slog.Int("version", 1)).Info("operation complete")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "api", entries[0]["service"])
	assert.Equal(t, float64(1), entries[0]["version"])
}
