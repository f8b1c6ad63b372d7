package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromEnv(t *testing.T) {
	for value, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"Error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	} {
		t.Setenv("LOG_LEVEL", value)
		assert.Equal(t, want, LevelFromEnv(), "LOG_LEVEL=%q", value)
	}
}

func TestNewConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, closer := New(WithConsole(&console, true), WithLevel(slog.LevelWarn))
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", slog.Int("rows", 3))

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
	assert.Contains(t, console.String(), "rows=3")
}

func TestNewFansOutToFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "vilt.log")

	logger, closer := New(
		WithConsole(&console, true),
		WithLevel(slog.LevelDebug),
		WithLogFile(path, 1),
	)
	logger.With(slog.String("run", "abc")).WithGroup("split").Info("wrote", slog.Int("rows", 7))
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "wrote")

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var record map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
	assert.Equal(t, "wrote", record["msg"])
	assert.Equal(t, "abc", record["run"])
	assert.Equal(t, map[string]any{"rows": float64(7)}, record["split"])
}
