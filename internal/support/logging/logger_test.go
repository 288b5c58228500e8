package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, Options{Level: slog.LevelInfo}))
	logger.Info("fetched", "url", "https://example.com/sub")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "fetched", entry["msg"])
	assert.Equal(t, "https://example.com/sub", entry["url"])

	buf.Reset()
	logger = slog.New(NewHandler(&buf, Options{Level: slog.LevelWarn, Format: "text"}))
	logger.Info("dropped")
	assert.Empty(t, buf.String())
	logger.Warn("kept")
	assert.Contains(t, buf.String(), "msg=kept")

	buf.Reset()
	logger = slog.New(NewHandler(&buf, Options{Level: slog.LevelDebug, Format: "console"}))
	logger.Debug("colored")
	assert.Contains(t, buf.String(), "colored")
}

func TestWriterUsesRotatingFile(t *testing.T) {
	assert.Equal(t, os.Stdout, Writer(Options{}))

	path := filepath.Join(t.TempDir(), "subrelay.log")
	w := Writer(Options{File: path, MaxBackups: 2})
	rotating, ok := w.(*lumberjack.Logger)
	require.True(t, ok)
	defer rotating.Close()
	assert.Equal(t, 10, rotating.MaxSize)

	_, err := rotating.Write([]byte("line\n"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}
