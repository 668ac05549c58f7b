package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONFileAndConsole(t *testing.T) {
	tmpDir := t.TempDir()
	var console bytes.Buffer

	logger, err := New(Config{
		Level:    "info",
		Dir:      tmpDir,
		Filename: "test.log",
		Console:  &console,
		NoColor:  true,
	})
	require.NoError(t, err)

	logger.InfoTag(TagWS, "connection %s opened", "c-1")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(filepath.Join(tmpDir, "test.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"[WS] connection c-1 opened"`)
	assert.Contains(t, console.String(), "[WS] connection c-1 opened")
}

func TestNew_ConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	logger, err := New(Config{Level: "debug", Console: &console, NoColor: true})
	require.NoError(t, err)
	defer logger.Close()

	logger.Debug("debug %d", 1)
	logger.Warn("plain warning")

	out := console.String()
	assert.Contains(t, out, "[DEBUG] debug 1")
	assert.Contains(t, out, "[WARN] plain warning")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var console bytes.Buffer
	logger, err := New(Config{Level: "warn", Console: &console, NoColor: true})
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("hidden")
	logger.Debug("hidden too")
	logger.Error("visible")

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "visible")
}

func TestLogger_StructuredFields(t *testing.T) {
	var console bytes.Buffer
	logger, err := New(Config{Level: "info", Console: &console, NoColor: true})
	require.NoError(t, err)
	defer logger.Close()

	logger.Info("broadcast", map[string]any{"delivered": 2, "account": "a-1"})

	line := console.String()
	assert.True(t, strings.Index(line, "account=a-1") < strings.Index(line, "delivered=2"))
}

func TestFormatLog(t *testing.T) {
	tests := []struct {
		tag, msg, want string
	}{
		{"WS", "hub started", "[WS] hub started"},
		{"", "no tag", "no tag"},
		{"AUTH", "[HTTP] already tagged", "[HTTP] already tagged"},
		{" QUEUE ", " spaced ", "[QUEUE] spaced"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatLog(tt.tag, tt.msg))
	}
}

func TestTagged(t *testing.T) {
	var console bytes.Buffer
	logger, err := New(Config{Level: "info", Console: &console, NoColor: true})
	require.NoError(t, err)
	defer logger.Close()

	logger.WithTag(TagQueue).Info("drained %d", 3)
	assert.Contains(t, console.String(), "[QUEUE] drained 3")
}

func TestLogger_RotateAndClean(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := New(Config{Level: "info", Dir: tmpDir, Filename: "server.log", Console: &bytes.Buffer{}})
	require.NoError(t, err)
	defer logger.Close()

	stale := filepath.Join(tmpDir, "server-2000-01-01.log")
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o644))

	logger.Info("before rotation")
	tomorrow := time.Now().AddDate(0, 0, 1)
	logger.checkAndRotate(tomorrow)

	archived := filepath.Join(tmpDir, "server-"+time.Now().Format("2006-01-02")+".log")
	assert.FileExists(t, archived)
	assert.FileExists(t, filepath.Join(tmpDir, "server.log"))
	assert.NoFileExists(t, stale)
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	assert.NotPanics(t, func() {
		logger.ErrorTag(TagBoot, "nothing %s", "visible")
	})
}
