package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Logger      = (*MeshLogger)(nil)
	_ FatalLogger = (*MeshLogger)(nil)
	_ Logger      = (*SlogAdapter)(nil)
	_ Logger      = NoOpLogger{}
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		err  bool
	}{
		{"", LogLevelInfo, false},
		{"debug", LogLevelDebug, false},
		{" INFO ", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"verbose", LogLevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMeshLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "json", Output: &buf})

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept.warn", "k", "v")
	logger.Error("kept.error")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "kept.warn", lines[0]["msg"])
	assert.Equal(t, "v", lines[0]["k"])
	assert.Equal(t, "ERROR", lines[1]["level"])
}

func TestMeshLoggerContextIsCopied(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf})
	derived := base.WithComponent("router").WithContext("node", "a")

	base.Info("base")
	derived.Info("derived")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "component")
	assert.NotContains(t, lines[0], "node")
	assert.Equal(t, "router", lines[1]["component"])
	assert.Equal(t, "a", lines[1]["node"])
}

func TestMeshLoggerFatalLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelError, Format: "json", Output: &buf})

	logger.Fatal("process.fatal")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "FATAL", lines[0]["level"])
}

func TestReportFatal(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})

	ReportFatal(logger, errors.New("disk full"), "stack here")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "process.fatal", lines[0]["msg"])
	assert.Equal(t, "disk full", lines[0]["error"])
	assert.Equal(t, "stack here", lines[0]["stack_trace"])

	assert.NotPanics(t, func() { ReportFatal(nil, errors.New("x"), "") })
}

func TestGuardProcess(t *testing.T) {
	t.Run("no panic", func(t *testing.T) {
		called := false
		func() {
			defer GuardProcess(NoOpLogger{}, 0, func(int) { called = true })
		}()
		assert.False(t, called)
	})

	t.Run("panic exits with status 1", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})
		code := -1
		func() {
			defer GuardProcess(logger, 0, func(c int) { code = c })
			panic("kaboom")
		}()
		assert.Equal(t, 1, code)

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0]["error"], "kaboom")
	})
}

func TestNewSlogLoggerTextFormat(t *testing.T) {
	logger := NewSlogLogger(LogLevelInfo, "text", false)
	require.NotNil(t, logger)
	assert.NotPanics(t, func() { logger.Info("hello") })
}
