package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", "json")
	l.Info("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}

func TestBatchLog_CollectsAndMirrors(t *testing.T) {
	var buf bytes.Buffer
	logger = New(&buf, "debug", "text")
	t.Cleanup(func() { logger = nil })

	b := NewBatchLog("run-1")
	b.Infof("%d records", 2)
	b.Warnf("careful")
	b.Errorf("broken: %s", "x")

	assert.Equal(t, []string{"2 records", "careful", "broken: x"}, b.Lines())
	assert.Contains(t, buf.String(), "run_id=run-1")
	assert.Contains(t, buf.String(), "level=WARN")
}
