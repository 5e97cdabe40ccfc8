package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_FormatsKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("converter", &buf, LevelDebug)

	l.Info("run finished", "run_id", "abc", "annotations", 3)

	line := buf.String()
	assert.Contains(t, line, "[converter] ")
	assert.Contains(t, line, "[INFO] run finished run_id=abc annotations=3")
}

func TestLogger_WithAppendsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("converter", &buf, LevelDebug).With("run_id", "r1")

	l.Warn("skipped record", "data_id", "d7")
	l.With("stage", "emit").Error("write failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "[WARN] skipped record run_id=r1 data_id=d7")
	assert.Contains(t, lines[1], "[ERROR] write failed run_id=r1 stage=emit")
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("converter", &buf, LevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
}
