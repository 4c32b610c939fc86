package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	Component(logger, "checker").Warn().Str("cycle_id", "abc").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "visible", entry["message"])
	assert.Equal(t, "checker", entry["component"])
	assert.Equal(t, "abc", entry["cycle_id"])
	assert.Contains(t, entry, "time")
}

func TestNewLoggerConsoleAndDefaults(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(Config{Level: "not-a-level", Format: "console"}, &buf)

	logger.Debug().Msg("debug hidden at default info level")
	logger.Info().Msg("console line")

	out := buf.String()
	assert.Contains(t, out, "console line")
	assert.NotContains(t, out, "debug hidden")
	assert.False(t, strings.HasPrefix(strings.TrimSpace(out), "{"), "console output is not JSON")
}
