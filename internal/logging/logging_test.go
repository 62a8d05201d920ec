package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewLogger_TagsServiceAndEnv(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "portunus-server", "dev")

	logger.Debug("hidden")
	logger.Info("access decided", "result", "ALLOW")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "portunus-server", line["service"])
	assert.Equal(t, "dev", line["env"])
	assert.Equal(t, "ALLOW", line["result"])
}
