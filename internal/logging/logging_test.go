package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/config"
)

func TestNew_JSONToStderr(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default().Log
	cfg.Format = "json"

	logger, closer, err := New(cfg, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Str("record", "r1").Msg("synced")
	logger.Debug().Msg("below level")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "synced", line["message"])
	assert.Equal(t, "r1", line["record"])
	assert.Contains(t, line, "time")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(config.Default().Log, &buf)
	require.NoError(t, err)

	logger.Warn().Msg("remote record missing")
	assert.Contains(t, buf.String(), "remote record missing")
	assert.Contains(t, buf.String(), "WRN")
}

func TestNew_RotatingFile(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default().Log
	cfg.File = filepath.Join(t.TempDir(), "tally.log")

	logger, closer, err := New(cfg, &buf)
	require.NoError(t, err)
	logger.Info().Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(cfg.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"to file"`)
	assert.Zero(t, buf.Len(), "file logging does not echo to stderr")
}

func TestNew_BadLevel(t *testing.T) {
	cfg := config.Default().Log
	cfg.Level = "loud"
	_, _, err := New(cfg, &bytes.Buffer{})
	assert.Error(t, err)
}
