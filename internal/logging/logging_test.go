package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]any{
		"":      log.LevelInfo,
		"trace": log.LevelTrace,
		"DEBUG": log.LevelDebug,
		"warn":  log.LevelWarn,
		"error": log.LevelError,
		"crit":  log.LevelCrit,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.EqualValues(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONHandlerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	handler, closer, err := NewHandler(&buf, Config{Level: "warn", Format: "json"})
	require.NoError(t, err)
	defer closer.Close()

	logger := log.NewLogger(handler)
	logger.Info("dropped")
	logger.Warn("kept", "chain", 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.EqualValues(t, 1, record["chain"])
}

func TestFileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "forksim.log")
	handler, closer, err := NewHandler(&buf, Config{File: path})
	require.NoError(t, err)

	log.NewLogger(handler).Info("Simulation finished", "gas", 21000)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Simulation finished")
	assert.Contains(t, buf.String(), "gas=21000")
}

func TestUnknownFormat(t *testing.T) {
	_, _, err := NewHandler(&bytes.Buffer{}, Config{Format: "xml"})
	assert.Error(t, err)
}
