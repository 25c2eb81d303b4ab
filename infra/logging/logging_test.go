package logging

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "warn"}, &buf)
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Str("component", "ledger").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["message"])
	require.Equal(t, "ledger", line["component"])
	require.Equal(t, "warn", line["level"])
}

func TestBadConfig(t *testing.T) {
	_, err := New(Config{Level: "loud"}, nil)
	require.Error(t, err)
	_, err = New(Config{Format: "xml"}, nil)
	require.Error(t, err)
}
