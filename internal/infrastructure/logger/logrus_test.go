package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"":        LevelInfo,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestLogrusLogger_JSONFieldsSurviveChildLoggers(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "json"
	cfg.Level = "debug"
	cfg.Fields = map[string]string{"service": "test"}

	log := NewLogrusLogger(cfg)
	var buf bytes.Buffer
	log.SetOutput(&buf)

	child := log.WithField("component", "session").WithFields(Fields{"topic": "abc"})
	child.Debug("frame received")
	// SetLevel on a child changes the shared logger.
	child.SetLevel(LevelError)
	child.Info("dropped")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "frame received", entry["message"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "session", entry["component"])
	assert.Equal(t, "abc", entry["topic"])
	assert.Equal(t, "test", entry["service"])
}
