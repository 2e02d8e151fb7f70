package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-fhircast/internal/fhircast"
)

func TestLoad_FileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "listener.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hub:
  url: https://hub.local/fhircast/STU2
  topic: 5c8e0a7e-2f1b-4f57-9b0f-b5d2c5f1c7aa
  events: [patient-open, imagingstudy-open]
log:
  level: debug
  format: json
`), 0o600))

	v, err := NewViper(path)
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "https://hub.local/fhircast/STU2", cfg.Hub.URL)
	assert.Equal(t, []string{"patient-open", "imagingstudy-open"}, cfg.Hub.Events)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "stdout", cfg.Log.Output)

	channelCfg := cfg.ChannelSettings()
	assert.Equal(t, 10*time.Second, channelCfg.HandshakeTimeout)
	assert.Equal(t, 1024, channelCfg.ReadBufferSize)

	req := cfg.SubscriptionRequest()
	assert.True(t, req.Validate())
	assert.Equal(t, fhircast.ModeSubscribe, req.Mode)
	assert.Equal(t, []fhircast.EventName{fhircast.EventPatientOpen, fhircast.EventImagingStudyOpen}, req.Events)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("FHIRCAST_HUB_URL", "http://localhost:8103/fhircast/STU2")
	t.Setenv("FHIRCAST_HUB_TOPIC", "abc")
	t.Setenv("FHIRCAST_SERVER_LISTEN_ADDR", "127.0.0.1:9090")

	v, err := NewViper("")
	require.NoError(t, err)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8103/fhircast/STU2", cfg.Hub.URL)
	assert.Equal(t, "abc", cfg.Hub.Topic)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.ListenAddr)
	assert.Equal(t, []string{"patient-open", "patient-close"}, cfg.Hub.Events)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]func(v map[string]any){
		"missing url":       func(v map[string]any) { delete(v, "hub.url") },
		"websocket url":     func(v map[string]any) { v["hub.url"] = "wss://hub.local" },
		"missing topic":     func(v map[string]any) { v["hub.topic"] = "" },
		"unknown event":     func(v map[string]any) { v["hub.events"] = []string{"patient-open", "encounter-open"} },
		"no events":         func(v map[string]any) { v["hub.events"] = []string{} },
		"bad log level":     func(v map[string]any) { v["log.level"] = "chatty" },
		"file without path": func(v map[string]any) { v["log.output"] = "file" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			values := map[string]any{
				"hub.url":   "https://hub.local/fhircast/STU2",
				"hub.topic": "abc",
			}
			mutate(values)

			v, err := NewViper("")
			require.NoError(t, err)
			for key, value := range values {
				v.Set(key, value)
			}

			_, err = Load(v)
			assert.Error(t, err)
		})
	}
}
