package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-fhircast/internal/fhircast"
	"go-fhircast/internal/infrastructure/config"
	"go-fhircast/internal/infrastructure/logger"
)

const testTopic = "DrXRay"

const notificationFrame = `{
  "timestamp": "2024-03-05T19:07:09.123Z",
  "id": "q9v3jubddqt63n1",
  "event": {
    "hub.topic": "DrXRay",
    "hub.event": "patient-open",
    "context": [{"key": "patient", "resource": {"resourceType": "Patient", "id": "ewUbXT9RWEbSj5wPEdgRaBw3"}}]
  }
}`

// fakeHub serves the subscription endpoint and the websocket channel it hands out.
type fakeHub struct {
	srv          *httptest.Server
	acks         chan fhircast.Acknowledgement
	unsubscribes chan string
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	h := &fakeHub{
		acks:         make(chan fhircast.Acknowledgement, 1),
		unsubscribes: make(chan string, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/fhircast", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.PostForm.Get("hub.mode") {
		case "subscribe":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"hub.channel.endpoint": "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws",
			})
		case "unsubscribe":
			h.unsubscribes <- r.PostForm.Get("hub.channel.endpoint")
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte(notificationFrame)); err != nil {
			return
		}
		var ack fhircast.Acknowledgement
		if err := conn.ReadJSON(&ack); err != nil {
			return
		}
		h.acks <- ack
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func testConfig(hubURL string) *config.Config {
	logCfg := logger.NewDefaultConfig()
	logCfg.Level = "error"
	return &config.Config{
		Hub: config.HubConfig{
			URL:            hubURL,
			Topic:          testTopic,
			Events:         []string{"patient-open", "patient-close"},
			RequestTimeout: 5,
		},
		Channel: config.ChannelConfig{HandshakeTimeout: 5, WriteTimeout: 5},
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Log:     *logCfg,
	}
}

func TestApplication_SubscribeAcknowledgeAndUnsubscribe(t *testing.T) {
	hub := newFakeHub(t)

	app, err := newApplication(testConfig(hub.srv.URL + "/fhircast"))
	require.NoError(t, err)
	assert.Nil(t, app.Current())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	select {
	case ack := <-hub.acks:
		assert.Equal(t, "q9v3jubddqt63n1", ack.ID)
		assert.NotEmpty(t, ack.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("no acknowledgement received")
	}

	require.Eventually(t, func() bool { return app.Current() != nil }, time.Second, 10*time.Millisecond)
	session := app.Current()
	assert.Equal(t, fhircast.StateOpen, session.State())

	cancel()

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	select {
	case endpoint := <-hub.unsubscribes:
		assert.Equal(t, session.Request().Endpoint, endpoint)
	default:
		t.Fatal("subscription was not removed on shutdown")
	}
	assert.Equal(t, fhircast.StateClosed, session.State())
	assert.NoError(t, session.Err())
}

func TestApplication_SubscribeFailureEndsRun(t *testing.T) {
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown topic", http.StatusNotFound)
	}))
	defer hub.Close()

	app, err := newApplication(testConfig(hub.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = app.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown topic")
	assert.Nil(t, app.Current())
}

func TestBindFlags_OverrideConfig(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--hub-url", "https://hub.local/fhircast",
		"--topic", testTopic,
		"--events", "imagingstudy-open,imagingstudy-close",
		"--log-level", "debug",
	}))

	v, err := config.NewViper("")
	require.NoError(t, err)
	require.NoError(t, bindFlags(cmd, v))

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "https://hub.local/fhircast", cfg.Hub.URL)
	assert.Equal(t, testTopic, cfg.Hub.Topic)
	assert.Equal(t, []string{"imagingstudy-open", "imagingstudy-close"}, cfg.Hub.Events)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestBindFlags_DefaultsWhenUnset(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags(nil))

	v := viper.New()
	config.InstallDefaults(v)
	require.NoError(t, bindFlags(cmd, v))

	assert.Equal(t, []string{"patient-open", "patient-close"}, v.GetStringSlice("hub.events"))
	assert.Equal(t, ":8080", v.GetString("server.listen_addr"))
}
