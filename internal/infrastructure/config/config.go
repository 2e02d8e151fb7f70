package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"go-fhircast/internal/fhircast"
	"go-fhircast/internal/infrastructure/channel"
	"go-fhircast/internal/infrastructure/logger"
)

// EnvPrefix prefixes every environment override, e.g. FHIRCAST_HUB_URL.
const EnvPrefix = "FHIRCAST"

// HubConfig describes the hub and the subscription to hold on it.
type HubConfig struct {
	// URL is the hub's subscription endpoint, e.g. https://example.com/fhircast/STU2
	URL string `mapstructure:"url" json:"url" validate:"required,url,startswith=http"`
	// Topic is the shared session identifier
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
	// Events are the FHIRcast event names to subscribe to
	Events []string `mapstructure:"events" json:"events" validate:"required,min=1,dive,required"`
	// RequestTimeout is the HTTP timeout for hub calls in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// ChannelConfig holds websocket channel parameters.
type ChannelConfig struct {
	HandshakeTimeout int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec" validate:"gte=1"`
	WriteTimeout     int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	ReadBufferSize   int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=0"`
	WriteBufferSize  int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=0"`
}

// ServerConfig holds the local HTTP API parameters.
type ServerConfig struct {
	ListenAddr   string `mapstructure:"listen_addr" json:"listen_addr" validate:"required"`
	ReadTimeout  int    `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	WriteTimeout int    `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	IdleTimeout  int    `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
	// KeepAlive is the SSE keep-alive interval in seconds, 0 disables it
	KeepAlive int `mapstructure:"sse_keepalive_sec" json:"sse_keepalive_sec" validate:"gte=0"`
}

// Config is the complete listener configuration.
type Config struct {
	Hub     HubConfig     `mapstructure:"hub" json:"hub" validate:"required"`
	Channel ChannelConfig `mapstructure:"channel" json:"channel" validate:"required"`
	Server  ServerConfig  `mapstructure:"server" json:"server" validate:"required"`
	Log     logger.Config `mapstructure:"log" json:"log" validate:"required"`
}

// InstallDefaults installs default values into v.
func InstallDefaults(v *viper.Viper) {
	v.SetDefault("hub.events", []string{string(fhircast.EventPatientOpen), string(fhircast.EventPatientClose)})
	v.SetDefault("hub.request_timeout_sec", 10)

	v.SetDefault("channel.handshake_timeout_sec", 10)
	v.SetDefault("channel.write_timeout_sec", 10)
	v.SetDefault("channel.read_buffer_size", 1024)
	v.SetDefault("channel.write_buffer_size", 1024)

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.read_timeout_sec", 15)
	v.SetDefault("server.write_timeout_sec", 0)
	v.SetDefault("server.idle_timeout_sec", 60)
	v.SetDefault("server.sse_keepalive_sec", 30)

	defaults := logger.NewDefaultConfig()
	v.SetDefault("log.level", defaults.Level)
	v.SetDefault("log.format", defaults.Format)
	v.SetDefault("log.output", defaults.Output)
	v.SetDefault("log.max_size", defaults.MaxSize)
	v.SetDefault("log.max_backups", defaults.MaxBackups)
	v.SetDefault("log.max_age", defaults.MaxAge)
	v.SetDefault("log.compress", defaults.Compress)
	v.SetDefault("log.fields", defaults.Fields)
}

// NewViper returns a viper instance with defaults and FHIRCAST_* environment binding.
// When configFile is not empty it is read as well.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	InstallDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range []string{"hub.url", "hub.topic"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and that every event is a registered FHIRcast event.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var unknown []string
	for _, event := range c.Hub.Events {
		if !fhircast.IsRegisteredEvent(fhircast.EventName(event)) {
			unknown = append(unknown, event)
		}
	}
	if len(unknown) > 0 {
		return errors.New("invalid config: unregistered hub events: " + strings.Join(unknown, ", "))
	}
	return nil
}

// SubscriptionRequest builds the subscribe request described by the hub section.
func (c *Config) SubscriptionRequest() fhircast.SubscriptionRequest {
	events := make([]fhircast.EventName, len(c.Hub.Events))
	for i, event := range c.Hub.Events {
		events[i] = fhircast.EventName(event)
	}
	return fhircast.SubscriptionRequest{
		ChannelType: fhircast.ChannelTypeWebSocket,
		Mode:        fhircast.ModeSubscribe,
		Topic:       c.Hub.Topic,
		Events:      events,
	}
}

// ChannelSettings converts the channel section for the websocket dialer.
func (c *Config) ChannelSettings() channel.Config {
	return channel.Config{
		HandshakeTimeout: time.Duration(c.Channel.HandshakeTimeout) * time.Second,
		WriteTimeout:     time.Duration(c.Channel.WriteTimeout) * time.Second,
		ReadBufferSize:   c.Channel.ReadBufferSize,
		WriteBufferSize:  c.Channel.WriteBufferSize,
	}
}

// RequestTimeout is the hub HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Hub.RequestTimeout) * time.Second
}
