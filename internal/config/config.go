// Package config loads settings for the chat client and relay binaries.
// Values come from built-in defaults, then an optional YAML file, then an
// optional .env file, then the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/whisper/assistchat/internal/logging"
)

// ClientConfig holds settings for the interactive chat client.
type ClientConfig struct {
	ServerURL        string        `yaml:"server_url"`        // chat relay WebSocket endpoint
	AssistURL        string        `yaml:"assist_url"`        // base URL of the suggestion/analysis service
	Name             string        `yaml:"name"`              // display name; empty means prompt
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`   // fixed delay between reconnects
	SuggestDebounce  time.Duration `yaml:"suggest_debounce"`  // typing quiet period
	SuggestTimeout   time.Duration `yaml:"suggest_timeout"`   // autocomplete deadline
	InsightsTimeout  time.Duration `yaml:"insights_timeout"`  // analysis deadline
	LocalSuggestions bool          `yaml:"local_suggestions"` // merge keyword replies before AI ones
	MetricsAddr      string        `yaml:"metrics_addr"`      // empty disables the metrics listener
}

// RelayConfig holds settings for the development chat relay.
type RelayConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	MaxHistory        int           `yaml:"max_history"`
	RedisAddr         string        `yaml:"redis_addr"` // empty keeps history in memory
	NATSURL           string        `yaml:"nats_url"`   // empty fans out locally
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	RateLimit         int           `yaml:"rate_limit"` // lines per 10s per connection; 0 disables
}

// Config is the full settings tree.
type Config struct {
	Client ClientConfig   `yaml:"client"`
	Relay  RelayConfig    `yaml:"relay"`
	Log    logging.Config `yaml:"log"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Client: ClientConfig{
			ServerURL:        "ws://127.0.0.1:8080/ws",
			AssistURL:        "http://127.0.0.1:8000",
			ReconnectDelay:   1 * time.Second,
			SuggestDebounce:  500 * time.Millisecond,
			SuggestTimeout:   8 * time.Second,
			InsightsTimeout:  15 * time.Second,
			LocalSuggestions: true,
		},
		Relay: RelayConfig{
			ListenAddr:        ":8080",
			MaxHistory:        200,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
			WriteTimeout:      10 * time.Second,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), the .env file at envFile (skipped when empty or missing)
// and finally the environment.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already present in the environment.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from environment variables using lookup.
// Malformed values are reported rather than silently ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("CHAT_SERVER_URL", &c.Client.ServerURL)
	e.str("ASSIST_URL", &c.Client.AssistURL)
	e.str("CHAT_NAME", &c.Client.Name)
	e.duration("RECONNECT_DELAY", &c.Client.ReconnectDelay)
	e.duration("SUGGEST_DEBOUNCE", &c.Client.SuggestDebounce)
	e.duration("SUGGEST_TIMEOUT", &c.Client.SuggestTimeout)
	e.duration("INSIGHTS_TIMEOUT", &c.Client.InsightsTimeout)
	e.boolean("LOCAL_SUGGESTIONS", &c.Client.LocalSuggestions)
	e.str("METRICS_ADDR", &c.Client.MetricsAddr)

	e.str("LISTEN_ADDR", &c.Relay.ListenAddr)
	e.integer("MAX_HISTORY", &c.Relay.MaxHistory)
	e.str("REDIS_ADDR", &c.Relay.RedisAddr)
	e.str("NATS_URL", &c.Relay.NATSURL)
	e.duration("HEARTBEAT_INTERVAL", &c.Relay.HeartbeatInterval)
	e.duration("HEARTBEAT_TIMEOUT", &c.Relay.HeartbeatTimeout)
	e.duration("WRITE_TIMEOUT", &c.Relay.WriteTimeout)
	e.integer("RATE_LIMIT", &c.Relay.RateLimit)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.boolean("LOG_DEV", &c.Log.Development)

	return e.err
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Client.ServerURL == "":
		return errors.New("config: client.server_url is required")
	case c.Client.ReconnectDelay <= 0:
		return errors.New("config: client.reconnect_delay must be positive")
	case c.Client.SuggestDebounce < 0:
		return errors.New("config: client.suggest_debounce must not be negative")
	case c.Client.SuggestTimeout <= 0 || c.Client.InsightsTimeout <= 0:
		return errors.New("config: client request timeouts must be positive")
	case c.Relay.MaxHistory <= 0:
		return errors.New("config: relay.max_history must be positive")
	case c.Relay.HeartbeatInterval <= 0:
		return errors.New("config: relay.heartbeat_interval must be positive")
	case c.Relay.RateLimit < 0:
		return errors.New("config: relay.rate_limit must not be negative")
	}
	return nil
}

// envReader records the first malformed variable it meets.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) value(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: invalid %s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.value(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}
