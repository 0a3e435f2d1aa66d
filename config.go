package storefront

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nestora/storefront-transport/pkg/auth"
	"github.com/nestora/storefront-transport/pkg/cache"
	"github.com/nestora/storefront-transport/pkg/channel"
	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/observability"
	"github.com/nestora/storefront-transport/pkg/transport"
)

// Environment variables that override the loaded configuration
const (
	EnvGraphQLURL = "STOREFRONT_GRAPHQL_URL"
	EnvStreamURL  = "STOREFRONT_WS_URL"
	EnvChatURL    = "STOREFRONT_CHAT_WS"
	EnvLogLevel   = "STOREFRONT_LOG_LEVEL"
)

// Config is the complete storefront transport configuration. The transport
// fields (http_endpoint, stream_endpoint, headers, connection, ...) sit at
// the top level of the YAML document.
type Config struct {
	transport.TransportConfig `yaml:",inline"`

	Auth  auth.Config    `yaml:"auth" json:"auth"`
	Cache cache.Config   `yaml:"cache" json:"cache"`
	Chat  channel.Config `yaml:"chat" json:"chat"`

	// Telemetry configures metrics and tracing
	Telemetry observability.ObservabilityConfig `yaml:"telemetry" json:"telemetry"`

	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"` // text or json

	// AuthRetry re-sends an operation once after a rejected credential
	// when a refresh produced a new one.
	AuthRetry bool `yaml:"auth_retry" json:"auth_retry"`
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		TransportConfig: transport.DefaultTransportConfig(),
		Auth:            auth.DefaultConfig(),
		Cache:           cache.DefaultConfig(),
		Chat:            channel.DefaultConfig(),
		Telemetry: observability.ObservabilityConfig{
			EnableMetrics: true,
			MetricsConfig: observability.MetricsConfig{
				ServiceName: "storefront",
				Namespace:   "storefront",
				MetricsPath: "/metrics",
			},
			TracingConfig: observability.TracingConfig{
				ServiceName:  "storefront",
				ExporterType: observability.ExporterTypeNoop,
				SampleRate:   1.0,
			},
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// ParseConfig decodes YAML over the defaults and applies the environment.
func ParseConfig(data []byte) (Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// LoadConfig reads a YAML file. An empty path yields the defaults plus the
// environment.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return ParseConfig(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ApplyEnv overrides endpoints and the log level from the environment
func (c *Config) ApplyEnv() {
	if v, ok := lookupEnv(EnvGraphQLURL); ok {
		c.Endpoint = v
	}
	if v, ok := lookupEnv(EnvStreamURL); ok {
		c.StreamEndpoint = v
	}
	if v, ok := lookupEnv(EnvChatURL); ok {
		c.Chat.Endpoint = v
	}
	if v, ok := lookupEnv(EnvLogLevel); ok {
		c.LogLevel = v
	}
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return tperrors.InvalidConfiguration("http_endpoint", "must not be empty")
	}
	if err := c.Connection.StreamReconnect.Validate("connection.stream_reconnect"); err != nil {
		return err
	}
	if err := c.Chat.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return tperrors.InvalidConfiguration("log_level", err.Error())
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return tperrors.InvalidConfiguration("log_format", "must be text or json")
	}
	return nil
}

// Logger builds the logger described by the configuration
func (c Config) Logger() logging.Logger {
	var formatter logging.Formatter = logging.NewTextFormatter()
	if c.LogFormat == "json" {
		formatter = logging.NewJSONFormatter()
	}
	logger := logging.New(os.Stderr, formatter)
	if level, err := logging.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	return logger
}
