// Package conf loads and validates the server's YAML configuration,
// following the same load/defaults/validate pipeline the wider project
// uses for its own config: read the file, apply defaults, aggregate every
// validation problem instead of stopping at the first one.
package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// Conf is the top-level server configuration.
type Conf struct {
	Log     Log     `yaml:"log"`
	Listen  Listen  `yaml:"listen"`
	Limits  Limits  `yaml:"limits"`
	Metrics Metrics `yaml:"metrics"`
}

// Listen holds the TCP and UDP bind addresses. UDP is optional: an empty
// UDPAddr disables the UDP registration channel entirely and every accepted
// connection is established immediately after the TCP handshake.
type Listen struct {
	TCPAddr string `yaml:"tcp_addr"`
	UDPAddr string `yaml:"udp_addr"`
}

// Limits holds the per-connection buffer sizes and timers, and the server
// wide connection cap.
type Limits struct {
	WriteBufferSize  int     `yaml:"write_buffer_size"`
	ObjectBufferSize int     `yaml:"object_buffer_size"`
	KeepAliveMillis  int64   `yaml:"keep_alive_millis"`
	TimeoutMillis    int64   `yaml:"timeout_millis"`
	IdleThreshold    float64 `yaml:"idle_threshold"`
	MaxConnections   int     `yaml:"max_connections"`
}

// Log controls the flog sink.
type Log struct {
	Level string `yaml:"level"`
}

// Metrics controls the optional Prometheus HTTP endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

const (
	defaultTCPAddr          = ":7001"
	defaultWriteBufferSize  = 16384
	defaultObjectBufferSize = 2048
	defaultKeepAliveMillis  = 8000
	defaultTimeoutMillis    = 12000
	defaultIdleThreshold    = 0.1
	defaultMetricsAddr      = ":9101"
	defaultLogLevel         = "info"
)

// Default returns a configuration populated entirely from defaults, as if
// loaded from an empty file. Used by callers that run without a --config
// flag.
func Default() *Conf {
	var c Conf
	c.setDefaults()
	return &c
}

// LoadFromFile reads, defaults, and validates the YAML configuration at path.
func LoadFromFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Conf
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	c.setDefaults()
	if err := c.validate(); err != nil {
		return &c, err
	}
	return &c, nil
}

func (c *Conf) setDefaults() {
	if c.Listen.TCPAddr == "" {
		c.Listen.TCPAddr = defaultTCPAddr
	}
	if c.Limits.WriteBufferSize == 0 {
		c.Limits.WriteBufferSize = defaultWriteBufferSize
	}
	if c.Limits.ObjectBufferSize == 0 {
		c.Limits.ObjectBufferSize = defaultObjectBufferSize
	}
	if c.Limits.KeepAliveMillis == 0 {
		c.Limits.KeepAliveMillis = defaultKeepAliveMillis
	}
	if c.Limits.TimeoutMillis == 0 {
		c.Limits.TimeoutMillis = defaultTimeoutMillis
	}
	if c.Limits.IdleThreshold == 0 {
		c.Limits.IdleThreshold = defaultIdleThreshold
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = defaultMetricsAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

func (c *Conf) validate() error {
	var allErrors []error

	if c.Limits.WriteBufferSize <= 0 {
		allErrors = append(allErrors, fmt.Errorf("limits.write_buffer_size must be positive"))
	}
	if c.Limits.ObjectBufferSize <= 0 {
		allErrors = append(allErrors, fmt.Errorf("limits.object_buffer_size must be positive"))
	}
	if c.Limits.ObjectBufferSize > c.Limits.WriteBufferSize {
		allErrors = append(allErrors, fmt.Errorf("limits.object_buffer_size must not exceed limits.write_buffer_size"))
	}
	if c.Limits.IdleThreshold < 0 || c.Limits.IdleThreshold > 1 {
		allErrors = append(allErrors, fmt.Errorf("limits.idle_threshold must be within [0,1]"))
	}
	if c.Limits.KeepAliveMillis < 0 {
		allErrors = append(allErrors, fmt.Errorf("limits.keep_alive_millis must not be negative"))
	}
	if c.Limits.TimeoutMillis < 0 {
		allErrors = append(allErrors, fmt.Errorf("limits.timeout_millis must not be negative"))
	}
	if c.Limits.MaxConnections < 0 {
		allErrors = append(allErrors, fmt.Errorf("limits.max_connections must not be negative"))
	}
	if _, err := logLevelValue(c.Log.Level); err != nil {
		allErrors = append(allErrors, err)
	}

	return writeErr(allErrors)
}

// logLevelValue maps a configured level name to flog's integer level.
func logLevelValue(name string) (int, error) {
	switch strings.ToLower(name) {
	case "debug":
		return 0, nil
	case "info":
		return 1, nil
	case "warn", "warning":
		return 2, nil
	case "error":
		return 3, nil
	case "fatal":
		return 4, nil
	case "none":
		return -1, nil
	default:
		return 0, fmt.Errorf("log.level %q is not one of debug|info|warn|error|fatal|none", name)
	}
}

// LogLevel returns the flog level value for the configured name. Assumes
// validate() already accepted the string.
func (c *Conf) LogLevel() int {
	v, _ := logLevelValue(c.Log.Level)
	return v
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, len(allErrors))
	for i, err := range allErrors {
		messages[i] = err.Error()
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}
