// Package config provides configuration parsing and validation for relaychat.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/relaychat/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Listeners   []ListenerConfig  `yaml:"listeners"`
	Connections ConnectionsConfig `yaml:"connections"`
	Limits      LimitsConfig      `yaml:"limits"`
	Health      HealthConfig      `yaml:"health"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	Nicknames string `yaml:"nicknames"`  // hash, sequential
}

// ListenerConfig defines a transport listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // ws, quic
	Address   string    `yaml:"address"`   // listen address
	Path      string    `yaml:"path"`      // HTTP path for ws
	PlainText bool      `yaml:"plaintext"` // ws without TLS
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig defines TLS settings. When both paths are empty a self-signed
// certificate is generated at startup.
type TLSConfig struct {
	Cert string `yaml:"cert"` // Certificate file path
	Key  string `yaml:"key"`  // Private key file path
}

// ConnectionsConfig defines per-connection timeouts.
type ConnectionsConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"` // 0 = no idle timeout
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	MaxConnections    int      `yaml:"max_connections"` // 0 = unlimited
	MaxMessageSize    ByteSize `yaml:"max_message_size"`
	MessagesPerSecond float64  `yaml:"messages_per_second"` // 0 = unlimited
	MessageBurst      int      `yaml:"message_burst"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxConns     int           `yaml:"max_conns"`
}

// ByteSize is a size in bytes written in YAML as "64KiB", "1 MB" or a plain
// integer.
type ByteSize int64

// UnmarshalYAML parses a humanized size.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML renders the size in IEC units.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	return strings.ReplaceAll(humanize.IBytes(uint64(b)), " ", "")
}

// Size limits for limits.max_message_size.
const (
	MinMessageSize ByteSize = 1 << 10
	MaxMessageSize ByteSize = 16 << 20
)

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:  "info",
			LogFormat: "text",
			Nicknames: "hash",
		},
		Listeners: []ListenerConfig{
			DefaultListener(),
		},
		Connections: ConnectionsConfig{
			HandshakeTimeout: 10 * time.Second,
			IdleTimeout:      0,
			WriteTimeout:     10 * time.Second,
		},
		Limits: LimitsConfig{
			MaxConnections:    0,
			MaxMessageSize:    64 << 10, // 64 KiB
			MessagesPerSecond: 0,
			MessageBurst:      10,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			MaxConns:     64,
		},
	}
}

// DefaultListener returns the plaintext WebSocket listener on port 8765.
func DefaultListener() ListenerConfig {
	return ListenerConfig{
		Transport: "ws",
		Address:   "0.0.0.0:8765",
		Path:      "/",
		PlainText: true,
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyListenerDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// applyListenerDefaults fills fields YAML leaves zero in listener entries.
func (c *Config) applyListenerDefaults() {
	for i := range c.Listeners {
		l := &c.Listeners[i]
		if l.Transport == "ws" && l.Path == "" {
			l.Path = "/"
		}
	}
}

// Save writes the configuration as YAML with a header comment.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# relaychat configuration\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Validate server config
	if !logging.ValidLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !logging.ValidFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}
	switch c.Server.Nicknames {
	case "hash", "sequential":
	default:
		errs = append(errs, fmt.Sprintf("invalid nicknames: %s (must be hash or sequential)", c.Server.Nicknames))
	}

	// Validate listeners
	if len(c.Listeners) == 0 {
		errs = append(errs, "at least one listener is required")
	}
	seen := make(map[string]int)
	for i, l := range c.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("listeners[%d]: %v", i, err))
			continue
		}
		key := l.Transport + "/" + l.Address
		if j, ok := seen[key]; ok {
			errs = append(errs, fmt.Sprintf("listeners[%d]: duplicates listeners[%d] (%s %s)", i, j, l.Transport, l.Address))
		}
		seen[key] = i
	}

	// Validate connections
	if c.Connections.HandshakeTimeout <= 0 {
		errs = append(errs, "connections.handshake_timeout must be positive")
	}
	if c.Connections.IdleTimeout < 0 {
		errs = append(errs, "connections.idle_timeout must not be negative")
	}
	if c.Connections.WriteTimeout < 0 {
		errs = append(errs, "connections.write_timeout must not be negative")
	}

	// Validate limits
	if c.Limits.MaxConnections < 0 {
		errs = append(errs, "limits.max_connections must not be negative")
	}
	if c.Limits.MaxMessageSize < MinMessageSize || c.Limits.MaxMessageSize > MaxMessageSize {
		errs = append(errs, fmt.Sprintf("limits.max_message_size must be between %s and %s", MinMessageSize, MaxMessageSize))
	}
	if c.Limits.MessagesPerSecond < 0 {
		errs = append(errs, "limits.messages_per_second must not be negative")
	}
	if c.Limits.MessagesPerSecond > 0 && c.Limits.MessageBurst < 1 {
		errs = append(errs, "limits.message_burst must be at least 1 when messages_per_second is set")
	}

	// Validate health
	if c.Health.Enabled {
		if c.Health.Address == "" {
			errs = append(errs, "health.address is required when enabled")
		} else if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: %v", err))
		}
		if c.Health.MaxConns < 0 {
			errs = append(errs, "health.max_conns must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidTransport(transport string) bool {
	switch transport {
	case "ws", "quic":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be ws or quic)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(l.Address); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	if l.Transport == "ws" && !strings.HasPrefix(l.Path, "/") {
		return fmt.Errorf("path must start with /")
	}
	if l.Transport == "quic" && l.PlainText {
		return fmt.Errorf("plaintext is only supported by the ws transport")
	}
	if (l.TLS.Cert == "") != (l.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key must be set together")
	}
	if l.PlainText && l.TLS.Cert != "" {
		return fmt.Errorf("tls is set on a plaintext listener")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with TLS key paths redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	redacted.Listeners = make([]ListenerConfig, len(c.Listeners))
	copy(redacted.Listeners, c.Listeners)

	for i := range redacted.Listeners {
		if redacted.Listeners[i].TLS.Key != "" {
			redacted.Listeners[i].TLS.Key = redactedValue
		}
	}
	return &redacted
}

// HasSensitiveData returns true if the config references private key files.
func (c *Config) HasSensitiveData() bool {
	for _, l := range c.Listeners {
		if l.TLS.Key != "" {
			return true
		}
	}
	return false
}
