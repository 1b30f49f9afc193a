package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Check essential defaults
	if cfg.Server.LogLevel != "info" {
		t.Errorf("Server.LogLevel = %s, want info", cfg.Server.LogLevel)
	}
	if cfg.Server.Nicknames != "hash" {
		t.Errorf("Server.Nicknames = %s, want hash", cfg.Server.Nicknames)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Address != "0.0.0.0:8765" || !cfg.Listeners[0].PlainText {
		t.Errorf("Listeners = %+v, want one plaintext ws listener on 0.0.0.0:8765", cfg.Listeners)
	}
	if cfg.Connections.HandshakeTimeout != 10*time.Second {
		t.Errorf("Connections.HandshakeTimeout = %v, want 10s", cfg.Connections.HandshakeTimeout)
	}
	if cfg.Limits.MaxMessageSize != 64*1024 {
		t.Errorf("Limits.MaxMessageSize = %d, want 65536", cfg.Limits.MaxMessageSize)
	}
	if cfg.Health.Enabled {
		t.Error("Health.Enabled = true, want false")
	}
	if cfg.Health.MaxConns != 64 {
		t.Errorf("Health.MaxConns = %d, want 64", cfg.Health.MaxConns)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
server:
  log_level: "debug"
  log_format: "json"
  nicknames: sequential

listeners:
  - transport: ws
    address: "0.0.0.0:8765"
    plaintext: true
  - transport: quic
    address: "0.0.0.0:4433"
    tls:
      cert: "./certs/server.crt"
      key: "./certs/server.key"

connections:
  handshake_timeout: 5s
  idle_timeout: 10m
  write_timeout: 3s

limits:
  max_connections: 500
  max_message_size: "1MiB"
  messages_per_second: 20
  message_burst: 40

health:
  enabled: true
  address: "127.0.0.1:9090"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Verify parsed values
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %s, want debug", cfg.Server.LogLevel)
	}
	if cfg.Server.LogFormat != "json" {
		t.Errorf("Server.LogFormat = %s, want json", cfg.Server.LogFormat)
	}
	if cfg.Server.Nicknames != "sequential" {
		t.Errorf("Server.Nicknames = %s, want sequential", cfg.Server.Nicknames)
	}
	if len(cfg.Listeners) != 2 {
		t.Fatalf("len(Listeners) = %d, want 2", len(cfg.Listeners))
	}
	if cfg.Listeners[0].Path != "/" {
		t.Errorf("Listeners[0].Path = %q, want default /", cfg.Listeners[0].Path)
	}
	if cfg.Listeners[1].Transport != "quic" || cfg.Listeners[1].TLS.Key != "./certs/server.key" {
		t.Errorf("Listeners[1] = %+v", cfg.Listeners[1])
	}
	if cfg.Connections.IdleTimeout != 10*time.Minute {
		t.Errorf("Connections.IdleTimeout = %v, want 10m", cfg.Connections.IdleTimeout)
	}
	if cfg.Limits.MaxConnections != 500 {
		t.Errorf("Limits.MaxConnections = %d, want 500", cfg.Limits.MaxConnections)
	}
	if cfg.Limits.MaxMessageSize != 1<<20 {
		t.Errorf("Limits.MaxMessageSize = %d, want %d", cfg.Limits.MaxMessageSize, 1<<20)
	}
	if cfg.Limits.MessagesPerSecond != 20 || cfg.Limits.MessageBurst != 40 {
		t.Errorf("Limits rate = %v/%d, want 20/40", cfg.Limits.MessagesPerSecond, cfg.Limits.MessageBurst)
	}
	if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9090" {
		t.Errorf("Health = %+v", cfg.Health)
	}
}

func TestParse_MinimalConfig(t *testing.T) {
	yamlConfig := `
server:
  log_level: warn
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// Should use defaults for unspecified fields
	if cfg.Server.LogFormat != "text" {
		t.Errorf("Server.LogFormat = %s, want text (default)", cfg.Server.LogFormat)
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Transport != "ws" {
		t.Errorf("Listeners = %+v, want default ws listener", cfg.Listeners)
	}
	if cfg.Limits.MessageBurst != 10 {
		t.Errorf("Limits.MessageBurst = %d, want 10 (default)", cfg.Limits.MessageBurst)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	yamlConfig := `
server:
  log_level: info
  invalid yaml here [
`

	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Error("Parse() should fail for invalid YAML")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantError string
	}{
		{
			name: "invalid log level",
			yaml: `
server:
  log_level: "invalid"
`,
			wantError: "invalid log_level",
		},
		{
			name: "invalid log format",
			yaml: `
server:
  log_format: "invalid"
`,
			wantError: "invalid log_format",
		},
		{
			name: "invalid nicknames",
			yaml: `
server:
  nicknames: random
`,
			wantError: "invalid nicknames",
		},
		{
			name: "no listeners",
			yaml: `
listeners: []
`,
			wantError: "at least one listener",
		},
		{
			name: "listener missing address",
			yaml: `
listeners:
  - transport: ws
    plaintext: true
`,
			wantError: "address is required",
		},
		{
			name: "listener bad address",
			yaml: `
listeners:
  - transport: ws
    address: "8765"
    plaintext: true
`,
			wantError: "invalid address",
		},
		{
			name: "listener invalid transport",
			yaml: `
listeners:
  - transport: h2
    address: "0.0.0.0:4433"
`,
			wantError: "invalid transport",
		},
		{
			name: "ws path without slash",
			yaml: `
listeners:
  - transport: ws
    address: "0.0.0.0:8765"
    path: chat
`,
			wantError: "path must start with /",
		},
		{
			name: "plaintext quic",
			yaml: `
listeners:
  - transport: quic
    address: "0.0.0.0:4433"
    plaintext: true
`,
			wantError: "plaintext is only supported",
		},
		{
			name: "cert without key",
			yaml: `
listeners:
  - transport: quic
    address: "0.0.0.0:4433"
    tls:
      cert: server.crt
`,
			wantError: "must be set together",
		},
		{
			name: "duplicate listener",
			yaml: `
listeners:
  - transport: ws
    address: "0.0.0.0:8765"
    plaintext: true
  - transport: ws
    address: "0.0.0.0:8765"
    plaintext: true
`,
			wantError: "duplicates listeners[0]",
		},
		{
			name: "zero handshake timeout",
			yaml: `
connections:
  handshake_timeout: 0s
`,
			wantError: "handshake_timeout must be positive",
		},
		{
			name: "negative max connections",
			yaml: `
limits:
  max_connections: -1
`,
			wantError: "max_connections must not be negative",
		},
		{
			name: "message size too small",
			yaml: `
limits:
  max_message_size: 100B
`,
			wantError: "max_message_size must be between",
		},
		{
			name: "unparseable message size",
			yaml: `
limits:
  max_message_size: lots
`,
			wantError: "invalid size",
		},
		{
			name: "rate without burst",
			yaml: `
limits:
  messages_per_second: 5
  message_burst: 0
`,
			wantError: "message_burst must be at least 1",
		},
		{
			name: "health without address",
			yaml: `
health:
  enabled: true
  address: ""
`,
			wantError: "health.address is required",
		},
		{
			name: "negative health max conns",
			yaml: `
health:
  enabled: true
  max_conns: -1
`,
			wantError: "health.max_conns must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Error("Parse() should fail")
				return
			}
			if !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("Error = %v, want to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "loud"
	cfg.Server.LogFormat = "xml"
	cfg.Limits.MaxConnections = -5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() error = nil")
	}
	for _, want := range []string{"log_level", "log_format", "max_connections"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error missing %q: %v", want, err)
		}
	}
}

func TestParse_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_RELAY_ADDR", "127.0.0.1:9999")
	t.Setenv("TEST_RELAY_LEVEL", "debug")

	yamlConfig := `
server:
  log_level: "${TEST_RELAY_LEVEL}"
listeners:
  - transport: ws
    address: "$TEST_RELAY_ADDR"
    plaintext: true
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %s, want debug", cfg.Server.LogLevel)
	}
	if cfg.Listeners[0].Address != "127.0.0.1:9999" {
		t.Errorf("Listeners[0].Address = %s, want 127.0.0.1:9999", cfg.Listeners[0].Address)
	}
}

func TestParse_EnvVarDefaultValue(t *testing.T) {
	// Ensure the variable is NOT set
	os.Unsetenv("NONEXISTENT_VAR")

	yamlConfig := `
limits:
  max_message_size: "${NONEXISTENT_VAR:-128KiB}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Limits.MaxMessageSize != 128*1024 {
		t.Errorf("Limits.MaxMessageSize = %d, want %d", cfg.Limits.MaxMessageSize, 128*1024)
	}
}

func TestExpandEnvVars_NotFound(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR")

	// Should keep the original placeholder if not found
	if got := expandEnvVars("path: ${NONEXISTENT_VAR}"); got != "path: ${NONEXISTENT_VAR}" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    ByteSize
		wantErr bool
	}{
		{"65536", 65536, false},
		{"64KiB", 64 * 1024, false},
		{"64 KiB", 64 * 1024, false},
		{"1MB", 1000 * 1000, false},
		{"2MiB", 2 << 20, false},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cfg, err := Parse([]byte("limits:\n  max_message_size: \"" + tt.in + "\"\n"))
			if tt.wantErr {
				if err == nil {
					t.Error("Parse() should fail")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if cfg.Limits.MaxMessageSize != tt.want {
				t.Errorf("MaxMessageSize = %d, want %d", cfg.Limits.MaxMessageSize, tt.want)
			}
		})
	}

	if s := ByteSize(64 * 1024).String(); s != "64KiB" {
		t.Errorf("String() = %q, want 64KiB", s)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should fail for nonexistent file")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Server.Nicknames = "sequential"
	cfg.Limits.MaxMessageSize = 256 * 1024
	cfg.Listeners = append(cfg.Listeners, ListenerConfig{
		Transport: "quic",
		Address:   "0.0.0.0:4433",
		TLS:       TLSConfig{Cert: "server.crt", Key: "server.key"},
	})

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.HasPrefix(string(data), "# relaychat configuration") {
		t.Error("saved config is missing the header comment")
	}
	if !strings.Contains(string(data), "max_message_size: 256KiB") {
		t.Errorf("saved config does not render the size in IEC units:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Server.Nicknames != "sequential" || loaded.Limits.MaxMessageSize != 256*1024 {
		t.Errorf("round trip lost values: %+v", loaded)
	}
	if len(loaded.Listeners) != 2 || loaded.Listeners[1].TLS.Key != "server.key" {
		t.Errorf("round trip listeners = %+v", loaded.Listeners)
	}
}

func TestConfig_StringRedacted(t *testing.T) {
	cfg := Default()
	cfg.Listeners = []ListenerConfig{{
		Transport: "quic",
		Address:   "0.0.0.0:4433",
		TLS:       TLSConfig{Cert: "server.crt", Key: "/secret/server.key"},
	}}

	s := cfg.String()
	if !strings.Contains(s, "listeners") || !strings.Contains(s, "server.crt") {
		t.Errorf("String() missing fields:\n%s", s)
	}
	if strings.Contains(s, "/secret/server.key") {
		t.Error("String() leaked the key path")
	}
	if !strings.Contains(s, redactedValue) {
		t.Error("String() does not show the redaction marker")
	}
	if !strings.Contains(cfg.StringUnsafe(), "/secret/server.key") {
		t.Error("StringUnsafe() should include the key path")
	}

	// Redacted must not alias the original listeners.
	if cfg.Listeners[0].TLS.Key != "/secret/server.key" {
		t.Error("Redacted() modified the original config")
	}
	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false with a key path set")
	}
	if Default().HasSensitiveData() {
		t.Error("HasSensitiveData() = true for defaults")
	}
}

func TestDurationParsing(t *testing.T) {
	yamlConfig := `
connections:
  handshake_timeout: 1m30s
  idle_timeout: 120s
health:
  read_timeout: 2s
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Connections.HandshakeTimeout != 90*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 1m30s", cfg.Connections.HandshakeTimeout)
	}
	if cfg.Connections.IdleTimeout != 2*time.Minute {
		t.Errorf("IdleTimeout = %v, want 2m", cfg.Connections.IdleTimeout)
	}
	if cfg.Health.ReadTimeout != 2*time.Second {
		t.Errorf("Health.ReadTimeout = %v, want 2s", cfg.Health.ReadTimeout)
	}
}
