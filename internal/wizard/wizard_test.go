package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/relaychat/internal/config"
	"github.com/postalsys/relaychat/internal/transport"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil || w.theme == nil {
		t.Fatal("New() returned wizard without a theme")
	}
}

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name     string
		answers  Answers
		validate func(*testing.T, *config.Config)
	}{
		{
			name: "plaintext websocket",
			answers: Answers{
				Transport:  "ws",
				ListenAddr: "0.0.0.0:8765",
				ListenPath: "/chat",
				PlainText:  true,
				TLS:        config.TLSConfig{Cert: "ignored.crt", Key: "ignored.key"},
				Nicknames:  "sequential",
				LogLevel:   "debug",
			},
			validate: func(t *testing.T, cfg *config.Config) {
				l := cfg.Listeners[0]
				if l.Transport != "ws" || l.Path != "/chat" || !l.PlainText {
					t.Errorf("listener = %+v", l)
				}
				if l.TLS.Cert != "" {
					t.Error("plaintext listener carries TLS settings")
				}
				if cfg.Server.Nicknames != "sequential" || cfg.Server.LogLevel != "debug" {
					t.Errorf("server = %+v", cfg.Server)
				}
				if cfg.Health.Enabled {
					t.Error("Health.Enabled = true, want false")
				}
			},
		},
		{
			name: "quic with certificate",
			answers: Answers{
				Transport:      "quic",
				ListenAddr:     "0.0.0.0:4433",
				ListenPath:     "/ignored",
				PlainText:      true,
				TLS:            config.TLSConfig{Cert: "/certs/server.crt", Key: "/certs/server.key"},
				LogLevel:       "info",
				MaxConnections: 100,
				HealthEnabled:  true,
				HealthAddr:     "127.0.0.1:9100",
			},
			validate: func(t *testing.T, cfg *config.Config) {
				l := cfg.Listeners[0]
				if l.Transport != "quic" || l.Path != "" || l.PlainText {
					t.Errorf("listener = %+v", l)
				}
				if l.TLS.Cert != "/certs/server.crt" || l.TLS.Key != "/certs/server.key" {
					t.Errorf("TLS = %+v", l.TLS)
				}
				if cfg.Limits.MaxConnections != 100 {
					t.Errorf("MaxConnections = %d, want 100", cfg.Limits.MaxConnections)
				}
				if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9100" {
					t.Errorf("Health = %+v", cfg.Health)
				}
				if cfg.Server.Nicknames != "hash" {
					t.Errorf("Nicknames = %q, want default hash", cfg.Server.Nicknames)
				}
			},
		},
		{
			name: "tls websocket with ephemeral certificate",
			answers: Answers{
				Transport:  "ws",
				ListenAddr: "127.0.0.1:8443",
				LogLevel:   "warn",
			},
			validate: func(t *testing.T, cfg *config.Config) {
				l := cfg.Listeners[0]
				if l.Path != "/" || l.PlainText || l.TLS.Cert != "" {
					t.Errorf("listener = %+v", l)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BuildConfig(tt.answers)
			if len(cfg.Listeners) != 1 {
				t.Fatalf("Listeners count = %d, want 1", len(cfg.Listeners))
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			tt.validate(t, cfg)
		})
	}
}

func TestWriteConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "subdir", "config.yaml")

	cfg := BuildConfig(Answers{
		Transport:  "ws",
		ListenAddr: "0.0.0.0:8765",
		PlainText:  true,
		LogLevel:   "debug",
	})

	if err := writeConfig(cfg, configPath); err != nil {
		t.Fatalf("writeConfig failed: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	content := string(data)

	for _, want := range []string{"# relaychat configuration", "log_level: debug", "address: 0.0.0.0:8765", "plaintext: true"} {
		if !strings.Contains(content, want) {
			t.Errorf("config file missing %q:\n%s", want, content)
		}
	}

	loaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if loaded.Server.LogLevel != "debug" {
		t.Errorf("loaded LogLevel = %q, want debug", loaded.Server.LogLevel)
	}
}

func TestGenerateCertificate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")

	tlsCfg, err := GenerateCertificate(dir, "relay.test", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCertificate() error = %v", err)
	}
	if tlsCfg.Cert != filepath.Join(dir, "server.crt") || tlsCfg.Key != filepath.Join(dir, "server.key") {
		t.Errorf("paths = %+v", tlsCfg)
	}
	if _, err := transport.ReadKeyPair(tlsCfg.Cert, tlsCfg.Key); err != nil {
		t.Errorf("generated pair does not load: %v", err)
	}
}

func TestListenerURL(t *testing.T) {
	tests := []struct {
		listener config.ListenerConfig
		want     string
	}{
		{config.ListenerConfig{Transport: "ws", Address: "0.0.0.0:8765", Path: "/", PlainText: true}, "ws://0.0.0.0:8765/"},
		{config.ListenerConfig{Transport: "ws", Address: "host:443", Path: "/chat"}, "wss://host:443/chat"},
		{config.ListenerConfig{Transport: "quic", Address: "host:4433"}, "quic://host:4433"},
	}

	for _, tt := range tests {
		if got := ListenerURL(tt.listener); got != tt.want {
			t.Errorf("ListenerURL(%+v) = %q, want %q", tt.listener, got, tt.want)
		}
	}
}

func TestValidators(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "exists.crt")
	if err := os.WriteFile(existing, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		fn      func(string) error
		input   string
		wantErr bool
	}{
		{"config yaml", validateConfigPath, "./config.yaml", false},
		{"config yml", validateConfigPath, "relay.yml", false},
		{"config empty", validateConfigPath, "", true},
		{"config json", validateConfigPath, "config.json", true},
		{"addr ok", validateListenAddr, "0.0.0.0:8765", false},
		{"addr no port", validateListenAddr, "localhost", true},
		{"path ok", validatePath, "/chat", false},
		{"path relative", validatePath, "chat", true},
		{"positive", validatePositiveInt, "30", false},
		{"positive zero", validatePositiveInt, "0", true},
		{"positive text", validatePositiveInt, "abc", true},
		{"non-negative zero", validateNonNegativeInt, "0", false},
		{"non-negative negative", validateNonNegativeInt, "-1", true},
		{"file exists", validateFileExists, existing, false},
		{"file missing", validateFileExists, existing + ".nope", true},
		{"file empty", validateFileExists, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
