package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/postalsys/relaychat/internal/client"
	"github.com/postalsys/relaychat/internal/config"
	"github.com/postalsys/relaychat/internal/logging"
	"github.com/postalsys/relaychat/internal/relay"
)

func testConfig(listeners ...config.ListenerConfig) *config.Config {
	cfg := config.Default()
	cfg.Server.Nicknames = "sequential"
	cfg.Listeners = listeners
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(cfg, WithLogger(logging.NopLogger()), WithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { d.Stop() })
	return d
}

func expectNotice(t *testing.T, ctx context.Context, c *client.Client, content string) {
	t.Helper()
	env, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if env.Author != relay.SystemNickname || env.Content != content {
		t.Fatalf("got %s: %q, want %s: %q", env.Author, env.Content, relay.SystemNickname, content)
	}
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestDaemon_WebSocketWithHealth(t *testing.T) {
	cfg := testConfig(config.ListenerConfig{
		Transport: "ws",
		Address:   "127.0.0.1:0",
		Path:      "/chat",
		PlainText: true,
	})
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"

	d := startDaemon(t, cfg)
	if !d.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	addrs := d.Addrs()
	if len(addrs) != 1 {
		t.Fatalf("Addrs() = %v, want one address", addrs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, "ws://"+addrs[0].String()+"/chat", client.DefaultConfig())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()
	expectNotice(t, ctx, c, "1 connected")

	base := "http://" + d.HealthAddr().String()

	status, body := getBody(t, base+"/healthz")
	if status != http.StatusOK {
		t.Fatalf("/healthz status = %d, want 200", status)
	}
	var hz struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Listeners   int    `json:"listeners"`
	}
	if err := json.Unmarshal([]byte(body), &hz); err != nil {
		t.Fatalf("decode /healthz: %v", err)
	}
	if hz.Status != "healthy" || hz.Connections != 1 || hz.Listeners != 1 {
		t.Errorf("/healthz = %+v, want healthy with 1 connection and 1 listener", hz)
	}

	status, body = getBody(t, base+"/connections")
	if status != http.StatusOK {
		t.Fatalf("/connections status = %d, want 200", status)
	}
	var conns []struct {
		Nickname  string `json:"nickname"`
		Transport string `json:"transport"`
	}
	if err := json.Unmarshal([]byte(body), &conns); err != nil {
		t.Fatalf("decode /connections: %v", err)
	}
	if len(conns) != 1 || conns[0].Nickname != "1" || conns[0].Transport != "ws" {
		t.Errorf("/connections = %+v", conns)
	}

	_, body = getBody(t, base+"/metrics")
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parse /metrics: %v", err)
	}
	active, ok := families["relaychat_connections_active"]
	if !ok || len(active.GetMetric()) != 1 {
		t.Fatal("/metrics has no relaychat_connections_active gauge")
	}
	if got := active.GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("relaychat_connections_active = %v, want 1", got)
	}

	if err := d.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if d.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if _, err := c.Receive(ctx); err == nil {
		t.Error("Receive() after Stop succeeded")
	}
}

func TestDaemon_QUIC(t *testing.T) {
	d := startDaemon(t, testConfig(config.ListenerConfig{
		Transport: "quic",
		Address:   "127.0.0.1:0",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ccfg := client.DefaultConfig()
	ccfg.DialOptions.InsecureSkipVerify = true

	a, err := client.Dial(ctx, "quic://"+d.Addrs()[0].String(), ccfg)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer a.Close()
	expectNotice(t, ctx, a, "1 connected")

	if err := a.SendMessage(ctx, "over quic"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	env, err := a.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if env.Content != "over quic" || env.Author != "1" {
		t.Errorf("got %s: %q, want 1: %q", env.Author, env.Content, "over quic")
	}
}

func TestDaemon_MultipleListeners(t *testing.T) {
	d := startDaemon(t, testConfig(
		config.ListenerConfig{Transport: "ws", Address: "127.0.0.1:0", Path: "/", PlainText: true},
		config.ListenerConfig{Transport: "ws", Address: "127.0.0.1:0", Path: "/"},
	))

	addrs := d.Addrs()
	if len(addrs) != 2 {
		t.Fatalf("Addrs() = %v, want two addresses", addrs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	plain, err := client.Dial(ctx, "ws://"+addrs[0].String()+"/", client.DefaultConfig())
	if err != nil {
		t.Fatalf("Dial(ws) error = %v", err)
	}
	defer plain.Close()
	expectNotice(t, ctx, plain, "1 connected")

	ccfg := client.DefaultConfig()
	ccfg.DialOptions.InsecureSkipVerify = true
	secure, err := client.Dial(ctx, "wss://"+addrs[1].String()+"/", ccfg)
	if err != nil {
		t.Fatalf("Dial(wss) error = %v", err)
	}
	defer secure.Close()
	expectNotice(t, ctx, secure, "2 connected")
	expectNotice(t, ctx, plain, "2 connected")

	if got := d.Stats().Connections; got != 2 {
		t.Errorf("Stats().Connections = %d, want 2", got)
	}
}

func TestDaemon_StartFailureCleansUp(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer busy.Close()

	d, err := New(testConfig(
		config.ListenerConfig{Transport: "ws", Address: "127.0.0.1:0", Path: "/", PlainText: true},
		config.ListenerConfig{Transport: "ws", Address: busy.Addr().String(), Path: "/", PlainText: true},
	), WithLogger(logging.NopLogger()), WithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Stop()

	if err := d.Start(); err == nil {
		t.Fatal("Start() with a busy address succeeded")
	}
	if d.IsRunning() {
		t.Error("IsRunning() = true after failed Start")
	}
	if addrs := d.Addrs(); len(addrs) != 0 {
		t.Errorf("Addrs() = %v after failed Start, want none", addrs)
	}
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown transport", func(c *config.Config) {
			c.Listeners = []config.ListenerConfig{{Transport: "carrier-pigeon", Address: "127.0.0.1:0"}}
		}},
		{"unknown nickname mode", func(c *config.Config) {
			c.Server.Nicknames = "random"
		}},
		{"negative max connections", func(c *config.Config) {
			c.Limits.MaxConnections = -1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			if _, err := New(cfg, WithLogger(logging.NopLogger()), WithRegistry(prometheus.NewRegistry())); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}

func TestDaemon_StopWithoutStart(t *testing.T) {
	d, err := New(testConfig(), WithLogger(logging.NopLogger()), WithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if d.HealthAddr() != nil {
		t.Error("HealthAddr() non-nil with health disabled")
	}
}

func TestCertHost(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"0.0.0.0:8765", "localhost"},
		{"[::]:8765", "localhost"},
		{":8765", "localhost"},
		{"192.0.2.10:443", "192.0.2.10"},
		{"relay.example:443", "relay.example"},
		{"not an address", "localhost"},
	}
	for _, tt := range tests {
		if got := certHost(tt.addr); got != tt.want {
			t.Errorf("certHost(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
