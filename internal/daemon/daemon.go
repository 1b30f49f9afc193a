// Package daemon wires a loaded configuration into a running relay: logger,
// metrics, transports, listeners and the health server.
package daemon

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/relaychat/internal/config"
	"github.com/postalsys/relaychat/internal/crypto"
	"github.com/postalsys/relaychat/internal/health"
	"github.com/postalsys/relaychat/internal/logging"
	"github.com/postalsys/relaychat/internal/metrics"
	"github.com/postalsys/relaychat/internal/recovery"
	"github.com/postalsys/relaychat/internal/relay"
	"github.com/postalsys/relaychat/internal/transport"
)

// Option customizes a Daemon.
type Option func(*Daemon)

// WithLogger replaces the logger built from the server config.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithRegistry registers metrics with reg instead of the global Prometheus
// registry. reg also backs the /metrics endpoint.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(d *Daemon) { d.registry = reg }
}

// WithEvents sets the relay event sink. Defaults to structured log events.
func WithEvents(events relay.Events) Option {
	return func(d *Daemon) { d.events = events }
}

// Daemon runs a relay server on the configured listeners.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	events   relay.Events
	metrics  *metrics.Metrics

	relay        *relay.Server
	transports   map[transport.TransportType]transport.Transport
	healthServer *health.Server

	mu        sync.Mutex
	listeners []transport.Listener

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a daemon for cfg. cfg must already be validated.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
	}

	if err := d.initComponents(); err != nil {
		return nil, err
	}
	return d, nil
}

// initComponents builds metrics, the relay server, transports and the
// optional health server.
func (d *Daemon) initComponents() error {
	if d.registry != nil {
		d.metrics = metrics.NewMetricsWithRegistry(d.registry)
	} else {
		d.metrics = metrics.Default()
	}
	if d.events == nil {
		d.events = relay.NewLogEvents(d.logger)
	}

	srv, err := relay.New(relay.Config{
		Nicknames:         relay.NicknameMode(d.cfg.Server.Nicknames),
		HandshakeTimeout:  d.cfg.Connections.HandshakeTimeout,
		IdleTimeout:       d.cfg.Connections.IdleTimeout,
		WriteTimeout:      d.cfg.Connections.WriteTimeout,
		MaxConnections:    d.cfg.Limits.MaxConnections,
		MessagesPerSecond: d.cfg.Limits.MessagesPerSecond,
		MessageBurst:      d.cfg.Limits.MessageBurst,
		Logger:            d.logger,
		Metrics:           d.metrics,
		Events:            d.events,
	})
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}
	d.relay = srv

	d.transports = make(map[transport.TransportType]transport.Transport)
	for _, l := range d.cfg.Listeners {
		typ := transport.TransportType(l.Transport)
		if _, ok := d.transports[typ]; ok {
			continue
		}
		tr, err := transport.New(typ)
		if err != nil {
			return err
		}
		d.transports[typ] = tr
	}

	if d.cfg.Health.Enabled {
		hcfg := health.ServerConfig{
			Address:      d.cfg.Health.Address,
			ReadTimeout:  d.cfg.Health.ReadTimeout,
			WriteTimeout: d.cfg.Health.WriteTimeout,
			MaxConns:     d.cfg.Health.MaxConns,
		}
		if d.registry != nil {
			hcfg.Gatherer = d.registry
		}
		d.healthServer = health.NewServer(hcfg, d)
	}
	return nil
}

// Start opens every listener, starts accepting and starts the health server.
// Nothing is left running when Start fails.
func (d *Daemon) Start() error {
	if d.running.Load() {
		return fmt.Errorf("daemon already running")
	}

	d.logger.Info("starting relay",
		logging.KeyFingerprint, d.relay.PublicKey().Fingerprint(),
		logging.KeyComponent, "daemon")
	if limit := crypto.MemlockLimit(); limit > 0 {
		d.logger.Info("key operations bounded by memlock limit",
			"memlock", humanize.IBytes(limit),
			"concurrent", crypto.KeyOpSlots(limit))
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())

	for _, lc := range d.cfg.Listeners {
		if err := d.startListener(lc); err != nil {
			d.logger.Error("failed to start listener",
				logging.KeyAddress, lc.Address,
				logging.KeyTransport, lc.Transport,
				logging.KeyError, err)
			d.abort()
			return fmt.Errorf("start listener %s: %w", lc.Address, err)
		}
	}

	if d.healthServer != nil {
		if err := d.healthServer.Start(); err != nil {
			d.logger.Error("failed to start health server",
				logging.KeyAddress, d.cfg.Health.Address,
				logging.KeyError, err)
			d.abort()
			return fmt.Errorf("start health server: %w", err)
		}
		d.logger.Info("health server started",
			logging.KeyAddress, d.healthServer.Address().String())
	}

	d.running.Store(true)
	d.logger.Info("relay started", "listeners", len(d.cfg.Listeners))
	return nil
}

// startListener opens one listener and runs the relay accept loop on it.
func (d *Daemon) startListener(lc config.ListenerConfig) error {
	typ := transport.TransportType(lc.Transport)
	tr, ok := d.transports[typ]
	if !ok {
		return fmt.Errorf("unsupported transport type: %s", typ)
	}

	opts := transport.DefaultListenOptions()
	opts.Path = lc.Path
	opts.MaxMessageSize = int64(d.cfg.Limits.MaxMessageSize)

	if typ == transport.TransportWebSocket && lc.PlainText {
		d.logger.Warn("starting plaintext WebSocket listener (no TLS)",
			logging.KeyAddress, lc.Address,
			"path", lc.Path)
		opts.PlainText = true
	} else {
		tlsConfig, err := d.listenerTLSConfig(lc)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		opts.TLSConfig = tlsConfig
	}

	ln, err := tr.Listen(lc.Address, opts)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.listeners = append(d.listeners, ln)
	d.mu.Unlock()

	d.logger.Info("listener started",
		logging.KeyAddress, ln.Addr().String(),
		logging.KeyTransport, lc.Transport)

	d.wg.Add(1)
	go d.serve(ln)
	return nil
}

// listenerTLSConfig loads the listener's certificate pair or generates a
// self-signed one when none is configured.
func (d *Daemon) listenerTLSConfig(lc config.ListenerConfig) (*tls.Config, error) {
	if lc.TLS.Cert == "" && lc.TLS.Key == "" {
		d.logger.Warn("no certificate configured, using self-signed certificate",
			logging.KeyAddress, lc.Address)
	}
	return transport.ServerTLSConfig(lc.TLS.Cert, lc.TLS.Key, certHost(lc.Address))
}

// certHost names a self-signed certificate after the listener's bind host.
// Wildcard binds fall back to localhost.
func certHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return "localhost"
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return "localhost"
	}
	return host
}

func (d *Daemon) serve(ln transport.Listener) {
	defer d.wg.Done()
	defer recovery.RecoverWithLog(d.logger, "daemon.serve")

	if err := d.relay.Serve(d.ctx, ln); err != nil {
		d.logger.Error("accept loop stopped",
			logging.KeyLocalAddr, ln.Addr().String(),
			logging.KeyError, err)
	}
}

// abort tears down whatever a failed Start opened.
func (d *Daemon) abort() {
	d.cancel()
	d.closeListeners()
	d.wg.Wait()
}

func (d *Daemon) closeListeners() {
	d.mu.Lock()
	listeners := d.listeners
	d.listeners = nil
	d.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
}

// Stop closes listeners, disconnects every client and waits for the relay
// to drain.
func (d *Daemon) Stop() error {
	return d.StopWithContext(context.Background())
}

// StopWithContext stops the daemon, giving connections until ctx is done to
// close.
func (d *Daemon) StopWithContext(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping relay")
		d.running.Store(false)

		if d.healthServer != nil {
			d.healthServer.Stop()
		}

		if d.cancel != nil {
			d.cancel()
		}
		d.closeListeners()

		if shutdownErr := d.relay.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("shutdown relay: %w", shutdownErr)
		}

		for _, tr := range d.transports {
			tr.Close()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}

		d.logger.Info("relay stopped")
	})
	return err
}

// IsRunning reports whether the daemon is accepting connections.
func (d *Daemon) IsRunning() bool {
	return d.running.Load()
}

// Relay returns the relay server.
func (d *Daemon) Relay() *relay.Server {
	return d.relay
}

// Addrs returns the bound address of every listener in config order.
func (d *Daemon) Addrs() []net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()

	addrs := make([]net.Addr, 0, len(d.listeners))
	for _, l := range d.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// HealthAddr returns the health server address, or nil when disabled.
func (d *Daemon) HealthAddr() net.Addr {
	if d.healthServer == nil {
		return nil
	}
	return d.healthServer.Address()
}

// Stats implements health.StatsProvider.
func (d *Daemon) Stats() health.Stats {
	st := d.relay.Stats()

	d.mu.Lock()
	listeners := len(d.listeners)
	d.mu.Unlock()

	return health.Stats{
		Connections: st.Connections,
		Pending:     st.Pending,
		Accepted:    st.Accepted,
		Rejected:    st.Rejected,
		Listeners:   listeners,
		Uptime:      st.Uptime.Round(time.Millisecond).Seconds(),
	}
}

// Connections implements health.StatsProvider.
func (d *Daemon) Connections() []health.Connection {
	infos := d.relay.Connections()
	out := make([]health.Connection, len(infos))
	for i, info := range infos {
		out[i] = health.Connection(info)
	}
	return out
}
