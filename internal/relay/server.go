// Package relay implements the chat relay: the registry of live connections,
// the broadcaster that fans messages out to them and the server that accepts
// connections and dispatches their envelopes.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/relaychat/internal/crypto"
	"github.com/postalsys/relaychat/internal/logging"
	"github.com/postalsys/relaychat/internal/metrics"
	"github.com/postalsys/relaychat/internal/protocol"
	"github.com/postalsys/relaychat/internal/recovery"
	"github.com/postalsys/relaychat/internal/session"
	"github.com/postalsys/relaychat/internal/transport"
)

var (
	// ErrServerClosed is returned by HandleConn after Shutdown.
	ErrServerClosed = errors.New("server closed")

	// ErrServerFull is returned by HandleConn when max connections is reached.
	ErrServerFull = errors.New("connection limit reached")
)

// NicknameMode selects how default nicknames are assigned.
type NicknameMode string

const (
	// NicknamesHash derives a short hex name from the remote address and id.
	NicknamesHash NicknameMode = "hash"

	// NicknamesSequential names connections "1", "2", ... in accept order.
	NicknamesSequential NicknameMode = "sequential"
)

// Config contains server configuration.
type Config struct {
	// Keypair is shared by every connection. Generated when nil.
	Keypair *crypto.Keypair

	Nicknames NicknameMode

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration

	// MaxConnections caps concurrent connections, handshaking ones included.
	// Zero means unlimited.
	MaxConnections int

	MessagesPerSecond float64
	MessageBurst      int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Events  Events
}

// DefaultConfig returns a config with defaults.
func DefaultConfig() Config {
	return Config{
		Nicknames:        NicknamesHash,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MessageBurst:     10,
	}
}

// Stats is a snapshot of server counters.
type Stats struct {
	Connections int           `json:"connections"`
	Pending     int           `json:"pending"`
	Accepted    uint64        `json:"accepted"`
	Rejected    uint64        `json:"rejected"`
	Uptime      time.Duration `json:"uptime"`
}

// ConnectionInfo describes one registered connection.
type ConnectionInfo struct {
	ID          uint64    `json:"id"`
	Nickname    string    `json:"nickname"`
	RemoteAddr  string    `json:"remote_addr"`
	Transport   string    `json:"transport"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	MessagesIn  uint64    `json:"messages_in"`
	MessagesOut uint64    `json:"messages_out"`
}

// Server accepts connections and relays their messages.
type Server struct {
	cfg         Config
	keypair     *crypto.Keypair
	ownsKeypair bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
	events      Events

	registry    *Registry
	broadcaster *Broadcaster
	commands    map[string]CommandFunc

	nextID   atomic.Uint64
	rejected atomic.Uint64

	mu      sync.Mutex
	conns   map[uint64]*session.Connection
	closing bool
	wg      sync.WaitGroup

	startedAt time.Time
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	switch cfg.Nicknames {
	case "":
		cfg.Nicknames = NicknamesHash
	case NicknamesHash, NicknamesSequential:
	default:
		return nil, fmt.Errorf("relay: unknown nickname mode %q", cfg.Nicknames)
	}
	if cfg.MaxConnections < 0 {
		return nil, fmt.Errorf("relay: max connections must be non-negative, got %d", cfg.MaxConnections)
	}

	logger := logging.Component(cfg.Logger, "relay")

	s := &Server{
		cfg:       cfg,
		keypair:   cfg.Keypair,
		logger:    logger,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		registry:  NewRegistry(),
		commands:  defaultCommands(),
		conns:     make(map[uint64]*session.Connection),
		startedAt: time.Now(),
	}
	if s.events == nil {
		s.events = nopEvents{}
	}
	if s.keypair == nil {
		kp, err := crypto.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		s.keypair = kp
		s.ownsKeypair = true
	}
	s.broadcaster = NewBroadcaster(s.registry, logger, cfg.Metrics)
	return s, nil
}

// PublicKey returns the server public key sent to every client.
func (s *Server) PublicKey() crypto.PublicKey {
	return s.keypair.PublicKey()
}

// Registry returns the server's member registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Serve accepts connections from ln until ctx is done or ln is closed.
// Other accept errors are logged and ignored.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	defer recovery.RecoverWithLog(s.logger, "relay.Serve")

	s.logger.Info("accepting connections", logging.KeyAddress, ln.Addr().String())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			s.logger.Warn("accept failed", logging.KeyError, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		go func() {
			defer recovery.RecoverWithLog(s.logger, "relay.HandleConn")
			if err := s.HandleConn(ctx, conn, ""); err != nil {
				s.logger.Debug("connection ended",
					logging.KeyRemoteAddr, conn.RemoteAddr(),
					logging.KeyKind, session.Kind(err),
					logging.KeyError, err)
			}
		}()
	}
}

// HandleConn runs one connection to completion. An empty nickname, or one
// that fails validation, is replaced by the default nickname.
func (s *Server) HandleConn(ctx context.Context, conn transport.Conn, nickname string) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return ErrServerClosed
	}
	if s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.rejected.Add(1)
		s.metrics.RecordRejected()
		conn.Close()
		s.logger.Warn("connection rejected",
			logging.KeyRemoteAddr, conn.RemoteAddr(),
			logging.KeyReason, ErrServerFull)
		return ErrServerFull
	}

	id := s.nextID.Add(1)
	if n, err := session.NormalizeNickname(nickname); err == nil {
		nickname = n
	} else {
		nickname = s.defaultNickname(conn.RemoteAddr(), id)
	}

	c, err := session.New(conn, session.Config{
		ID:                id,
		Nickname:          nickname,
		Keypair:           s.keypair,
		HandshakeTimeout:  s.cfg.HandshakeTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		MessagesPerSecond: s.cfg.MessagesPerSecond,
		MessageBurst:      s.cfg.MessageBurst,
		Logger:            s.logger,
		Metrics:           s.metrics,
	}, s)
	if err != nil {
		s.mu.Unlock()
		conn.Close()
		return err
	}
	s.conns[id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	return c.Run(ctx)
}

func (s *Server) defaultNickname(remoteAddr string, id uint64) string {
	if s.cfg.Nicknames == NicknamesSequential {
		return strconv.FormatUint(id, 10)
	}
	return DefaultNickname(remoteAddr, id)
}

// DefaultNickname returns the first 5 hex characters of the SHA-224 digest
// of "remoteAddr#id".
func DefaultNickname(remoteAddr string, id uint64) string {
	sum := sha256.Sum224([]byte(remoteAddr + "#" + strconv.FormatUint(id, 10)))
	return hex.EncodeToString(sum[:])[:5]
}

// Established registers c and announces it. A connection closed before it
// could be registered is dropped without a join notice.
func (s *Server) Established(c *session.Connection) bool {
	if err := s.registry.Add(c); err != nil {
		s.logger.Error("register connection", logging.KeyConnID, c.ID(), logging.KeyError, err)
		return false
	}
	if c.State() == session.StateClosed {
		s.registry.Remove(c.ID())
		return false
	}
	s.metrics.RecordConnect(string(c.TransportType()))
	s.emit("connect", func() { s.events.Connect(c.RemoteAddr(), c.Nickname()) })
	s.Announce(context.Background(), c.Nickname()+" connected")
	return true
}

// Dispatch handles one inbound envelope from c.
func (s *Server) Dispatch(ctx context.Context, c *session.Connection, env *protocol.Envelope) error {
	s.metrics.RecordMessage(string(env.Kind))

	switch env.Kind {
	case protocol.KindMessage:
		s.emit("message", func() { s.events.Message(c.Nickname(), c.RemoteAddr(), env.Content) })
		s.broadcaster.Broadcast(ctx, env, c)
		return nil

	case protocol.KindCommand:
		s.emit("command", func() { s.events.Command(c.Nickname(), c.RemoteAddr(), env.Command, env.CommandArgs) })
		fn, ok := s.commands[env.Command]
		if !ok {
			s.metrics.RecordCommand("unknown")
			s.logger.Debug("unknown command ignored",
				logging.KeyConnID, c.ID(),
				logging.KeyCommand, env.Command)
			return nil
		}
		s.metrics.RecordCommand(env.Command)
		return fn(ctx, s, c, env.CommandArgs)
	}

	return fmt.Errorf("dispatch: %w: kind %q", protocol.ErrMalformed, env.Kind)
}

// Closed unregisters c and announces its departure.
func (s *Server) Closed(c *session.Connection, reason error) {
	s.registry.Remove(c.ID())
	s.metrics.RecordDisconnect(session.Kind(reason))
	s.Announce(context.Background(), c.Nickname()+" disconnected")
	s.emit("disconnect", func() { s.events.Disconnect(c.RemoteAddr(), c.Nickname(), reason) })
}

// emit runs an event callback, discarding panics.
func (s *Server) emit(name string, fn func()) {
	_ = recovery.Guard(s.logger, "events."+name, func() error {
		fn()
		return nil
	})
}

// Shutdown closes every connection and waits for their goroutines to finish
// or ctx to be done. New connections are refused afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*session.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.logger.Info("shutting down", logging.KeyCount, len(conns))
	for _, c := range conns {
		c.Close(session.ErrShutdown)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.ownsKeypair {
		s.keypair.Destroy()
	}
	return nil
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	total := len(s.conns)
	s.mu.Unlock()

	registered := s.registry.Len()
	pending := total - registered
	if pending < 0 {
		pending = 0
	}
	return Stats{
		Connections: registered,
		Pending:     pending,
		Accepted:    s.nextID.Load(),
		Rejected:    s.rejected.Load(),
		Uptime:      time.Since(s.startedAt),
	}
}

// Connections describes the registered connections in join order.
func (s *Server) Connections() []ConnectionInfo {
	members := s.registry.Snapshot()
	out := make([]ConnectionInfo, 0, len(members))
	for _, m := range members {
		c, ok := m.(*session.Connection)
		if !ok {
			continue
		}
		st := c.Stats()
		out = append(out, ConnectionInfo{
			ID:          c.ID(),
			Nickname:    c.Nickname(),
			RemoteAddr:  c.RemoteAddr(),
			Transport:   string(c.TransportType()),
			State:       c.State().String(),
			ConnectedAt: c.ConnectedAt(),
			MessagesIn:  st.MessagesIn,
			MessagesOut: st.MessagesOut,
		})
	}
	return out
}
