// Package session implements one relay connection: the three-step key
// exchange, the encrypted envelope loop and idempotent shutdown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/postalsys/relaychat/internal/crypto"
	"github.com/postalsys/relaychat/internal/logging"
	"github.com/postalsys/relaychat/internal/metrics"
	"github.com/postalsys/relaychat/internal/protocol"
	"github.com/postalsys/relaychat/internal/recovery"
	"github.com/postalsys/relaychat/internal/transport"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateEstablished
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handler receives connection lifecycle events and inbound envelopes.
type Handler interface {
	// Established is called once the handshake completes. It reports whether
	// c joined; Closed is called later only for connections that joined.
	Established(c *Connection) bool

	// Dispatch handles one inbound envelope. A returned error closes the
	// connection.
	Dispatch(ctx context.Context, c *Connection, env *protocol.Envelope) error

	// Closed is called once when an established connection closes.
	Closed(c *Connection, reason error)
}

// Config contains configuration for a connection.
type Config struct {
	ID       uint64
	Nickname string

	// Keypair is the server keypair whose public half is sent first.
	Keypair *crypto.Keypair

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	WriteTimeout     time.Duration

	// MessagesPerSecond limits inbound envelopes. Zero disables the limit.
	MessagesPerSecond float64
	MessageBurst      int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns a config with defaults.
func DefaultConfig(kp *crypto.Keypair) Config {
	return Config{
		Keypair:          kp,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MessageBurst:     10,
	}
}

// Stats holds per-connection traffic counters.
type Stats struct {
	MessagesIn  uint64
	MessagesOut uint64
	BytesIn     uint64
	BytesOut    uint64
}

// Connection is one client connection.
type Connection struct {
	id      uint64
	conn    transport.Conn
	cfg     Config
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics

	key     *crypto.SymmetricKey
	limiter *rate.Limiter

	mu          sync.RWMutex
	state       State
	nickname    string
	peerKey     crypto.PublicKey
	connectedAt time.Time
	closeReason error
	joined      bool

	writeMu sync.Mutex

	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a connection on conn and generates its symmetric key. The
// connection does nothing until Run is called.
func New(conn transport.Conn, cfg Config, h Handler) (*Connection, error) {
	if cfg.Keypair == nil {
		return nil, fmt.Errorf("session: keypair required")
	}
	if h == nil {
		return nil, fmt.Errorf("session: handler required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	key, err := crypto.NewSymmetricKey()
	if err != nil {
		return nil, err
	}

	c := &Connection{
		id:       cfg.ID,
		conn:     conn,
		cfg:      cfg,
		handler:  h,
		metrics:  cfg.Metrics,
		key:      key,
		state:    StateConnecting,
		nickname: cfg.Nickname,
		done:     make(chan struct{}),
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	c.logger = logger.With(
		logging.KeyConnID, cfg.ID,
		logging.KeyRemoteAddr, conn.RemoteAddr(),
		logging.KeyTransport, string(conn.TransportType()),
	)

	if cfg.MessagesPerSecond > 0 {
		burst := cfg.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
	}

	c.setState(StateHandshaking)
	return c, nil
}

// Run performs the handshake, notifies the handler and reads envelopes until
// the connection closes. It always leaves the connection closed and returns
// nil when the peer hung up cleanly.
func (c *Connection) Run(ctx context.Context) error {
	start := time.Now()
	if err := c.handshake(ctx); err != nil {
		err = shutdownReason(ctx, err)
		c.metrics.RecordHandshakeFailure(Kind(err))
		c.logger.Warn("handshake failed", logging.KeyKind, Kind(err), logging.KeyError, err)
		c.Close(err)
		return err
	}
	c.metrics.RecordHandshake(time.Since(start).Seconds())

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.state = StateEstablished
	c.connectedAt = time.Now()
	c.mu.Unlock()

	c.logger.Debug("handshake complete",
		logging.KeyFingerprint, c.PeerKey().Fingerprint(),
		logging.KeyDuration, time.Since(start))

	joined := c.handler.Established(c)

	// A Close that ran while the handler was registering c skipped Closed.
	c.mu.Lock()
	closedMeanwhile := c.state == StateClosed
	c.joined = joined && !closedMeanwhile
	reason := c.closeReason
	c.mu.Unlock()
	if closedMeanwhile {
		if joined {
			c.handler.Closed(c, reason)
		}
		if IsClean(reason) {
			return nil
		}
		return reason
	}

	err := shutdownReason(ctx, c.readLoop(ctx))
	c.Close(err)
	if IsClean(err) {
		return nil
	}
	return err
}

// readLoop reads, decrypts and dispatches envelopes until an error occurs.
func (c *Connection) readLoop(ctx context.Context) error {
	for {
		data, err := c.read(ctx)
		if err != nil {
			return err
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return transportError("rate limit", err)
			}
		}

		plaintext, err := c.key.Decrypt(data)
		if err != nil {
			return err
		}

		env, err := protocol.Decode(plaintext)
		if err != nil {
			return err
		}
		c.messagesIn.Add(1)

		err = recovery.Guard(c.logger, "dispatch", func() error {
			return c.handler.Dispatch(ctx, c, env)
		})
		if err != nil {
			return err
		}
	}
}

// read reads one frame, applying the idle timeout.
func (c *Connection) read(ctx context.Context) ([]byte, error) {
	if c.cfg.IdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.IdleTimeout)
		defer cancel()
	}

	data, err := c.conn.ReadMessage(ctx)
	switch transport.StatusOf(err) {
	case transport.StatusOK:
		c.bytesIn.Add(uint64(len(data)))
		c.metrics.RecordBytesReceived(len(data))
		return data, nil
	case transport.StatusPeerClosed:
		return nil, err
	default:
		return nil, transportError("read", err)
	}
}

// write writes one frame, applying the write timeout.
func (c *Connection) write(ctx context.Context, data []byte) error {
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}

	c.writeMu.Lock()
	err := c.conn.WriteMessage(ctx, data)
	c.writeMu.Unlock()

	if err != nil {
		return transportError("write", err)
	}
	c.bytesOut.Add(uint64(len(data)))
	c.metrics.RecordBytesSent(len(data))
	return nil
}

// SendEnvelope encrypts env with this connection's key and writes it.
func (c *Connection) SendEnvelope(ctx context.Context, env *protocol.Envelope) error {
	switch c.State() {
	case StateClosed:
		return fmt.Errorf("send to connection %d: %w", c.id, transport.ErrClosed)
	case StateEstablished:
	default:
		return fmt.Errorf("send to connection %d: %w", c.id, ErrNotEstablished)
	}

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	ciphertext, err := c.key.Encrypt(data)
	if err != nil {
		if errors.Is(err, crypto.ErrKeyDestroyed) {
			return fmt.Errorf("send to connection %d: %w: %w", c.id, transport.ErrClosed, err)
		}
		return err
	}

	if err := c.write(ctx, ciphertext); err != nil {
		return err
	}
	c.messagesOut.Add(1)
	return nil
}

// Close shuts the connection down. Only the first call has any effect: it
// marks the connection closed, closes the transport, tells the handler if
// the connection had joined, then destroys the key.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasJoined := c.joined
		c.joined = false
		c.state = StateClosed
		c.closeReason = reason
		c.mu.Unlock()

		if err := c.conn.Close(); err != nil {
			c.logger.Debug("transport close failed", logging.KeyError, err)
		}

		if wasJoined {
			c.handler.Closed(c, reason)
		}

		c.key.Destroy()

		stats := c.Stats()
		attrs := []any{
			logging.KeyNickname, c.Nickname(),
			logging.KeyReason, Kind(reason),
			"received", humanize.IBytes(stats.BytesIn),
			"sent", humanize.IBytes(stats.BytesOut),
		}
		if IsClean(reason) {
			c.logger.Debug("connection closed", attrs...)
		} else {
			c.logger.Info("connection closed", append(attrs, logging.KeyError, reason)...)
		}

		close(c.done)
	})
}

// Done returns a channel that's closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the connection identity.
func (c *Connection) ID() uint64 {
	return c.id
}

// Nickname returns the current display name.
func (c *Connection) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

// SetNickname validates and applies a new display name. On failure the
// nickname is unchanged and a *ValidationError is returned.
func (c *Connection) SetNickname(name string) error {
	n, err := NormalizeNickname(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.nickname = n
	c.mu.Unlock()
	return nil
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr()
}

// TransportType returns the transport protocol type.
func (c *Connection) TransportType() transport.TransportType {
	return c.conn.TransportType()
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// PeerKey returns the public key the peer sent during the handshake.
func (c *Connection) PeerKey() crypto.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerKey
}

// ConnectedAt returns when the handshake completed.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// CloseReason returns the reason passed to Close, if any.
func (c *Connection) CloseReason() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

// Stats returns a snapshot of the traffic counters.
func (c *Connection) Stats() Stats {
	return Stats{
		MessagesIn:  c.messagesIn.Load(),
		MessagesOut: c.messagesOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
	}
}

// String returns a string representation.
func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id=%d, nick=%s, state=%s, addr=%s}",
		c.id, c.Nickname(), c.State(), c.RemoteAddr())
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}
