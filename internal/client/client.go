// Package client implements the client side of the relay protocol: dialing a
// server, the key exchange and encrypted envelope exchange.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/relaychat/internal/crypto"
	"github.com/postalsys/relaychat/internal/logging"
	"github.com/postalsys/relaychat/internal/protocol"
	"github.com/postalsys/relaychat/internal/transport"
)

// ErrHandshake is wrapped by failures during the key exchange.
var ErrHandshake = errors.New("handshake failed")

// Config contains client configuration.
type Config struct {
	// DialOptions are passed to the transport.
	DialOptions transport.DialOptions

	// HandshakeTimeout bounds the key exchange.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns a config with defaults.
func DefaultConfig() Config {
	return Config{
		DialOptions:      transport.DefaultDialOptions(),
		HandshakeTimeout: 10 * time.Second,
	}
}

// Client is a connected, handshaken relay client. Send and Receive may be
// called from different goroutines.
type Client struct {
	conn      transport.Conn
	tr        transport.Transport
	logger    *slog.Logger
	serverKey crypto.PublicKey
	key       *crypto.SymmetricKey

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to a server URL and performs the handshake. Supported
// schemes are ws, wss and quic; a bare host:port is dialed as ws.
func Dial(ctx context.Context, rawURL string, cfg Config) (*Client, error) {
	typ, addr, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	tr, err := transport.New(typ)
	if err != nil {
		return nil, err
	}

	conn, err := tr.Dial(ctx, addr, cfg.DialOptions)
	if err != nil {
		tr.Close()
		return nil, err
	}

	c, err := New(ctx, conn, cfg)
	if err != nil {
		tr.Close()
		return nil, err
	}
	c.tr = tr
	return c, nil
}

// ParseURL maps a server URL to a transport type and the address passed to
// that transport's Dial.
func ParseURL(rawURL string) (transport.TransportType, string, error) {
	if !strings.Contains(rawURL, "://") {
		return transport.TransportWebSocket, rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse server URL: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("server URL %q has no host", rawURL)
	}

	switch u.Scheme {
	case "ws", "wss":
		return transport.TransportWebSocket, rawURL, nil
	case "quic":
		return transport.TransportQUIC, u.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// New performs the client handshake over an established transport
// connection. On failure conn is closed.
func New(ctx context.Context, conn transport.Conn, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	c := &Client{
		conn:   conn,
		logger: logger.With(logging.KeyRemoteAddr, conn.RemoteAddr()),
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.handshake(hctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	c.logger.Debug("handshake complete", logging.KeyFingerprint, c.serverKey.Fingerprint())
	return c, nil
}

// handshake mirrors the server: receive its public key, send ours, receive
// the connection key sealed to ours.
func (c *Client) handshake(ctx context.Context) error {
	data, err := c.conn.ReadMessage(ctx)
	if err != nil {
		return fmt.Errorf("read server key: %w", err)
	}
	serverKey, err := crypto.ParsePublicKey(data)
	if err != nil {
		return err
	}

	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return err
	}
	defer kp.Destroy()

	if err := c.conn.WriteMessage(ctx, kp.PublicBytes()); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	sealed, err := c.conn.ReadMessage(ctx)
	if err != nil {
		return fmt.Errorf("read sealed key: %w", err)
	}
	raw, err := kp.Open(sealed)
	if err != nil {
		return err
	}
	key, err := crypto.SymmetricKeyFromBytes(raw)
	if err != nil {
		return err
	}

	c.serverKey = serverKey
	c.key = key
	return nil
}

// Send encrypts and writes env.
func (c *Client) Send(ctx context.Context, env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	ciphertext, err := c.key.Encrypt(data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(ctx, ciphertext)
}

// SendMessage sends a chat message.
func (c *Client) SendMessage(ctx context.Context, content string) error {
	return c.Send(ctx, protocol.NewMessage(content))
}

// SendCommand sends a command such as "nick".
func (c *Client) SendCommand(ctx context.Context, name, args string) error {
	return c.Send(ctx, protocol.NewCommand(name, args))
}

// Receive blocks for the next envelope from the server.
func (c *Client) Receive(ctx context.Context) (*protocol.Envelope, error) {
	data, err := c.conn.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.key.Decrypt(data)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(plaintext)
}

// ServerKey returns the public key the server presented.
func (c *Client) ServerKey() crypto.PublicKey {
	return c.serverKey
}

// SymmetricKey returns the connection key received during the handshake.
func (c *Client) SymmetricKey() *crypto.SymmetricKey {
	return c.key
}

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr()
}

// Close closes the connection and wipes the connection key.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.key.Destroy()
		if c.tr != nil {
			c.tr.Close()
		}
	})
	return err
}
