// Package transport provides the message-oriented network transports relay
// connections run over.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportWebSocket TransportType = "ws"
	TransportQUIC      TransportType = "quic"
	TransportPipe      TransportType = "pipe"
)

// DefaultMaxMessageSize bounds a single frame unless overridden.
const DefaultMaxMessageSize = 64 * 1024

var (
	// ErrClosed is returned when the local side has closed the connection.
	ErrClosed = errors.New("connection closed")

	// ErrPeerClosed is returned when the peer hung up cleanly.
	ErrPeerClosed = errors.New("connection closed by peer")

	// ErrListenerClosed is returned by Accept after the listener is closed.
	ErrListenerClosed = errors.New("listener closed")

	// ErrMessageTooLarge is returned when a frame exceeds the read limit.
	ErrMessageTooLarge = errors.New("message too large")
)

// Status is the outcome of a transport read or write.
type Status int

const (
	// StatusOK means the operation succeeded.
	StatusOK Status = iota

	// StatusPeerClosed means the peer closed the connection cleanly.
	StatusPeerClosed

	// StatusError means the connection failed or was closed locally.
	StatusError
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPeerClosed:
		return "peer_closed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusOf classifies an error returned by Conn.ReadMessage or
// Conn.WriteMessage.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrPeerClosed):
		return StatusPeerClosed
	default:
		return StatusError
	}
}

// Transport creates and accepts connections.
type Transport interface {
	// Dial connects to a relay server.
	Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType

	// Close shuts down the transport and its listeners.
	Close() error
}

// Listener accepts incoming connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Conn is a message-oriented connection. Each WriteMessage on one side is
// delivered as exactly one ReadMessage on the other.
//
// ReadMessage must not be called concurrently with itself. WriteMessage is
// safe for concurrent use.
type Conn interface {
	// ReadMessage blocks until a message arrives, the connection closes or
	// ctx is done.
	ReadMessage(ctx context.Context) ([]byte, error)

	// WriteMessage sends one message.
	WriteMessage(ctx context.Context, data []byte) error

	// Close closes the connection. Safe to call more than once.
	Close() error

	// RemoteAddr returns the peer address as a string.
	RemoteAddr() string

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// DialOptions contains options for dialing a server.
type DialOptions struct {
	// TLSConfig is the TLS configuration for the connection.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables certificate verification when TLSConfig is
	// nil. The relay's own handshake encrypts all traffic, but does not
	// authenticate the server.
	InsecureSkipVerify bool

	// Timeout is the connection timeout.
	Timeout time.Duration

	// MaxMessageSize is the read limit per message.
	MaxMessageSize int64

	// ALPNProtocol is the ALPN protocol identifier for QUIC.
	ALPNProtocol string

	// WSSubprotocol is the WebSocket subprotocol offered. Empty offers none.
	WSSubprotocol string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener.
	TLSConfig *tls.Config

	// Path is the HTTP path for WebSocket listeners.
	Path string

	// PlainText allows WebSocket listeners to run without TLS.
	PlainText bool

	// MaxMessageSize is the read limit per message.
	MaxMessageSize int64

	// ALPNProtocol is the ALPN protocol identifier for QUIC.
	ALPNProtocol string

	// WSSubprotocol is the WebSocket subprotocol accepted when a client
	// offers it. Clients that offer none are accepted too.
	WSSubprotocol string
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout:        30 * time.Second,
		MaxMessageSize: DefaultMaxMessageSize,
		ALPNProtocol:   DefaultALPNProtocol,
	}
}

// DefaultListenOptions returns ListenOptions with sensible defaults.
func DefaultListenOptions() ListenOptions {
	return ListenOptions{
		Path:           wsDefaultPath,
		MaxMessageSize: DefaultMaxMessageSize,
		ALPNProtocol:   DefaultALPNProtocol,
		WSSubprotocol:  DefaultWSSubprotocol,
	}
}

// New returns a transport for the given type.
func New(t TransportType) (Transport, error) {
	switch t {
	case TransportWebSocket:
		return NewWebSocketTransport(), nil
	case TransportQUIC:
		return NewQUICTransport(), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", t)
	}
}

func readLimit(n int64) int64 {
	if n <= 0 {
		return DefaultMaxMessageSize
	}
	return n
}
