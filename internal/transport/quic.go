package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second

	// quicFrameHeaderSize is the length prefix in front of every message.
	quicFrameHeaderSize = 4
)

// QUICTransport implements Transport over QUIC. Each connection carries one
// bidirectional stream, opened by the server, with length-prefixed messages.
type QUICTransport struct {
	mu        sync.Mutex
	listeners []*QUICListener
	closed    bool
}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

// Type returns the transport type.
func (t *QUICTransport) Type() TransportType {
	return TransportQUIC
}

// Dial connects to a relay server and waits for the stream the server opens.
// The server writes first, so the stream becomes visible with its public key.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	alpn := opts.ALPNProtocol
	if alpn == "" {
		alpn = DefaultALPNProtocol
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil && !opts.InsecureSkipVerify {
		return nil, fmt.Errorf("TLS config required; set InsecureSkipVerify=true for self-signed servers")
	}
	tlsConfig = prepareTLSConfigForDial(tlsConfig, []string{alpn})

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("QUIC accept stream failed: %w", err)
	}

	return newQUICConn(conn, stream, opts.MaxMessageSize), nil
}

// Listen creates a QUIC listener.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}

	alpn := opts.ALPNProtocol
	if alpn == "" {
		alpn = DefaultALPNProtocol
	}
	tlsConfig = tlsConfig.Clone()
	tlsConfig.NextProtos = []string{alpn}

	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	ql := &QUICListener{
		listener:  listener,
		readLimit: opts.MaxMessageSize,
	}
	t.listeners = append(t.listeners, ql)

	return ql, nil
}

// Close shuts down the transport and all listeners.
func (t *QUICTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// QUICListener implements Listener for QUIC.
type QUICListener struct {
	listener  *quic.Listener
	readLimit int64
	closed    bool
	mu        sync.Mutex
}

// Accept waits for the next QUIC connection and opens its message stream.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}

	return newQUICConn(conn, stream, l.readLimit), nil
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	return l.listener.Close()
}

// QUICConn implements Conn over a single QUIC stream.
type QUICConn struct {
	conn      quic.Connection
	stream    quic.Stream
	readLimit int64

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newQUICConn(conn quic.Connection, stream quic.Stream, limit int64) *QUICConn {
	return &QUICConn{
		conn:      conn,
		stream:    stream,
		readLimit: readLimit(limit),
		closed:    make(chan struct{}),
	}
}

// ReadMessage reads one length-prefixed message.
func (c *QUICConn) ReadMessage(ctx context.Context) ([]byte, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.stream.SetReadDeadline(deadline)
	} else {
		c.stream.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.stream.SetReadDeadline(time.Now())
	})
	defer stop()

	var header [quicFrameHeaderSize]byte
	if _, err := io.ReadFull(c.stream, header[:]); err != nil {
		return nil, c.mapError(ctx, err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if int64(n) > c.readLimit {
		c.Close()
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMessageTooLarge, n, c.readLimit)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(c.stream, data); err != nil {
		return nil, c.mapError(ctx, err)
	}
	return data, nil
}

// WriteMessage writes one length-prefixed message.
func (c *QUICConn) WriteMessage(ctx context.Context, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}

	buf := make([]byte, quicFrameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[quicFrameHeaderSize:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.stream.SetWriteDeadline(deadline)
	} else {
		c.stream.SetWriteDeadline(time.Time{})
	}

	if _, err := c.stream.Write(buf); err != nil {
		return c.mapError(ctx, err)
	}
	return nil
}

// Close closes the stream and the QUIC connection.
func (c *QUICConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stream.CancelRead(0)
		c.stream.Close()
		err = c.conn.CloseWithError(0, "connection closed")
	})
	return err
}

// RemoteAddr returns the peer address.
func (c *QUICConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// TransportType returns the transport protocol type.
func (c *QUICConn) TransportType() TransportType {
	return TransportQUIC
}

func (c *QUICConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *QUICConn) mapError(ctx context.Context, err error) error {
	if c.isClosed() {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("quic: %w", ctxErr)
	}
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrPeerClosed, err)
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == 0 {
		return fmt.Errorf("%w: %w", ErrPeerClosed, err)
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote && streamErr.ErrorCode == 0 {
		return fmt.Errorf("%w: %w", ErrPeerClosed, err)
	}
	return fmt.Errorf("quic: %w", err)
}
