package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const wsDefaultPath = "/"

// WebSocketTransport implements Transport over WebSocket. Each frame is one
// binary WebSocket message.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*WebSocketListener
	closed    bool
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

// Dial connects to a relay server. addr is either a ws:// or wss:// URL or a
// bare host:port, which is dialed as plaintext ws on the default path.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	t.mu.Unlock()

	wsURL := parseWebSocketURL(addr)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{}
	if opts.WSSubprotocol != "" {
		dialOpts.Subprotocols = []string{opts.WSSubprotocol}
	}

	if strings.HasPrefix(wsURL, "wss://") {
		httpClient, err := buildHTTPClient(opts)
		if err != nil {
			return nil, err
		}
		dialOpts.HTTPClient = httpClient
	}

	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}

	conn.SetReadLimit(readLimit(opts.MaxMessageSize))

	return &WebSocketConn{
		conn:       conn,
		remoteAddr: addr,
	}, nil
}

// Listen creates a WebSocket listener.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}

	if opts.TLSConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("TLS config required for WebSocket listener unless plaintext is enabled")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	listener := &WebSocketListener{
		addr:        addr,
		path:        path,
		tlsConfig:   opts.TLSConfig,
		readLimit:   readLimit(opts.MaxMessageSize),
		subprotocol: opts.WSSubprotocol,
		connCh:      make(chan *WebSocketConn, 16),
		closeCh:     make(chan struct{}),
	}

	if err := listener.start(); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, listener)
	return listener, nil
}

// Close shuts down the transport and all listeners.
func (t *WebSocketTransport) Close() error {
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

// WebSocketListener implements Listener for WebSocket.
type WebSocketListener struct {
	addr        string
	path        string
	tlsConfig   *tls.Config
	readLimit   int64
	subprotocol string
	server      *http.Server
	netLn       net.Listener
	connCh      chan *WebSocketConn
	closeCh     chan struct{}
	closed      atomic.Bool
}

// start initializes the HTTP server.
func (l *WebSocketListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebSocket)

	l.server = &http.Server{
		Addr:              l.addr,
		Handler:           mux,
		TLSConfig:         l.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		if l.tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return nil
}

// handleWebSocket handles incoming WebSocket upgrade requests.
func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	acceptOpts := &websocket.AcceptOptions{}
	if l.subprotocol != "" {
		acceptOpts.Subprotocols = []string{l.subprotocol}
	}

	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return
	}

	conn.SetReadLimit(l.readLimit)

	wsConn := &WebSocketConn{
		conn:       conn,
		remoteAddr: r.RemoteAddr,
	}

	select {
	case l.connCh <- wsConn:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket connection.
func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrListenerClosed
	}
}

// Addr returns the listener's address.
func (l *WebSocketListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener. Established connections are not affected.
func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// WebSocketConn implements Conn for WebSocket.
type WebSocketConn struct {
	conn       *websocket.Conn
	remoteAddr string
	closed     atomic.Bool
}

// ReadMessage reads one WebSocket message. Text and binary messages are both
// accepted.
func (c *WebSocketConn) ReadMessage(ctx context.Context) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, c.mapError(err)
	}
	return data, nil
}

// WriteMessage writes one binary WebSocket message.
func (c *WebSocketConn) WriteMessage(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return c.mapError(err)
	}
	return nil
}

// Close performs the WebSocket close handshake.
func (c *WebSocketConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && websocket.CloseStatus(err) != -1 {
		return nil
	}
	return err
}

// RemoteAddr returns the peer address.
func (c *WebSocketConn) RemoteAddr() string {
	return c.remoteAddr
}

// TransportType returns the transport protocol type.
func (c *WebSocketConn) TransportType() TransportType {
	return TransportWebSocket
}

func (c *WebSocketConn) mapError(err error) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return fmt.Errorf("%w: %w", ErrPeerClosed, err)
	case websocket.StatusMessageTooBig:
		return fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
	}
	return fmt.Errorf("websocket: %w", err)
}

// parseWebSocketURL turns a bare host:port into a ws:// URL.
func parseWebSocketURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + wsDefaultPath
}

// buildHTTPClient creates the HTTP client used for wss:// dials.
func buildHTTPClient(opts DialOptions) (*http.Client, error) {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		if !opts.InsecureSkipVerify {
			return &http.Client{}, nil
		}
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}
	}

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}, nil
}
