// Package probe provides connectivity testing for relay listeners.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/postalsys/relaychat/internal/client"
	"github.com/postalsys/relaychat/internal/transport"
)

// Options contains configuration for a connectivity probe.
type Options struct {
	// Timeout for the entire probe operation
	Timeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification for wss and
	// quic.
	InsecureSkipVerify bool
}

// Result contains the outcome of a connectivity probe.
type Result struct {
	// Success indicates whether the probe succeeded
	Success bool

	// Transport type that was tested
	Transport string

	// Address that was probed
	Address string

	// ServerFingerprint identifies the relay's public key
	ServerFingerprint string

	// Nickname is the default nickname the relay assigned to the probe
	Nickname string

	// DialTime is the time to establish the transport connection
	DialTime time.Duration

	// HandshakeTime is the time for the key exchange
	HandshakeTime time.Duration

	// RTT is the time from dialing until the join notice arrived
	RTT time.Duration

	// Error is the error that occurred (if any)
	Error error

	// ErrorDetail is a human-readable description of the error
	ErrorDetail string
}

// joinSuffix ends the notice a relay broadcasts when a connection joins.
const joinSuffix = " connected"

// Probe tests connectivity to a relay listener at rawURL.
// It performs:
// 1. Transport-level connection (TCP/TLS or QUIC)
// 2. The key exchange
// 3. Receipt of the encrypted join notice
func Probe(ctx context.Context, rawURL string, opts Options) *Result {
	result := &Result{Address: rawURL}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	fail := func(err error) *Result {
		result.Error = err
		result.ErrorDetail = classifyError(err)
		return result
	}

	typ, addr, err := client.ParseURL(rawURL)
	if err != nil {
		return fail(err)
	}
	result.Transport = string(typ)

	tr, err := transport.New(typ)
	if err != nil {
		return fail(err)
	}
	defer tr.Close()

	dialOpts := transport.DefaultDialOptions()
	dialOpts.Timeout = opts.Timeout
	dialOpts.InsecureSkipVerify = opts.InsecureSkipVerify

	startTime := time.Now()
	conn, err := tr.Dial(ctx, addr, dialOpts)
	if err != nil {
		return fail(err)
	}
	result.DialTime = time.Since(startTime)

	cfg := client.DefaultConfig()
	cfg.HandshakeTimeout = opts.Timeout
	handshakeStart := time.Now()
	c, err := client.New(ctx, conn, cfg)
	if err != nil {
		return fail(err)
	}
	defer c.Close()
	result.HandshakeTime = time.Since(handshakeStart)
	result.ServerFingerprint = c.ServerKey().Fingerprint()

	env, err := c.Receive(ctx)
	if err != nil {
		return fail(fmt.Errorf("waiting for join notice: %w", err))
	}
	nick, ok := strings.CutSuffix(env.Content, joinSuffix)
	if env.AuthorID != 0 || !ok {
		return fail(fmt.Errorf("unexpected first envelope from %q: %q", env.Author, env.Content))
	}

	result.Success = true
	result.Nickname = nick
	result.RTT = time.Since(startTime)
	return result
}

// classifyError returns a human-readable description for common errors.
func classifyError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "Could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	// Connection errors
	if strings.Contains(errStr, "connection refused") {
		return "Connection refused - relay not running or port blocked"
	}
	if strings.Contains(errStr, "no route to host") {
		return "No route to host - network unreachable"
	}

	// Handshake errors take precedence over timeouts.
	if errors.Is(err, client.ErrHandshake) {
		return "Connected but key exchange failed - not a relaychat listener?"
	}

	// Timeout errors
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "Connection timed out - firewall may be blocking"
	}

	// TLS errors
	if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls") || strings.Contains(errStr, "x509") {
		if strings.Contains(errStr, "unknown authority") {
			return "TLS error - certificate signed by unknown authority (try --insecure)"
		}
		if strings.Contains(errStr, "expired") {
			return "TLS error - certificate has expired"
		}
		return "TLS handshake failed - " + err.Error()
	}

	if strings.Contains(errStr, "unsupported scheme") {
		return "Unsupported URL scheme - use ws://, wss:// or quic://"
	}

	if strings.Contains(errStr, "join notice") || strings.Contains(errStr, "first envelope") {
		return "Key exchange succeeded but no join notice arrived - not a relaychat listener?"
	}

	return err.Error()
}
