package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/postalsys/relaychat/internal/crypto"
	"github.com/postalsys/relaychat/internal/protocol"
	"github.com/postalsys/relaychat/internal/recovery"
	"github.com/postalsys/relaychat/internal/transport"
)

var (
	// ErrTransport is wrapped by read and write failures on the underlying
	// transport.
	ErrTransport = errors.New("transport error")

	// ErrNotEstablished is returned when sending on a connection whose
	// handshake has not completed.
	ErrNotEstablished = errors.New("connection not established")

	// ErrShutdown is the close reason used when the server stops.
	ErrShutdown = errors.New("server shutting down")
)

// Error kinds reported by Kind.
const (
	KindNormal     = "normal"
	KindShutdown   = "shutdown"
	KindTransport  = "transport"
	KindCrypto     = "crypto"
	KindProtocol   = "protocol"
	KindValidation = "validation"
	KindInternal   = "internal"
)

// Violation names the rule a rejected value broke.
type Violation string

// Violations reported by NormalizeNickname.
const (
	ViolationEmpty    Violation = "empty"
	ViolationTooLong  Violation = "too_long"
	ViolationEncoding Violation = "encoding"
)

// ValidationError reports a rejected user request. It is recoverable: the
// connection stays open and only the requester is told.
type ValidationError struct {
	Field     string
	Value     string
	Violation Violation
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Kind classifies a close reason or handler error for logs and metrics.
func Kind(err error) string {
	var verr *ValidationError
	switch {
	case err == nil, errors.Is(err, transport.ErrPeerClosed):
		return KindNormal
	case errors.Is(err, ErrShutdown):
		return KindShutdown
	case errors.As(err, &verr):
		return KindValidation
	case errors.Is(err, crypto.ErrCrypto):
		return KindCrypto
	case errors.Is(err, protocol.ErrMalformed):
		return KindProtocol
	case errors.Is(err, recovery.ErrPanic):
		return KindInternal
	case errors.Is(err, ErrTransport),
		errors.Is(err, transport.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransport
	default:
		return KindInternal
	}
}

// IsClean reports whether a close reason is a normal hang-up rather than an
// error.
func IsClean(err error) bool {
	switch Kind(err) {
	case KindNormal, KindShutdown:
		return true
	}
	return false
}

// shutdownReason marks err as a shutdown when the server context that runs
// the connection has been cancelled.
func shutdownReason(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil || IsClean(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrShutdown, err)
}

func transportError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}
