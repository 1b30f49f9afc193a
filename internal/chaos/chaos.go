// Package chaos provides fault injection for relay transports.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/postalsys/relaychat/internal/transport"
)

// ErrInjected is wrapped by errors produced by an injected fault.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect closes the connection.
	FaultDisconnect FaultType = iota
	// FaultDelay adds latency to operations.
	FaultDelay
	// FaultError causes an operation to return an error.
	FaultError
)

// String returns the fault name.
func (f FaultType) String() string {
	switch f {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	default:
		return fmt.Sprintf("fault(%d)", int(f))
	}
}

// Op selects which connection operations a fault applies to.
type Op int

const (
	// OpAny applies to reads and writes.
	OpAny Op = iota
	// OpRead applies to ReadMessage only.
	OpRead
	// OpWrite applies to WriteMessage only.
	OpWrite
)

func (o Op) matches(op Op) bool {
	return o == OpAny || o == op
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// Op limits the fault to reads or writes.
	Op Op

	// MinDelay is the minimum delay to add for FaultDelay.
	MinDelay time.Duration

	// MaxDelay is the maximum delay to add for FaultDelay.
	MaxDelay time.Duration
}

// FaultInjector decides when faults fire. Safe for concurrent use.
type FaultInjector struct {
	configs   []FaultConfig
	enabled   bool
	mu        sync.Mutex
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// inject rolls every config matching op. Delays accumulate; the first
// disconnect or error fault wins and stops the roll.
func (f *FaultInjector) inject(op Op) (delay time.Duration, fault FaultType, hit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.enabled {
		return 0, 0, false
	}

	for _, cfg := range f.configs {
		if !cfg.Op.matches(op) || f.rng.Float64() >= cfg.Probability {
			continue
		}
		f.faultHits[cfg.Type]++
		if cfg.Type == FaultDelay {
			delay += f.randomDelay(cfg.MinDelay, cfg.MaxDelay)
			continue
		}
		return delay, cfg.Type, true
	}
	return delay, 0, false
}

// Stats returns the number of times each fault fired.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears the fault statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay must be called with mu held.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// Conn wraps a transport.Conn and injects faults into its reads and writes.
type Conn struct {
	transport.Conn
	injector *FaultInjector
}

// WrapConn returns conn with faults from injector applied.
func WrapConn(conn transport.Conn, injector *FaultInjector) *Conn {
	return &Conn{Conn: conn, injector: injector}
}

// ReadMessage reads from the wrapped connection unless a fault fires.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := c.apply(ctx, OpRead); err != nil {
		return nil, err
	}
	return c.Conn.ReadMessage(ctx)
}

// WriteMessage writes to the wrapped connection unless a fault fires.
func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	if err := c.apply(ctx, OpWrite); err != nil {
		return err
	}
	return c.Conn.WriteMessage(ctx, data)
}

func (c *Conn) apply(ctx context.Context, op Op) error {
	delay, fault, hit := c.injector.inject(op)
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if !hit {
		return nil
	}

	switch fault {
	case FaultDisconnect:
		c.Conn.Close()
		return fmt.Errorf("%w: %w", transport.ErrClosed, ErrInjected)
	default:
		return fmt.Errorf("%w: %s failed", ErrInjected, opName(op))
	}
}

func opName(op Op) string {
	if op == OpRead {
		return "read"
	}
	return "write"
}

// Listener wraps every accepted connection with the same injector.
type Listener struct {
	transport.Listener
	injector *FaultInjector
}

// WrapListener returns ln with faults from injector applied to accepted
// connections.
func WrapListener(ln transport.Listener, injector *FaultInjector) *Listener {
	return &Listener{Listener: ln, injector: injector}
}

// Accept returns the next connection, wrapped.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	conn, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return WrapConn(conn, l.injector), nil
}
