package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/postalsys/relaychat/internal/logging"
	"github.com/postalsys/relaychat/internal/metrics"
	"github.com/postalsys/relaychat/internal/protocol"
)

// Result summarizes one broadcast pass.
type Result struct {
	Attempted int
	Delivered int
	Removed   int
}

// Broadcaster fans envelopes out to registry members. Passes are
// serialized; members whose send fails are removed after the pass and closed
// once the pass lock is released.
type Broadcaster struct {
	mu       sync.Mutex
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewBroadcaster creates a broadcaster over registry.
func NewBroadcaster(registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger,
		metrics:  m,
	}
}

type failedSend struct {
	member Member
	err    error
}

// Broadcast delivers env to every member, addressed to that member and
// attributed to author. It never returns an error: failed members are
// removed and closed.
func (b *Broadcaster) Broadcast(ctx context.Context, env *protocol.Envelope, author Author) Result {
	b.mu.Lock()
	members := b.registry.Snapshot()
	res := Result{Attempted: len(members)}

	var failed []failedSend
	for _, m := range members {
		if err := m.SendEnvelope(ctx, addressed(env, author, m)); err != nil {
			failed = append(failed, failedSend{member: m, err: err})
			continue
		}
		res.Delivered++
	}

	for _, f := range failed {
		if b.registry.Remove(f.member.ID()) {
			res.Removed++
		}
	}
	b.mu.Unlock()

	b.closeFailed(failed)
	b.metrics.RecordBroadcast(res.Delivered, len(failed))
	return res
}

// Send delivers env to a single member with the same addressing as
// Broadcast. A failed member is removed and closed.
func (b *Broadcaster) Send(ctx context.Context, env *protocol.Envelope, author Author, to Member) error {
	b.mu.Lock()
	err := to.SendEnvelope(ctx, addressed(env, author, to))
	if err != nil {
		b.registry.Remove(to.ID())
	}
	b.mu.Unlock()

	if err != nil {
		b.closeFailed([]failedSend{{member: to, err: err}})
	}
	return err
}

func (b *Broadcaster) closeFailed(failed []failedSend) {
	for _, f := range failed {
		b.logger.Debug("delivery failed, dropping member",
			logging.KeyConnID, f.member.ID(),
			logging.KeyNickname, f.member.Nickname(),
			logging.KeyError, f.err)
		f.member.Close(f.err)
	}
}

// addressed copies env with the author and recipient fields overwritten.
func addressed(env *protocol.Envelope, author Author, to Member) *protocol.Envelope {
	out := env.Clone()
	out.Author = author.Nickname()
	out.AuthorID = author.ID()
	out.Recipient = to.Nickname()
	out.RecipientID = to.ID()
	return out
}
