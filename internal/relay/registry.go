package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/postalsys/relaychat/internal/protocol"
)

// ErrDuplicateMember is returned when adding a member whose ID is present.
var ErrDuplicateMember = errors.New("member already registered")

// Author identifies the sender of a broadcast.
type Author interface {
	ID() uint64
	Nickname() string
}

// Member is a live registry entry that can receive envelopes.
type Member interface {
	Author
	SendEnvelope(ctx context.Context, env *protocol.Envelope) error
	Close(reason error)
}

const (
	// SystemNickname is the author name of server notices.
	SystemNickname = "[SERVER]"

	// SystemID is the author id of server notices. Connection ids start at 1.
	SystemID uint64 = 0
)

type systemAuthor struct{}

func (systemAuthor) ID() uint64       { return SystemID }
func (systemAuthor) Nickname() string { return SystemNickname }

// System is the synthetic author of join, leave and nick change notices.
var System Author = systemAuthor{}

// Registry is the insertion-ordered set of live members. It is the only
// source of broadcast membership.
type Registry struct {
	mu      sync.RWMutex
	members []Member
	byID    map[uint64]Member
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[uint64]Member),
	}
}

// Add appends m to the registry.
func (r *Registry) Add(m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[m.ID()]; ok {
		return ErrDuplicateMember
	}
	r.members = append(r.members, m)
	r.byID[m.ID()] = m
	return nil
}

// Remove deletes the member with the given id and reports whether it was
// present.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, m := range r.members {
		if m.ID() == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	return true
}

// Lookup returns the member with the given id.
func (r *Registry) Lookup(id uint64) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}

// Snapshot returns the members in insertion order.
func (r *Registry) Snapshot() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
