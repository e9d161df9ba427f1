package orbit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrPresenceReset aborts an in-flight presence query when the tracker is
// reset, e.g. during client teardown.
var ErrPresenceReset = errors.New("presence request aborted by reset")

// ============================================================================
// Presence Tracker
// ============================================================================

// presenceTracker holds the local user's outgoing status and a cache of
// remote statuses populated solely from inbound events. Presence is
// push-only; there is no polling.
type presenceTracker struct {
	// send transmits the local status. It decides between a live send and
	// the offline queue.
	send func(ctx context.Context, status PresenceStatus) error
	// query transmits a batched presence request for specific users.
	query func(ctx context.Context, requestID string, userIDs []string) error

	mu      sync.Mutex
	self    PresenceStatus
	remote  map[string]UserPresence
	pending map[string]chan []PresencePayload
}

func newPresenceTracker(
	send func(ctx context.Context, status PresenceStatus) error,
	query func(ctx context.Context, requestID string, userIDs []string) error,
) *presenceTracker {
	return &presenceTracker{
		send:    send,
		query:   query,
		self:    PresenceOffline,
		remote:  make(map[string]UserPresence),
		pending: make(map[string]chan []PresencePayload),
	}
}

// Update sets and broadcasts the local user's status. Automatic transitions
// (visibility changes, teardown) go through this same entry point.
func (p *presenceTracker) Update(ctx context.Context, status PresenceStatus) error {
	p.mu.Lock()
	p.self = status
	p.mu.Unlock()
	return p.send(ctx, status)
}

// Self returns the local user's current outgoing status.
func (p *presenceTracker) Self() PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

// Get returns the cached presence for a user, defaulting to Offline when
// nothing has been heard about them.
func (p *presenceTracker) Get(userID string) UserPresence {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.remote[userID]; ok {
		return entry
	}
	return UserPresence{Status: PresenceOffline}
}

// HandleRemote applies an inbound presence event to the cache. Remote state
// is never locally asserted for other users.
func (p *presenceTracker) HandleRemote(payload PresencePayload) {
	entry := UserPresence{Status: PresenceStatus(payload.Status)}
	if payload.LastSeen != "" {
		if ts, err := time.Parse(time.RFC3339Nano, payload.LastSeen); err == nil {
			entry.LastSeen = &ts
		}
	}
	p.mu.Lock()
	p.remote[payload.UserID] = entry
	p.mu.Unlock()
}

// Request issues a batched presence query for specific users and waits for
// the correlated reply event.
func (p *presenceTracker) Request(ctx context.Context, userIDs []string) (map[string]UserPresence, error) {
	requestID := uuid.NewString()
	ch := make(chan []PresencePayload, 1)
	p.mu.Lock()
	p.pending[requestID] = ch
	p.mu.Unlock()

	drop := func() {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}

	if err := p.query(ctx, requestID, userIDs); err != nil {
		drop()
		return nil, err
	}

	select {
	case users, ok := <-ch:
		if !ok {
			return nil, ErrPresenceReset
		}
		result := make(map[string]UserPresence, len(users))
		for _, u := range users {
			p.HandleRemote(u)
			result[u.UserID] = p.Get(u.UserID)
		}
		return result, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

// HandleQueryReply resolves a pending batched request, if any. Unsolicited
// replies still refresh the cache.
func (p *presenceTracker) HandleQueryReply(payload presenceStatePayload) {
	p.mu.Lock()
	ch, ok := p.pending[payload.RequestID]
	if ok {
		delete(p.pending, payload.RequestID)
	}
	p.mu.Unlock()

	if ok {
		ch <- payload.Users
		return
	}
	for _, u := range payload.Users {
		p.HandleRemote(u)
	}
}

// Reset drops the remote cache and fails any in-flight queries.
func (p *presenceTracker) Reset() {
	p.mu.Lock()
	p.remote = make(map[string]UserPresence)
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()
}
