package orbit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// presenceHarness wires a tracker to recording send/query hooks.
type presenceHarness struct {
	tracker *presenceTracker

	mu       sync.Mutex
	updates  []PresenceStatus
	queries  []string // request ids, in order
	queryErr error
}

func newPresenceHarness(t *testing.T) *presenceHarness {
	t.Helper()
	h := &presenceHarness{}
	h.tracker = newPresenceTracker(
		func(ctx context.Context, status PresenceStatus) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.updates = append(h.updates, status)
			return nil
		},
		func(ctx context.Context, requestID string, userIDs []string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.queryErr != nil {
				return h.queryErr
			}
			h.queries = append(h.queries, requestID)
			return nil
		},
	)
	t.Cleanup(h.tracker.Reset)
	return h
}

func (h *presenceHarness) lastQueryID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queries) == 0 {
		return ""
	}
	return h.queries[len(h.queries)-1]
}

// =======================================================================
// Local status
// =======================================================================

func TestPresence_UpdateBroadcasts(t *testing.T) {
	h := newPresenceHarness(t)

	if got := h.tracker.Self(); got != PresenceOffline {
		t.Fatalf("initial self status = %s, want offline", got)
	}

	for _, status := range []PresenceStatus{PresenceOnline, PresenceBusy, PresenceAway} {
		if err := h.tracker.Update(context.Background(), status); err != nil {
			t.Fatalf("Update(%s): %v", status, err)
		}
		if got := h.tracker.Self(); got != status {
			t.Errorf("Self() = %s after Update(%s)", got, status)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.updates) != 3 {
		t.Errorf("transmitted %d updates, want 3", len(h.updates))
	}
}

// =======================================================================
// Remote cache
// =======================================================================

func TestPresence_GetDefaultsToOffline(t *testing.T) {
	h := newPresenceHarness(t)
	got := h.tracker.Get("stranger")
	if got.Status != PresenceOffline || got.LastSeen != nil {
		t.Errorf("unknown user presence = %+v, want offline with nil LastSeen", got)
	}
}

func TestPresence_HandleRemote(t *testing.T) {
	h := newPresenceHarness(t)

	seen := time.Now().UTC().Truncate(time.Second)
	h.tracker.HandleRemote(PresencePayload{
		UserID:   "bob",
		Status:   "away",
		LastSeen: seen.Format(time.RFC3339Nano),
	})

	got := h.tracker.Get("bob")
	if got.Status != PresenceAway {
		t.Errorf("status = %s, want away", got.Status)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("last seen = %v, want %v", got.LastSeen, seen)
	}

	// A later event overwrites; a malformed timestamp is dropped silently.
	h.tracker.HandleRemote(PresencePayload{UserID: "bob", Status: "online", LastSeen: "not-a-time"})
	got = h.tracker.Get("bob")
	if got.Status != PresenceOnline || got.LastSeen != nil {
		t.Errorf("after overwrite: %+v", got)
	}
}

// =======================================================================
// Batched queries
// =======================================================================

func TestPresence_RequestCorrelatesReply(t *testing.T) {
	h := newPresenceHarness(t)

	type result struct {
		users map[string]UserPresence
		err   error
	}
	done := make(chan result, 1)
	go func() {
		users, err := h.tracker.Request(context.Background(), []string{"bob", "carol"})
		done <- result{users, err}
	}()

	var requestID string
	waitFor(t, time.Second, func() bool {
		requestID = h.lastQueryID()
		return requestID != ""
	})

	// An unrelated reply must not resolve the pending request.
	h.tracker.HandleQueryReply(presenceStatePayload{
		RequestID: "someone-else",
		Users:     []PresencePayload{{UserID: "dave", Status: "online"}},
	})
	select {
	case r := <-done:
		t.Fatalf("foreign reply resolved the request: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	h.tracker.HandleQueryReply(presenceStatePayload{
		RequestID: requestID,
		Users: []PresencePayload{
			{UserID: "bob", Status: "online"},
			{UserID: "carol", Status: "busy"},
		},
	})

	r := <-done
	if r.err != nil {
		t.Fatalf("Request: %v", r.err)
	}
	if len(r.users) != 2 {
		t.Fatalf("got %d users, want 2", len(r.users))
	}
	if r.users["bob"].Status != PresenceOnline || r.users["carol"].Status != PresenceBusy {
		t.Errorf("unexpected result: %+v", r.users)
	}

	// The reply also refreshed the cache.
	if got := h.tracker.Get("bob"); got.Status != PresenceOnline {
		t.Errorf("cache not refreshed: %+v", got)
	}
	// The foreign reply refreshed the cache too, unsolicited.
	if got := h.tracker.Get("dave"); got.Status != PresenceOnline {
		t.Errorf("unsolicited reply not cached: %+v", got)
	}
}

func TestPresence_RequestFailsWhenQueryFails(t *testing.T) {
	h := newPresenceHarness(t)
	h.mu.Lock()
	h.queryErr = errors.New("not connected")
	h.mu.Unlock()

	_, err := h.tracker.Request(context.Background(), []string{"bob"})
	if err == nil {
		t.Fatal("expected query transmission error")
	}

	h.tracker.mu.Lock()
	pendingLeft := len(h.tracker.pending)
	h.tracker.mu.Unlock()
	if pendingLeft != 0 {
		t.Errorf("%d pending request(s) leaked after failed transmit", pendingLeft)
	}
}

func TestPresence_RequestHonorsContext(t *testing.T) {
	h := newPresenceHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.tracker.Request(ctx, []string{"bob"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	h.tracker.mu.Lock()
	pendingLeft := len(h.tracker.pending)
	h.tracker.mu.Unlock()
	if pendingLeft != 0 {
		t.Errorf("%d pending request(s) leaked after timeout", pendingLeft)
	}
}

func TestPresence_ResetFailsInFlightRequest(t *testing.T) {
	h := newPresenceHarness(t)

	type result struct {
		users map[string]UserPresence
		err   error
	}
	done := make(chan result, 1)
	go func() {
		users, err := h.tracker.Request(context.Background(), []string{"bob"})
		done <- result{users, err}
	}()

	waitFor(t, time.Second, func() bool { return h.lastQueryID() != "" })
	h.tracker.Reset()

	r := <-done
	if !errors.Is(r.err, ErrPresenceReset) {
		t.Fatalf("Request after Reset returned err=%v, want ErrPresenceReset", r.err)
	}
	if r.users != nil {
		t.Errorf("Request after Reset returned users %v; teardown must not read as all-offline", r.users)
	}
}

func TestPresence_ResetDropsCache(t *testing.T) {
	h := newPresenceHarness(t)

	h.tracker.HandleRemote(PresencePayload{UserID: "bob", Status: "online"})
	h.tracker.Reset()

	if got := h.tracker.Get("bob"); got.Status != PresenceOffline {
		t.Errorf("cache survived Reset: %+v", got)
	}
}
