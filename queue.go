package orbit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ============================================================================
// Queue Store
// ============================================================================

// QueueStore is the durable local store backing the offline queue: a single
// flat collection keyed by action id, surviving process restarts. Appends are
// serialized by the store's own atomicity.
type QueueStore interface {
	Init() error
	Put(action QueuedAction) error
	List() ([]QueuedAction, error)
	Delete(id string) error
	Clear() error
	Close() error
}

// ── Bolt store ───────────────────────────────────────────────────────────

var queueBucket = []byte("pending_actions")

// errStoreNotOpen is returned by BoltStore methods when Init failed or was
// never called. The queue logs it and keeps the action in memory.
var errStoreNotOpen = errors.New("queue store not open")

// BoltStore persists queued actions in a bbolt database file.
type BoltStore struct {
	path string
	db   *bolt.DB
}

// NewBoltStore creates a store writing to the given file path. The file is
// opened on Init.
func NewBoltStore(path string) *BoltStore {
	return &BoltStore{path: path}
}

func (s *BoltStore) Init() error {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queueBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create queue bucket: %w", err)
	}
	s.db = db
	return nil
}

func (s *BoltStore) Put(action QueuedAction) error {
	if s.db == nil {
		return errStoreNotOpen
	}
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Put([]byte(action.ID), data)
	})
}

func (s *BoltStore) List() ([]QueuedAction, error) {
	if s.db == nil {
		return nil, errStoreNotOpen
	}
	var actions []QueuedAction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var a QueuedAction
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode action %s: %w", k, err)
			}
			actions = append(actions, a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortActions(actions)
	return actions, nil
}

func (s *BoltStore) Delete(id string) error {
	if s.db == nil {
		return errStoreNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) Clear() error {
	if s.db == nil {
		return errStoreNotOpen
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(queueBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(queueBucket)
		return err
	})
}

func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ── Memory store ─────────────────────────────────────────────────────────

// MemoryStore is a non-durable QueueStore for tests and environments without
// a writable filesystem.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]QueuedAction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{actions: make(map[string]QueuedAction)}
}

func (s *MemoryStore) Init() error { return nil }

func (s *MemoryStore) Put(action QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action.ID] = action
	return nil
}

func (s *MemoryStore) List() ([]QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]QueuedAction, 0, len(s.actions))
	for _, a := range s.actions {
		actions = append(actions, a)
	}
	sortActions(actions)
	return actions, nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, id)
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = make(map[string]QueuedAction)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// sortActions orders FIFO by enqueue time, with id as a tiebreaker so replay
// order is stable for actions enqueued in the same instant.
func sortActions(actions []QueuedAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].EnqueuedAt.Equal(actions[j].EnqueuedAt) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].EnqueuedAt.Before(actions[j].EnqueuedAt)
	})
}

// ============================================================================
// Action Sender
// ============================================================================

// ActionSender resolves a queued action by performing its network call.
// A nil return acknowledges the action and removes it from the queue.
type ActionSender interface {
	Do(ctx context.Context, action QueuedAction) error
}

// httpSender issues queued actions as HTTP requests against the API base URL.
// Any 2xx status acknowledges the action.
type httpSender struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
}

func (s *httpSender) Do(ctx context.Context, action QueuedAction) error {
	var body io.Reader
	if len(action.Payload) > 0 {
		body = bytes.NewReader(action.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, action.Method, s.baseURL+action.Endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if len(action.Payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := s.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range action.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// Offline Queue
// ============================================================================

// OfflineQueue durably persists pending outbound actions and replays them in
// FIFO order on demand. An in-memory mirror of the store is kept so that
// store failures degrade a call to in-memory-only behavior instead of losing
// the action for this process.
type OfflineQueue struct {
	store  QueueStore
	sender ActionSender
	log    *zap.Logger

	mu       sync.Mutex
	pending  map[string]QueuedAction
	draining bool
}

func newOfflineQueue(store QueueStore, sender ActionSender, log *zap.Logger) *OfflineQueue {
	return &OfflineQueue{
		store:   store,
		sender:  sender,
		log:     log,
		pending: make(map[string]QueuedAction),
	}
}

// Init opens the store and loads surviving actions from previous runs.
func (q *OfflineQueue) Init() error {
	if err := q.store.Init(); err != nil {
		q.log.Error("queue store unavailable, running in-memory only", zap.Error(err))
		return nil
	}
	actions, err := q.store.List()
	if err != nil {
		q.log.Error("queue store read failed", zap.Error(err))
		return nil
	}
	q.mu.Lock()
	for _, a := range actions {
		q.pending[a.ID] = a
	}
	q.mu.Unlock()
	return nil
}

// Enqueue persists an action for later replay. A missing id or enqueue time
// is filled in. The action is held in memory even if the durable write
// fails; such failures are logged, never surfaced.
func (q *OfflineQueue) Enqueue(action QueuedAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.EnqueuedAt.IsZero() {
		action.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	q.pending[action.ID] = action
	q.mu.Unlock()

	metricActionsEnqueued.Inc()
	if err := q.store.Put(action); err != nil {
		q.log.Error("queue persist failed, action held in memory only",
			zap.String("action", action.ID), zap.Error(err))
	}
	return nil
}

// List returns pending actions ordered FIFO by enqueue time.
func (q *OfflineQueue) List() []QueuedAction {
	q.mu.Lock()
	actions := make([]QueuedAction, 0, len(q.pending))
	for _, a := range q.pending {
		actions = append(actions, a)
	}
	q.mu.Unlock()
	sortActions(actions)
	return actions
}

// Len returns the number of pending actions.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Remove deletes one action by id.
func (q *OfflineQueue) Remove(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
	if err := q.store.Delete(id); err != nil {
		q.log.Error("queue delete failed", zap.String("action", id), zap.Error(err))
	}
}

// Clear drops every pending action.
func (q *OfflineQueue) Clear() {
	q.mu.Lock()
	q.pending = make(map[string]QueuedAction)
	q.mu.Unlock()
	if err := q.store.Clear(); err != nil {
		q.log.Error("queue clear failed", zap.Error(err))
	}
}

// Drain replays pending actions strictly in FIFO order. An action is removed
// only when its network call succeeds; failures are logged and the entry is
// left in place for the next invocation, which retries it. One stuck action
// never blocks the rest of this pass.
func (q *OfflineQueue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for _, action := range q.List() {
		if ctx.Err() != nil {
			return
		}
		if err := q.sender.Do(ctx, action); err != nil {
			metricActionsFailed.Inc()
			q.log.Warn("queued action failed, will retry on next drain",
				zap.String("action", action.ID),
				zap.String("endpoint", action.Endpoint),
				zap.Error(err))
			continue
		}
		metricActionsReplayed.Inc()
		q.Remove(action.ID)
	}
}

// Close releases the durable store.
func (q *OfflineQueue) Close() error {
	return q.store.Close()
}
