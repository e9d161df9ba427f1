package orbit

import (
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Event Kinds
// ============================================================================

// EventKind identifies a stream of events a caller can subscribe to.
type EventKind string

const (
	EventMessage     EventKind = "message"
	EventTyping      EventKind = "typing"
	EventPresence    EventKind = "presence"
	EventReadReceipt EventKind = "read_receipt"
	EventConnect     EventKind = "connect"
	EventDisconnect  EventKind = "disconnect"
	EventError       EventKind = "error"
)

// Subscription is an opaque handle identifying one registered handler.
// Pass it to Client.Unsubscribe to stop delivery.
type Subscription struct {
	kind EventKind
	id   uint64
}

// ============================================================================
// Observer Registry
// ============================================================================

// registry is a typed observer registry: a map from event kind to an ordered
// list of subscriber handles. Delivery is synchronous and in registration
// order; a panic in one handler is recovered and logged without aborting
// delivery to the remaining handlers.
type registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventKind][]handlerEntry
	log      *zap.Logger
}

type handlerEntry struct {
	id uint64
	fn func(payload any)
}

func newRegistry(log *zap.Logger) *registry {
	return &registry{
		handlers: make(map[EventKind][]handlerEntry),
		log:      log,
	}
}

func (r *registry) subscribe(kind EventKind, fn func(payload any)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.handlers[kind] = append(r.handlers[kind], handlerEntry{id: r.nextID, fn: fn})
	return Subscription{kind: kind, id: r.nextID}
}

func (r *registry) unsubscribe(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.handlers[sub.kind]
	for i, e := range entries {
		if e.id == sub.id {
			r.handlers[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (r *registry) emit(kind EventKind, payload any) {
	r.mu.RLock()
	entries := append([]handlerEntry(nil), r.handlers[kind]...)
	r.mu.RUnlock()

	for _, e := range entries {
		r.safeCall(kind, e, payload)
	}
}

func (r *registry) safeCall(kind EventKind, e handlerEntry, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("event handler panicked",
				zap.String("event", string(kind)),
				zap.Uint64("handler", e.id),
				zap.Any("panic", rec))
		}
	}()
	e.fn(payload)
}

func (r *registry) removeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[EventKind][]handlerEntry)
}
