package orbit

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Typing Coordinator
// ============================================================================

// typingCoordinator throttles local typing broadcasts and expires remote
// typing indicators. All state is ephemeral: an entry whose key saw no update
// within the expiry window is removed without any server confirmation.
type typingCoordinator struct {
	cfg *Config
	log *zap.Logger

	// send transmits a typing start/stop signal on the live connection.
	send func(ctx context.Context, conversationID string, isTyping bool) error

	mu        sync.Mutex
	localUser string
	lastStart map[string]time.Time // conversationID -> last transmitted start
	remote    map[string]remoteTyping

	autoStop *keyedTimers // per-conversation automatic stop for the local user
	expiry   *keyedTimers // per-(conversation,user) expiry of remote entries
}

type remoteTyping struct {
	conversationID string
	userID         string
	lastUpdate     time.Time
}

func newTypingCoordinator(cfg *Config, log *zap.Logger, send func(ctx context.Context, conversationID string, isTyping bool) error) *typingCoordinator {
	return &typingCoordinator{
		cfg:       cfg,
		log:       log,
		send:      send,
		lastStart: make(map[string]time.Time),
		remote:    make(map[string]remoteTyping),
		autoStop:  newKeyedTimers(),
		expiry:    newKeyedTimers(),
	}
}

func (t *typingCoordinator) setLocalUser(userID string) {
	t.mu.Lock()
	t.localUser = userID
	t.mu.Unlock()
}

func typingKey(conversationID, userID string) string {
	return conversationID + "\x00" + userID
}

// SendIndicator broadcasts the local user's typing state for a conversation.
// A start signal is suppressed if one was transmitted for the same
// conversation within the throttle window; a stop signal always goes out
// immediately. While typing continues, an automatic stop fires after the
// expiry window with no further keystrokes.
func (t *typingCoordinator) SendIndicator(ctx context.Context, conversationID string, isTyping bool) error {
	if !isTyping {
		t.mu.Lock()
		delete(t.lastStart, conversationID)
		t.mu.Unlock()
		t.autoStop.Cancel(conversationID)
		return t.send(ctx, conversationID, false)
	}

	// Every keystroke pushes the automatic stop out, transmitted or not.
	t.autoStop.Arm(conversationID, t.cfg.TypingExpiry, func() {
		t.mu.Lock()
		delete(t.lastStart, conversationID)
		t.mu.Unlock()
		if err := t.send(context.Background(), conversationID, false); err != nil {
			t.log.Debug("auto-stop typing send failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	})

	t.mu.Lock()
	last, seen := t.lastStart[conversationID]
	throttled := seen && time.Since(last) < t.cfg.TypingThrottle
	if !throttled {
		t.lastStart[conversationID] = time.Now()
	}
	t.mu.Unlock()

	if throttled {
		return nil
	}
	return t.send(ctx, conversationID, true)
}

// HandleRemote applies an inbound typing event. typing=true sets or
// refreshes the entry and re-arms its expiry timer; typing=false or the
// timer firing removes it. Events about the local user are ignored.
func (t *typingCoordinator) HandleRemote(p TypingPayload) {
	t.mu.Lock()
	if p.UserID == t.localUser {
		t.mu.Unlock()
		return
	}
	key := typingKey(p.ConversationID, p.UserID)
	if p.IsTyping {
		t.remote[key] = remoteTyping{
			conversationID: p.ConversationID,
			userID:         p.UserID,
			lastUpdate:     time.Now(),
		}
	} else {
		delete(t.remote, key)
	}
	t.mu.Unlock()

	if p.IsTyping {
		t.expiry.Arm(key, t.cfg.TypingExpiry, func() {
			t.mu.Lock()
			delete(t.remote, key)
			t.mu.Unlock()
		})
	} else {
		t.expiry.Cancel(key)
	}
}

// TypingUsers returns the users currently typing in a conversation,
// excluding the local user, in stable order.
func (t *typingCoordinator) TypingUsers(conversationID string) []string {
	t.mu.Lock()
	var users []string
	for _, entry := range t.remote {
		if entry.conversationID == conversationID {
			users = append(users, entry.userID)
		}
	}
	t.mu.Unlock()
	sort.Strings(users)
	return users
}

// Reset drops all state and cancels every timer.
func (t *typingCoordinator) Reset() {
	t.autoStop.CancelAll()
	t.expiry.CancelAll()
	t.mu.Lock()
	t.lastStart = make(map[string]time.Time)
	t.remote = make(map[string]remoteTyping)
	t.mu.Unlock()
}
