package orbit

import "sync"

// ============================================================================
// Unread Ledger
// ============================================================================

// unreadLedger maintains per-conversation unread counts from inbound message
// events. A message increments its conversation's counter when its sender is
// not the local user and its conversation is not the one currently open.
// The increment decision is made per message, independent of whether a
// notification is surfaced for it.
type unreadLedger struct {
	mu        sync.Mutex
	localUser string
	active    string // currently open conversation, "" when none
	counts    map[string]int
}

func newUnreadLedger() *unreadLedger {
	return &unreadLedger{counts: make(map[string]int)}
}

func (u *unreadLedger) setLocalUser(userID string) {
	u.mu.Lock()
	u.localUser = userID
	u.mu.Unlock()
}

// SetActive records the conversation currently open in the UI; pass "" when
// no conversation is open.
func (u *unreadLedger) SetActive(conversationID string) {
	u.mu.Lock()
	u.active = conversationID
	u.mu.Unlock()
}

func (u *unreadLedger) Active() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// HandleInbound evaluates the increment rule for one inbound message and
// reports whether a counter changed.
func (u *unreadLedger) HandleInbound(msg MessagePayload) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if msg.SenderID == u.localUser {
		return false
	}
	if u.active != "" && u.active == msg.ConversationID {
		return false
	}
	u.counts[msg.ConversationID]++
	return true
}

// Count returns the unread count for a conversation, zero when unknown.
func (u *unreadLedger) Count(conversationID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[conversationID]
}

// MarkRead decrements a conversation's counter by n, floored at zero.
func (u *unreadLedger) MarkRead(conversationID string, n int) {
	if n <= 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	remaining := u.counts[conversationID] - n
	if remaining <= 0 {
		delete(u.counts, conversationID)
		return
	}
	u.counts[conversationID] = remaining
}

// Totals returns a copy of all non-zero counters.
func (u *unreadLedger) Totals() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string]int, len(u.counts))
	for k, v := range u.counts {
		out[k] = v
	}
	return out
}
