package orbit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Notification Dispatcher
// ============================================================================

// notificationDispatcher decides whether and how an inbound event reaches
// the OS notification surface. Foreground suppression is evaluated here at
// dispatch time, so unread bookkeeping and notification delivery can
// legitimately diverge for the same message.
type notificationDispatcher struct {
	cfg      *Config
	log      *zap.Logger
	notifier Notifier

	mu      sync.Mutex
	focused bool
	active  map[string]struct{} // tags with a visible notification

	dismiss *keyedTimers // self-dismissal for typing notifications
}

func newNotificationDispatcher(cfg *Config, notifier Notifier, log *zap.Logger) *notificationDispatcher {
	return &notificationDispatcher{
		cfg:      cfg,
		log:      log,
		notifier: notifier,
		active:   make(map[string]struct{}),
		dismiss:  newKeyedTimers(),
	}
}

// SetFocused records whether the application window is foregrounded and
// focused. While focused, no OS-level notification is surfaced.
func (d *notificationDispatcher) SetFocused(focused bool) {
	d.mu.Lock()
	d.focused = focused
	d.mu.Unlock()
}

// NotifyMessage surfaces a new-message notification tagged by conversation,
// replacing any unexpired notification with the same tag.
func (d *notificationDispatcher) NotifyMessage(msg MessagePayload) {
	d.deliver(Notification{
		Title: "New message",
		Body:  msg.Content,
		Tag:   "conversation-" + msg.ConversationID,
	}, 0)
}

// NotifyTyping surfaces a silent typing notification that dismisses itself
// after the notification expiry window. Its timer is independent of the
// typing coordinator's own expiry bookkeeping.
func (d *notificationDispatcher) NotifyTyping(p TypingPayload) {
	if !p.IsTyping {
		d.Dismiss("typing-" + p.ConversationID)
		return
	}
	d.deliver(Notification{
		Title:  "Typing",
		Body:   p.UserID + " is typing…",
		Tag:    "typing-" + p.ConversationID,
		Silent: true,
	}, d.cfg.NotificationExpiry)
}

// Dismiss removes the notification carrying the tag, if one is visible.
func (d *notificationDispatcher) Dismiss(tag string) {
	d.dismiss.Cancel(tag)
	d.mu.Lock()
	_, visible := d.active[tag]
	delete(d.active, tag)
	d.mu.Unlock()
	if !visible {
		return
	}
	if err := d.notifier.Dismiss(tag); err != nil {
		d.log.Debug("notification dismiss failed", zap.String("tag", tag), zap.Error(err))
	}
}

// DismissAll clears every visible notification, e.g. on shutdown.
func (d *notificationDispatcher) DismissAll() {
	d.dismiss.CancelAll()
	d.mu.Lock()
	tags := make([]string, 0, len(d.active))
	for tag := range d.active {
		tags = append(tags, tag)
	}
	d.active = make(map[string]struct{})
	d.mu.Unlock()
	for _, tag := range tags {
		if err := d.notifier.Dismiss(tag); err != nil {
			d.log.Debug("notification dismiss failed", zap.String("tag", tag), zap.Error(err))
		}
	}
}

func (d *notificationDispatcher) deliver(n Notification, selfDismiss time.Duration) {
	d.mu.Lock()
	suppressed := d.focused
	_, replace := d.active[n.Tag]
	if !suppressed {
		d.active[n.Tag] = struct{}{}
	}
	d.mu.Unlock()

	if suppressed {
		return
	}

	// Same tag replaces rather than stacks.
	if replace {
		if err := d.notifier.Dismiss(n.Tag); err != nil {
			d.log.Debug("notification replace failed", zap.String("tag", n.Tag), zap.Error(err))
		}
	}
	if err := d.notifier.Notify(n); err != nil {
		d.log.Warn("notification delivery failed", zap.String("tag", n.Tag), zap.Error(err))
		d.mu.Lock()
		delete(d.active, n.Tag)
		d.mu.Unlock()
		return
	}

	if selfDismiss > 0 {
		tag := n.Tag
		d.dismiss.Arm(tag, selfDismiss, func() {
			d.mu.Lock()
			delete(d.active, tag)
			d.mu.Unlock()
			if err := d.notifier.Dismiss(tag); err != nil {
				d.log.Debug("notification self-dismiss failed", zap.String("tag", tag), zap.Error(err))
			}
		})
	}
}
