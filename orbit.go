// Package orbit is the realtime presence and messaging synchronization core
// of the Orbit chat client. It keeps a live bidirectional connection to the
// message server, keeps per-conversation typing and presence state consistent
// across intermittent connectivity, durably queues actions issued while
// offline, and reconciles unread bookkeeping and notification delivery.
//
// The Client is the single integration point for application code:
//
//	client, _ := orbit.New(&orbit.Config{BaseURL: "https://chat.example.com"},
//		orbit.WithStore(orbit.NewBoltStore(path)))
//	defer client.Close()
//
//	sub := client.OnMessage(func(msg orbit.MessagePayload) { ... })
//	defer client.Unsubscribe(sub)
//
//	if err := client.Connect(ctx, userID, token); err != nil { ... }
//	client.SendMessage(ctx, conversationID, "hello")
package orbit

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// Defaults for Config fields left zero.
const (
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultPingTimeout          = 10 * time.Second
	DefaultTypingThrottle       = 1 * time.Second
	DefaultTypingExpiry         = 3 * time.Second
	DefaultNotificationExpiry   = 3 * time.Second
)

// Config configures a Client.
type Config struct {
	// BaseURL of the message server, e.g. "https://chat.example.com".
	// Used by the default transport and the default action sender.
	BaseURL string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration

	TypingThrottle     time.Duration
	TypingExpiry       time.Duration
	NotificationExpiry time.Duration

	HTTPClient *http.Client
}

func (c *Config) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = DefaultTypingThrottle
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = DefaultTypingExpiry
	}
	if c.NotificationExpiry == 0 {
		c.NotificationExpiry = DefaultNotificationExpiry
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ============================================================================
// Client
// ============================================================================

// Client is the sync facade: it composes the connection manager, offline
// queue, presence tracker, typing coordinator, unread ledger, and
// notification dispatcher, and is the only type application code talks to.
// Construct one per process with New.
type Client struct {
	cfg *Config
	log *zap.Logger

	credsMu sync.RWMutex
	creds   Credentials

	events *registry
	conn   *connManager
	queue  *OfflineQueue

	presence *presenceTracker
	typing   *typingCoordinator
	unread   *unreadLedger
	notify   *notificationDispatcher
}

// Option customizes a Client at construction time.
type Option func(*clientDeps)

type clientDeps struct {
	log       *zap.Logger
	store     QueueStore
	sender    ActionSender
	transport Transport
	notifier  Notifier
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *clientDeps) { d.log = log }
}

// WithStore sets the durable store backing the offline queue. Defaults to a
// non-durable in-memory store.
func WithStore(store QueueStore) Option {
	return func(d *clientDeps) { d.store = store }
}

// WithSender overrides how queued actions are resolved during drain.
func WithSender(sender ActionSender) Option {
	return func(d *clientDeps) { d.sender = sender }
}

// WithTransport overrides the transport. Defaults to the WebSocket transport
// against Config.BaseURL.
func WithTransport(t Transport) Option {
	return func(d *clientDeps) { d.transport = t }
}

// WithNotifier sets the OS notification surface. Without one, notification
// dispatch is disabled.
func WithNotifier(n Notifier) Option {
	return func(d *clientDeps) { d.notifier = n }
}

// New creates a Client. The returned client owns no connection until
// Connect is called.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = &Config{AutoReconnect: true}
	}
	cfg.defaults()

	var deps clientDeps
	for _, opt := range opts {
		opt(&deps)
	}
	if deps.log == nil {
		deps.log = zap.NewNop()
	}
	if deps.store == nil {
		deps.store = NewMemoryStore()
	}
	if deps.transport == nil {
		deps.transport = NewWebSocketTransport(cfg.BaseURL, cfg.HTTPClient)
	}

	c := &Client{
		cfg:    cfg,
		log:    deps.log,
		events: newRegistry(deps.log),
		unread: newUnreadLedger(),
	}

	if deps.sender == nil {
		deps.sender = &httpSender{
			baseURL:    cfg.BaseURL,
			token:      c.token,
			httpClient: cfg.HTTPClient,
		}
	}
	c.queue = newOfflineQueue(deps.store, deps.sender, deps.log)
	if err := c.queue.Init(); err != nil {
		return nil, err
	}

	c.conn = newConnManager(cfg, deps.transport, deps.log)
	c.conn.onConnect = c.handleConnected
	c.conn.onDisconnect = c.handleDisconnected
	c.conn.onError = func(err error) { c.events.emit(EventError, err) }
	c.conn.onEvent = c.handleEnvelope

	c.typing = newTypingCoordinator(cfg, deps.log, c.sendTypingSignal)
	c.presence = newPresenceTracker(c.sendPresence, c.sendPresenceQuery)

	if deps.notifier != nil {
		c.notify = newNotificationDispatcher(cfg, deps.notifier, deps.log)
	}

	return c, nil
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// Connect authenticates and opens the live connection. An empty userID or
// credential fails synchronously with an input-validation error and performs
// no network action.
func (c *Client) Connect(ctx context.Context, userID, credential string) error {
	creds := Credentials{UserID: userID, Token: credential}
	c.credsMu.Lock()
	c.creds = creds
	c.credsMu.Unlock()
	c.typing.setLocalUser(userID)
	c.unread.setLocalUser(userID)

	if err := c.conn.Connect(ctx, creds); err != nil {
		c.events.emit(EventError, err)
		return err
	}
	return nil
}

// Disconnect closes the connection cleanly and cancels any scheduled
// reconnect. The client can Connect again afterwards.
func (c *Client) Disconnect() error {
	return c.conn.Disconnect()
}

// Close tears the client down: best-effort Offline presence, clean
// disconnect, timer cancellation, and store release.
func (c *Client) Close() error {
	// Fire-and-forget; delivery is not guaranteed during teardown, and a
	// queued Offline update replayed after the next connect would be stale.
	if c.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.presence.Update(ctx, PresenceOffline); err != nil {
			c.log.Debug("teardown presence update not delivered", zap.Error(err))
		}
	}

	err := c.conn.Disconnect()
	c.typing.Reset()
	c.presence.Reset()
	if c.notify != nil {
		c.notify.DismissAll()
	}
	c.events.removeAll()
	if cerr := c.queue.Close(); err == nil {
		err = cerr
	}
	return err
}

// IsConnected reports whether the live connection is up.
func (c *Client) IsConnected() bool {
	return c.conn.State() == StateConnected
}

// State returns the connection state for UI indicators.
func (c *Client) State() ConnectionState {
	return c.conn.State()
}

// ReconnectAttempts returns the reconnect attempts consumed since the last
// successful open, for UI indicators.
func (c *Client) ReconnectAttempts() int {
	return c.conn.ReconnectAttempts()
}

func (c *Client) handleConnected() {
	c.events.emit(EventConnect, struct{}{})
	// Replay actions queued while offline. Sequential; ordering preserved.
	go c.queue.Drain(context.Background())
}

func (c *Client) handleDisconnected(info DisconnectInfo) {
	c.events.emit(EventDisconnect, info)
}

// ============================================================================
// Outbound operations
// ============================================================================

// SendMessage delivers a message to a conversation. When the connection is
// down (or the live send fails) the message is persisted in the offline
// queue and replayed on reconnect; it is never silently dropped.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) error {
	if c.IsConnected() {
		err := c.conn.Send(ctx, Command{
			Type: "message.send",
			Payload: map[string]string{
				"conversationId": conversationID,
				"content":        content,
				"type":           "text",
			},
		})
		if err == nil {
			return nil
		}
		c.log.Warn("live send failed, queueing message", zap.Error(err))
	}
	return c.enqueueAction("POST", "/api/conversations/"+conversationID+"/messages",
		map[string]string{"content": content, "type": "text"})
}

// SendTypingIndicator broadcasts the local user's typing state. Typing
// signals are ephemeral and never queued for offline replay.
func (c *Client) SendTypingIndicator(ctx context.Context, conversationID string, isTyping bool) error {
	return c.typing.SendIndicator(ctx, conversationID, isTyping)
}

// UpdatePresence sets and broadcasts the local user's status, queueing the
// update when offline.
func (c *Client) UpdatePresence(ctx context.Context, status PresenceStatus) error {
	return c.presence.Update(ctx, status)
}

// MarkMessagesAsRead decrements the conversation's unread counter by count
// (floored at zero) and informs the server, queueing when offline.
func (c *Client) MarkMessagesAsRead(ctx context.Context, conversationID string, count int) error {
	c.unread.MarkRead(conversationID, count)

	if c.IsConnected() {
		err := c.conn.Send(ctx, Command{
			Type: "conversation.read",
			Payload: map[string]any{
				"conversationId": conversationID,
				"count":          count,
			},
		})
		if err == nil {
			return nil
		}
	}
	return c.enqueueAction("POST", "/api/conversations/"+conversationID+"/read",
		map[string]int{"count": count})
}

// RequestPresence issues a batched presence query for specific users and
// waits for the reply event. Requires a live connection.
func (c *Client) RequestPresence(ctx context.Context, userIDs []string) (map[string]UserPresence, error) {
	return c.presence.Request(ctx, userIDs)
}

func (c *Client) localUser() string {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds.UserID
}

func (c *Client) token() string {
	c.credsMu.RLock()
	defer c.credsMu.RUnlock()
	return c.creds.Token
}

func (c *Client) enqueueAction(method, endpoint string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.queue.Enqueue(QueuedAction{
		Method:   method,
		Endpoint: endpoint,
		Payload:  data,
	})
}

// sendTypingSignal is the typing coordinator's transmit hook.
func (c *Client) sendTypingSignal(ctx context.Context, conversationID string, isTyping bool) error {
	cmdType := "typing.start"
	if !isTyping {
		cmdType = "typing.stop"
	}
	err := c.conn.Send(ctx, Command{
		Type:    cmdType,
		Payload: map[string]string{"conversationId": conversationID},
	})
	if err == ErrNotConnected {
		// Stale typing state is worse than none; drop instead of queueing.
		return nil
	}
	return err
}

// sendPresence is the presence tracker's transmit hook.
func (c *Client) sendPresence(ctx context.Context, status PresenceStatus) error {
	if c.IsConnected() {
		err := c.conn.Send(ctx, Command{
			Type:    "presence.update",
			Payload: map[string]string{"status": string(status)},
		})
		if err == nil {
			return nil
		}
	}
	return c.enqueueAction("POST", "/api/presence", map[string]string{"status": string(status)})
}

func (c *Client) sendPresenceQuery(ctx context.Context, requestID string, userIDs []string) error {
	return c.conn.Send(ctx, Command{
		Type:      "presence.query",
		Payload:   map[string]any{"userIds": userIDs, "requestId": requestID},
		RequestID: requestID,
	})
}

// ============================================================================
// State queries and UI hooks
// ============================================================================

// GetTypingUsers returns who is typing in a conversation, local user excluded.
func (c *Client) GetTypingUsers(conversationID string) []string {
	return c.typing.TypingUsers(conversationID)
}

// GetUserPresence returns a user's cached presence, Offline when unknown.
func (c *Client) GetUserPresence(userID string) UserPresence {
	return c.presence.Get(userID)
}

// GetUnreadCount returns the unread counter for a conversation.
func (c *Client) GetUnreadCount(conversationID string) int {
	return c.unread.Count(conversationID)
}

// PendingActions returns the offline queue contents, FIFO.
func (c *Client) PendingActions() []QueuedAction {
	return c.queue.List()
}

// ClearPendingActions drops every queued action without replaying it.
func (c *Client) ClearPendingActions() {
	c.queue.Clear()
}

// SetActiveConversation records the conversation currently open in the UI so
// the unread ledger can skip it; pass "" when none is open.
func (c *Client) SetActiveConversation(conversationID string) {
	c.unread.SetActive(conversationID)
}

// SetVisibility drives the automatic presence transitions: hidden means
// Away, visible means Online. Goes through UpdatePresence like any explicit
// call.
func (c *Client) SetVisibility(ctx context.Context, visible bool) error {
	status := PresenceAway
	if visible {
		status = PresenceOnline
	}
	return c.presence.Update(ctx, status)
}

// SetFocused records window focus for notification suppression.
func (c *Client) SetFocused(focused bool) {
	if c.notify != nil {
		c.notify.SetFocused(focused)
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

// OnMessage subscribes to inbound messages.
func (c *Client) OnMessage(fn func(MessagePayload)) Subscription {
	return c.events.subscribe(EventMessage, func(v any) { fn(v.(MessagePayload)) })
}

// OnTyping subscribes to typing indicator changes.
func (c *Client) OnTyping(fn func(TypingPayload)) Subscription {
	return c.events.subscribe(EventTyping, func(v any) { fn(v.(TypingPayload)) })
}

// OnPresence subscribes to presence changes.
func (c *Client) OnPresence(fn func(PresencePayload)) Subscription {
	return c.events.subscribe(EventPresence, func(v any) { fn(v.(PresencePayload)) })
}

// OnReadReceipt subscribes to remote read receipts. Receipts do not mutate
// the unread ledger; marking read is a local user action.
func (c *Client) OnReadReceipt(fn func(ReadReceiptPayload)) Subscription {
	return c.events.subscribe(EventReadReceipt, func(v any) { fn(v.(ReadReceiptPayload)) })
}

// OnConnect subscribes to transitions into Connected.
func (c *Client) OnConnect(fn func()) Subscription {
	return c.events.subscribe(EventConnect, func(any) { fn() })
}

// OnDisconnect subscribes to transitions into Disconnected.
func (c *Client) OnDisconnect(fn func(DisconnectInfo)) Subscription {
	return c.events.subscribe(EventDisconnect, func(v any) { fn(v.(DisconnectInfo)) })
}

// OnError subscribes to background errors (reconnects, heartbeat, drain).
func (c *Client) OnError(fn func(error)) Subscription {
	return c.events.subscribe(EventError, func(v any) { fn(v.(error)) })
}

// Unsubscribe stops delivery to the handler identified by sub.
func (c *Client) Unsubscribe(sub Subscription) {
	c.events.unsubscribe(sub)
}

// ============================================================================
// Inbound demultiplexing
// ============================================================================

// handleEnvelope routes one inbound event in transport delivery order.
func (c *Client) handleEnvelope(env Envelope) {
	metricEventsReceived.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case "message.new":
		var msg MessagePayload
		if err := unmarshalPayload(env.Payload, &msg); err != nil {
			c.log.Warn("bad message payload", zap.Error(err))
			return
		}
		c.unread.HandleInbound(msg)
		if c.notify != nil && msg.SenderID != c.localUser() {
			c.notify.NotifyMessage(msg)
		}
		c.events.emit(EventMessage, msg)

	case "typing.indicator":
		var p TypingPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			c.log.Warn("bad typing payload", zap.Error(err))
			return
		}
		c.typing.HandleRemote(p)
		if c.notify != nil && p.UserID != c.localUser() {
			c.notify.NotifyTyping(p)
		}
		c.events.emit(EventTyping, p)

	case "presence.changed":
		var p PresencePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			c.log.Warn("bad presence payload", zap.Error(err))
			return
		}
		c.presence.HandleRemote(p)
		c.events.emit(EventPresence, p)

	case "presence.state":
		var p presenceStatePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			c.log.Warn("bad presence state payload", zap.Error(err))
			return
		}
		c.presence.HandleQueryReply(p)

	case "receipt.read":
		var p ReadReceiptPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			c.log.Warn("bad read receipt payload", zap.Error(err))
			return
		}
		c.events.emit(EventReadReceipt, p)

	case "error":
		var p ServerErrorPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return
		}
		c.events.emit(EventError, &APIError{Code: "SERVER_ERROR", Message: p.Message})

	default:
		c.log.Debug("unhandled event", zap.String("type", env.Type))
	}
}
