package orbit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState is the connection manager's lifecycle state. It is owned
// exclusively by the connection manager; everything else only reads it.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ErrNotConnected is returned by live sends issued while the transport is down.
var ErrNotConnected = errors.New("not connected")

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks the reconnect budget: delay for attempt n is
// baseDelay x 2^(n-1), capped at maxDelay, with at most maxAttempts tries.
// The attempt counter resets to zero on every successful open and is never
// persisted across process restarts.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempts    int
}

func (r *reconnector) shouldRetry() bool {
	return r.maxAttempts == 0 || r.attempts < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempts++
	delay := r.baseDelay
	for i := 1; i < r.attempts; i++ {
		delay *= 2
		if r.maxDelay > 0 && delay >= r.maxDelay {
			return r.maxDelay
		}
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempts = 0
}

// ============================================================================
// Connection Manager
// ============================================================================

// connManager owns the single live transport connection, the state machine,
// heartbeat, and the reconnection policy. Inbound envelopes are handed to
// onEvent in the order the transport delivers them.
type connManager struct {
	cfg       *Config
	log       *zap.Logger
	transport Transport

	mu               sync.Mutex
	state            ConnectionState
	conn             Conn
	creds            Credentials
	intentionalClose bool
	cancelFn         context.CancelFunc
	reconnectTimer   *time.Timer
	recon            reconnector

	pendingMu    sync.Mutex
	pingSeq      int
	pendingPings map[string]chan PongPayload

	// Facade hooks. onConnect fires on every transition into Connected,
	// onDisconnect on every transition into Disconnected with the close
	// reason, onError for background failures only.
	onConnect    func()
	onDisconnect func(info DisconnectInfo)
	onError      func(err error)
	onEvent      func(env Envelope)
}

func newConnManager(cfg *Config, transport Transport, log *zap.Logger) *connManager {
	return &connManager{
		cfg:       cfg,
		log:       log,
		transport: transport,
		state:     StateDisconnected,
		recon: reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
		pendingPings: make(map[string]chan PongPayload),
	}
}

// State returns the current connection state.
func (m *connManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ReconnectAttempts returns the number of reconnect attempts consumed since
// the last successful open.
func (m *connManager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recon.attempts
}

// Connect dials the transport and transitions to Connected. An empty user id
// or credential is rejected synchronously without any network action and
// without consuming a reconnect attempt. A Disconnect issued while the dial
// is in flight wins: the fresh connection is discarded and the machine stays
// at Disconnected.
func (m *connManager) Connect(ctx context.Context, creds Credentials) error {
	if creds.Token == "" {
		return &APIError{Code: "INVALID_INPUT", Message: "credential is required"}
	}
	if creds.UserID == "" {
		return &APIError{Code: "INVALID_INPUT", Message: "user id is required"}
	}

	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.intentionalClose = false
	m.creds = creds
	m.mu.Unlock()

	conn, err := m.transport.Dial(ctx, creds)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.intentionalClose {
		// Disconnect won the race while the dial was in flight; the machine
		// stays at Disconnected and the fresh conn is not adopted.
		m.state = StateDisconnected
		m.mu.Unlock()
		cancel()
		conn.Close(CloseNormal, "client disconnect")
		return nil
	}
	m.conn = conn
	m.state = StateConnected
	m.recon.reset()
	m.cancelFn = cancel
	m.mu.Unlock()

	go m.readLoop(connCtx, conn)
	go m.heartbeatLoop(connCtx, conn)

	if m.onConnect != nil {
		m.onConnect()
	}
	return nil
}

// Disconnect closes the connection cleanly. No reconnect is scheduled and
// any pending scheduled reconnect attempt is cancelled.
func (m *connManager) Disconnect() error {
	m.mu.Lock()
	m.intentionalClose = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.recon.reset()
	m.mu.Unlock()

	m.clearPendingPings()

	var err error
	if conn != nil {
		err = conn.Close(CloseNormal, "client disconnect")
	}
	if m.onDisconnect != nil {
		m.onDisconnect(DisconnectInfo{Code: CloseNormal, Reason: "client disconnect"})
	}
	return err
}

// Send transmits a command on the live connection.
func (m *connManager) Send(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, cmd)
}

func (m *connManager) readLoop(ctx context.Context, conn Conn) {
	for {
		env, err := conn.Read(ctx)
		if err != nil {
			m.handleReadError(err)
			return
		}

		if env.Type == "pong" {
			m.resolvePong(env)
			continue
		}
		if m.onEvent != nil {
			m.onEvent(env)
		}
	}
}

func (m *connManager) handleReadError(err error) {
	m.mu.Lock()
	if m.intentionalClose {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.conn = nil
	if m.cancelFn != nil {
		m.cancelFn()
		m.cancelFn = nil
	}
	m.mu.Unlock()

	m.clearPendingPings()

	info := DisconnectInfo{Code: closeCode(err), Reason: err.Error()}
	m.log.Warn("connection lost", zap.Int("code", info.Code), zap.String("reason", info.Reason))
	if m.onDisconnect != nil {
		m.onDisconnect(info)
	}

	if m.cfg.AutoReconnect && m.recon.shouldRetry() {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms a cancellable timer for the next reconnect attempt.
func (m *connManager) scheduleReconnect() {
	m.mu.Lock()
	if m.intentionalClose {
		m.mu.Unlock()
		return
	}
	delay := m.recon.nextDelay()
	attempt := m.recon.attempts
	m.reconnectTimer = time.AfterFunc(delay, m.attemptReconnect)
	m.mu.Unlock()

	metricReconnectsScheduled.Inc()
	m.log.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

func (m *connManager) attemptReconnect() {
	m.mu.Lock()
	if m.intentionalClose {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	creds := m.creds
	m.mu.Unlock()

	if err := m.Connect(context.Background(), creds); err != nil {
		if m.onError != nil {
			m.onError(err)
		}
		m.mu.Lock()
		retry := m.cfg.AutoReconnect && m.recon.shouldRetry()
		m.mu.Unlock()
		if retry {
			m.scheduleReconnect()
		} else {
			m.log.Warn("reconnect budget exhausted", zap.Int("attempts", m.ReconnectAttempts()))
		}
	}
}

// ============================================================================
// Heartbeat
// ============================================================================

func (m *connManager) heartbeatLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.State() != StateConnected {
				return
			}
			if _, err := m.ping(ctx); err != nil {
				// Silent failure: force-close so the read loop observes it.
				m.log.Warn("heartbeat failed", zap.Error(err))
				conn.Close(CloseGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ping sends an application-level ping and waits for the matching pong.
func (m *connManager) ping(ctx context.Context) (*PongPayload, error) {
	m.pendingMu.Lock()
	m.pingSeq++
	requestID := fmt.Sprintf("ping-%d", m.pingSeq)
	ch := make(chan PongPayload, 1)
	m.pendingPings[requestID] = ch
	m.pendingMu.Unlock()

	err := m.Send(ctx, Command{
		Type:      "ping",
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		m.dropPending(requestID)
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(m.cfg.PingTimeout):
		m.dropPending(requestID)
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		m.dropPending(requestID)
		return nil, ctx.Err()
	}
}

func (m *connManager) resolvePong(env Envelope) {
	var p PongPayload
	if unmarshalPayload(env.Payload, &p) != nil || p.RequestID == "" {
		return
	}
	m.pendingMu.Lock()
	ch, ok := m.pendingPings[p.RequestID]
	if ok {
		delete(m.pendingPings, p.RequestID)
	}
	m.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (m *connManager) dropPending(requestID string) {
	m.pendingMu.Lock()
	delete(m.pendingPings, requestID)
	m.pendingMu.Unlock()
}

func (m *connManager) clearPendingPings() {
	m.pendingMu.Lock()
	for k, ch := range m.pendingPings {
		close(ch)
		delete(m.pendingPings, k)
	}
	m.pendingMu.Unlock()
}
