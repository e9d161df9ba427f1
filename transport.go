package orbit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport Abstraction
// ============================================================================

// Transport opens bidirectional typed-event connections to the server.
// Exactly one Conn is live per Client at any time; the connection manager
// owns it exclusively.
type Transport interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is a live bidirectional connection. Read blocks until the next
// inbound envelope or an error; a read error means the connection is dead.
type Conn interface {
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, cmd Command) error
	Close(code int, reason string) error
}

// Well-known close codes, mirroring WebSocket status codes so any
// transport implementation can map them naturally.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

// ============================================================================
// WebSocket Transport
// ============================================================================

// wsTransport is the default Transport over a WebSocket endpoint. The server
// is expected to send an "authenticated" envelope as the first frame after
// the handshake.
type wsTransport struct {
	baseURL    string
	httpClient *http.Client
}

// NewWebSocketTransport returns a Transport dialing baseURL's /ws endpoint.
func NewWebSocketTransport(baseURL string, httpClient *http.Client) Transport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &wsTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (t *wsTransport) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + creds.Token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the authentication acknowledgment.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue // skip malformed frames
		}
		return env, nil
	}
}

func (c *wsConn) Write(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// closeCode extracts a transport close code from a read error, falling back
// to CloseAbnormal when the error carries none.
func closeCode(err error) int {
	if status := websocket.CloseStatus(err); status != -1 {
		return int(status)
	}
	return CloseAbnormal
}
