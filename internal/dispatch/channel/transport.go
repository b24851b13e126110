package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shiftly/dispatch/internal/dispatch/events"
)

// ErrUnauthorized is returned by a dial the backend rejected for a bad
// credential, as opposed to a transport failure.
var ErrUnauthorized = errors.New("handshake rejected: unauthorized")

// readTimeout is the idle deadline on the event stream; the coordinator
// pings inside this window.
const readTimeout = 60 * time.Second

// Conn is one live event stream connection.
type Conn interface {
	ReadEnvelope() (events.Envelope, error)
	Close() error
}

// Transport dials the coordination endpoint. Implemented by the websocket
// transport in production and by in-memory fakes in tests.
type Transport interface {
	Dial(ctx context.Context, url string, credential string) (Conn, error)
}

// WebSocketTransport dials the coordinator over websocket, presenting the
// credential as a bearer token on the handshake.
type WebSocketTransport struct {
	dialer *websocket.Dialer
}

// NewWebSocketTransport creates a transport with default handshake settings.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// Dial opens the event stream. A 401 response maps to ErrUnauthorized so the
// reconnection manager can distinguish an auth wall from a flaky network.
func (t *WebSocketTransport) Dial(ctx context.Context, url string, credential string) (Conn, error) {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := t.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", url, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		deadline := time.Now().Add(5 * time.Second)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), deadline)
	})

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadEnvelope() (events.Envelope, error) {
	var env events.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return events.Envelope{}, err
	}
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	return env, nil
}

func (c *wsConn) Close() error {
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
