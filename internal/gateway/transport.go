package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket close codes used by sessions.
const (
	CloseNormal          = websocket.CloseNormalClosure
	ClosePolicyViolation = websocket.ClosePolicyViolation
	CloseInternalError   = websocket.CloseInternalServerErr
)

// Close reasons.
const (
	ReasonIdleTimeout    = "Idle timeout"
	ReasonSessionExpired = "Session expired"
	ReasonInternalError  = "Internal server error"
)

// Transport is the framed, bidirectional channel a session runs over.
// WriteJSON and Close may be called from different goroutines.
type Transport interface {
	// ReadMessage blocks until the next text frame arrives or the transport
	// is closed.
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// ErrTransportClosed is returned by writes after Close.
var ErrTransportClosed = errors.New("transport closed")

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWebSocketTransport adapts a gorilla connection. maxPayload bounds a
// single inbound frame.
func NewWebSocketTransport(conn *websocket.Conn, maxPayload int64, writeTimeout time.Duration) Transport {
	if maxPayload > 0 {
		conn.SetReadLimit(maxPayload)
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)) //nolint:errcheck
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	deadline := time.Now().Add(t.writeTimeout)
	writeErr := t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	closeErr := t.conn.Close()
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return writeErr
	}
	return closeErr
}
