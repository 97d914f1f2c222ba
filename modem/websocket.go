package modem

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/skylink/log"
	"github.com/pithecene-io/skylink/transfer"
)

// WebSocketConfig configures a WebSocket bearer.
type WebSocketConfig struct {
	// URL is the gateway endpoint, ws:// or wss://.
	URL string
	// Header is sent with the handshake.
	Header http.Header
	// Timeout bounds each response wait. Zero leaves only the caller's ctx.
	Timeout time.Duration
	// Text sends frames as text messages, for base64 encoded payloads.
	Text   bool
	Logger *log.Logger
}

// WebSocket exchanges one message per request over a gateway tunnel.
type WebSocket struct {
	cfg    WebSocketConfig
	logger *log.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket creates a detached WebSocket bearer.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	return &WebSocket{cfg: cfg, logger: log.OrNop(cfg.Logger)}
}

// Ready performs the handshake if not already attached.
func (w *WebSocket) Ready(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.URL, w.cfg.Header)
	if err != nil {
		return fmt.Errorf("modem: connect %s: %w", w.cfg.URL, err)
	}
	w.conn = conn
	w.logger.Info("attached", map[string]any{"bearer": "websocket", "url": w.cfg.URL})
	return nil
}

func (w *WebSocket) messageType() int {
	if w.cfg.Text {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

// Exchange sends req and reads one message unless opts.NoResponse.
// A failed read drops the connection.
func (w *WebSocket) Exchange(ctx context.Context, req []byte, opts transfer.ExchangeOptions) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil, ErrDetached
	}

	if err := w.conn.SetWriteDeadline(deadline(ctx, w.cfg.Timeout)); err != nil {
		return nil, err
	}
	if err := w.conn.WriteMessage(w.messageType(), req); err != nil {
		w.dropLocked()
		return nil, fmt.Errorf("modem: send: %w", err)
	}
	if opts.NoResponse {
		return nil, nil
	}

	if err := w.conn.SetReadDeadline(deadline(ctx, w.cfg.Timeout)); err != nil {
		return nil, err
	}
	conn := w.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			// gorilla connections are unusable after a read error.
			w.dropLocked()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("modem: receive: %w", ctx.Err())
			}
			return nil, fmt.Errorf("modem: receive: %w", err)
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *WebSocket) dropLocked() {
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
}

// Detach sends a close frame and drops the connection.
func (w *WebSocket) Detach() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detach"),
		time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	w.logger.Info("detached", map[string]any{"bearer": "websocket"})
	return err
}

// Close detaches.
func (w *WebSocket) Close() error {
	return w.Detach()
}

var _ Transport = (*WebSocket)(nil)
