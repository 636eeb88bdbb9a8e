package transport

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// defaultReadLimit bounds a single inbound frame (10 MB).
const defaultReadLimit = 10 * 1024 * 1024

// WebSocketDialer opens WebSocket streams. Text and binary frames are both
// delivered as raw message data.
type WebSocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	// ReadLimit overrides the per-frame size limit.
	ReadLimit int64
}

// Dial performs the WebSocket handshake. ctx bounds the handshake only; the
// returned stream lives until Close or a transport error.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Stream, error) {
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	return NewWebSocketStream(conn), nil
}

// WebSocketStream reads frames from an established WebSocket connection.
type WebSocketStream struct {
	*pump
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebSocketStream wraps an existing connection and starts its read loop.
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketStream{
		pump:   newPump(64),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	go s.readLoop()
	return s
}

func (s *WebSocketStream) readLoop() {
	defer close(s.msgCh)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.closed() {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				err = fmt.Errorf("%w: closed by peer", ErrTransportClosed)
			}
			s.deliver(Message{Err: err})
			return
		}

		if !s.deliver(Message{Data: data}) {
			return
		}
	}
}

// Messages returns inbound frames.
func (s *WebSocketStream) Messages() <-chan Message {
	return s.msgCh
}

// Close sends a normal-closure frame and stops the read loop.
func (s *WebSocketStream) Close() error {
	if !s.stop() {
		return nil
	}
	s.conn.Close(websocket.StatusNormalClosure, "")
	s.cancel()
	return nil
}

// IsReady returns true until Close is called.
func (s *WebSocketStream) IsReady() bool {
	return !s.closed()
}
