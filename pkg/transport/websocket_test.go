package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// newWSServer starts a server that accepts one WebSocket connection and hands
// it to serve.
func newWSServer(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("websocket accept: %v", err)
			return
		}
		serve(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMessage(t *testing.T, s Stream) Message {
	t.Helper()
	select {
	case msg, ok := <-s.Messages():
		if !ok {
			t.Fatal("stream closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return Message{}
}

func TestWebSocketDialer_ReceivesFrames(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"heartbeat"}`))
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"task.started","data":{"taskID":"t1"}}`))
		conn.Read(ctx) // hold until the client closes
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := (&WebSocketDialer{}).Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if !s.IsReady() {
		t.Error("IsReady = false after dial")
	}

	first := readMessage(t, s)
	if string(first.Data) != `{"type":"heartbeat"}` {
		t.Errorf("first frame = %q", first.Data)
	}
	second := readMessage(t, s)
	if !strings.Contains(string(second.Data), "task.started") {
		t.Errorf("second frame = %q", second.Data)
	}
}

func TestWebSocketDialer_PeerCloseReportsError(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Close(websocket.StatusGoingAway, "restart")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := (&WebSocketDialer{}).Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	msg := readMessage(t, s)
	if !errors.Is(msg.Err, ErrTransportClosed) {
		t.Errorf("Err = %v, want ErrTransportClosed", msg.Err)
	}

	select {
	case _, ok := <-s.Messages():
		if ok {
			t.Error("expected channel to be closed after error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestWebSocketDialer_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := (&WebSocketDialer{}).Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err == nil {
		t.Fatal("expected dial error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error = %v, want status code", err)
	}
}

func TestWebSocketStream_CloseIdempotent(t *testing.T) {
	url := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Read(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := (&WebSocketDialer{}).Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if s.IsReady() {
		t.Error("IsReady = true after Close")
	}

	// The read loop must exit and close the channel without reporting an error.
	select {
	case msg, ok := <-s.Messages():
		if ok {
			t.Errorf("unexpected message after Close: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for read loop to exit")
	}
}
