package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newSSEServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSSEDialer_ParsesEvents(t *testing.T) {
	url := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"type\":\"heartbeat\"}\n\n")
		fmt.Fprint(w, "id: 7\ndata: {\"type\":\"task.progress\",\n")
		fmt.Fprint(w, "data: \"data\":{}}\n\n")
		flusher.Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := (&SSEDialer{}).Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	first := readMessage(t, s)
	if string(first.Data) != `{"type":"heartbeat"}` {
		t.Errorf("first = %q", first.Data)
	}
	second := readMessage(t, s)
	want := "{\"type\":\"task.progress\",\n\"data\":{}}"
	if string(second.Data) != want {
		t.Errorf("second = %q, want %q", second.Data, want)
	}
}

func TestSSEDialer_StreamEndReportsClosed(t *testing.T) {
	url := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"heartbeat\"}\n\n")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := (&SSEDialer{}).Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if msg := readMessage(t, s); msg.Err != nil {
		t.Fatalf("first message error: %v", msg.Err)
	}
	msg := readMessage(t, s)
	if !errors.Is(msg.Err, ErrTransportClosed) {
		t.Errorf("Err = %v, want ErrTransportClosed", msg.Err)
	}
}

func TestSSEDialer_RejectsBadResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "down", http.StatusBadGateway)
			},
		},
		{
			name: "content type",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, "{}")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := newSSEServer(t, tt.handler)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := (&SSEDialer{}).Dial(ctx, url); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSSEDialer_HandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	url := newSSEServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := (&SSEDialer{}).Dial(ctx, url)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("dial did not honor the handshake deadline")
	}
}
