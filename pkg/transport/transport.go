// Package transport provides the client-side streams that carry event
// envelopes from the backend: WebSocket, Server-Sent Events, replayed JSONL
// files and in-process channels.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// ErrTransportClosed is returned when operations are attempted on a closed stream.
var ErrTransportClosed = errors.New("transport closed")

// ErrNotReady is returned when the backend is not accepting connections.
var ErrNotReady = errors.New("transport not ready")

// ErrUnsupportedScheme is returned by Router.Dial for unknown endpoint schemes.
var ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")

// Message is one inbound frame. Exactly one of Data and Err is set.
type Message struct {
	Data []byte
	Err  error
}

// Stream is an established, receive-only connection to the event backend.
type Stream interface {
	// Messages returns the inbound frames. The channel is closed when the
	// stream ends; a final Message carrying Err precedes an abnormal end.
	Messages() <-chan Message

	// Close shuts down the stream. Safe to call multiple times.
	Close() error

	// IsReady returns true until the stream is closed.
	IsReady() bool
}

// Dialer opens streams to an endpoint. Dial must honor ctx for the whole
// handshake.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Stream, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Stream, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Stream, error) {
	return f(ctx, endpoint)
}

// Router selects a Dialer by endpoint scheme.
type Router struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewRouter returns a Router with the built-in schemes registered:
// ws and wss (WebSocket), http and https (SSE), file (JSONL replay).
func NewRouter() *Router {
	r := &Router{dialers: make(map[string]Dialer)}
	ws := &WebSocketDialer{}
	sse := &SSEDialer{}
	r.Register("ws", ws)
	r.Register("wss", ws)
	r.Register("http", sse)
	r.Register("https", sse)
	r.Register("file", FileDialer{})
	return r
}

// Register installs d for scheme, replacing any previous dialer.
func (r *Router) Register(scheme string, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[strings.ToLower(scheme)] = d
}

// Dial opens a stream using the dialer registered for the endpoint's scheme.
func (r *Router) Dial(ctx context.Context, endpoint string) (Stream, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	r.mu.RLock()
	d, ok := r.dialers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return d.Dial(ctx, endpoint)
}

// pump is the shared plumbing of every stream: a buffered message channel
// closed exactly once, and a done signal for the producer goroutine.
type pump struct {
	msgCh     chan Message
	doneCh    chan struct{}
	closeOnce sync.Once
}

func newPump(buffer int) *pump {
	if buffer <= 0 {
		buffer = 64
	}
	return &pump{
		msgCh:  make(chan Message, buffer),
		doneCh: make(chan struct{}),
	}
}

// deliver hands msg to the reader. It returns false once the stream is closed.
func (p *pump) deliver(msg Message) bool {
	select {
	case p.msgCh <- msg:
		return true
	case <-p.doneCh:
		return false
	}
}

func (p *pump) stop() bool {
	stopped := false
	p.closeOnce.Do(func() {
		close(p.doneCh)
		stopped = true
	})
	return stopped
}

func (p *pump) closed() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}
