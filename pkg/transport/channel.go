package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Pipe is an in-process stream. The producer side pushes frames with Send
// and ends the stream with Fail or Close; the consumer side reads Messages.
type Pipe struct {
	*pump
	sendMu sync.Mutex
	ended  bool
}

// NewPipe creates a Pipe whose message channel holds bufferSize frames.
func NewPipe(bufferSize int) *Pipe {
	return &Pipe{pump: newPump(bufferSize)}
}

// Send delivers data to the consumer. It blocks while the buffer is full and
// returns ErrTransportClosed once the pipe has ended.
func (p *Pipe) Send(data []byte) error {
	return p.push(Message{Data: data}, false)
}

// Fail ends the stream with err, as a dropped network connection would.
func (p *Pipe) Fail(err error) error {
	if err == nil {
		err = ErrTransportClosed
	}
	return p.push(Message{Err: err}, true)
}

func (p *Pipe) push(msg Message, last bool) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if p.ended || !p.deliver(msg) {
		return ErrTransportClosed
	}
	if last {
		p.ended = true
		close(p.msgCh)
	}
	return nil
}

// Messages returns the frames sent into the pipe.
func (p *Pipe) Messages() <-chan Message {
	return p.msgCh
}

// Close ends the stream without an error. Safe to call multiple times and
// from either side.
func (p *Pipe) Close() error {
	p.stop()

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if !p.ended {
		p.ended = true
		close(p.msgCh)
	}
	return nil
}

// IsReady returns true until the pipe is closed by the consumer.
func (p *Pipe) IsReady() bool {
	return !p.closed()
}

// ChannelDialer serves chan://<name> endpoints from registered accept
// functions. Embedders and tests use it to feed events without a network.
type ChannelDialer struct {
	mu        sync.RWMutex
	listeners map[string]func(ctx context.Context) (*Pipe, error)
}

// NewChannelDialer creates an empty ChannelDialer.
func NewChannelDialer() *ChannelDialer {
	return &ChannelDialer{listeners: make(map[string]func(context.Context) (*Pipe, error))}
}

// Listen registers accept for chan://name. accept is called once per Dial
// and returns the pipe the dialer hands to the client.
func (d *ChannelDialer) Listen(name string, accept func(ctx context.Context) (*Pipe, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[name] = accept
}

// Dial resolves the endpoint host to a registered listener.
func (d *ChannelDialer) Dial(ctx context.Context, endpoint string) (Stream, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}

	d.mu.RLock()
	accept, ok := d.listeners[u.Host]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no listener for %s", ErrNotReady, endpoint)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pipe, err := accept(ctx)
	if err != nil {
		return nil, err
	}
	return pipe, nil
}
