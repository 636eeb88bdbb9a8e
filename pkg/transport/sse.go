package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
)

const (
	// maxScannerBuffer is the max size of one SSE line or JSONL record (10 MB).
	maxScannerBuffer = 10 * 1024 * 1024
	// initialScannerBuffer is the initial buffer size for the scanner (64 KB).
	initialScannerBuffer = 64 * 1024
)

// SSEDialer opens Server-Sent Events streams. Each event's data lines are
// joined with newlines and delivered as one message; event names, ids and
// comments are ignored.
type SSEDialer struct {
	Client *http.Client
	Header http.Header
}

// Dial issues the GET request and validates the response. ctx bounds the
// request headers only.
func (d *SSEDialer) Dial(ctx context.Context, endpoint string) (Stream, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sse request: %w", err)
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	// Tie the handshake to ctx without tying the stream to it.
	stopWatch := context.AfterFunc(ctx, cancel)
	resp, err := client.Do(req)
	watching := stopWatch()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sse dial %s: %w", endpoint, ctx.Err())
		}
		return nil, fmt.Errorf("sse dial %s: %w", endpoint, err)
	}
	if !watching {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse dial %s: %w", endpoint, ctx.Err())
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse dial %s: status %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(body))
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("sse dial %s: unexpected content type %q", endpoint, mt)
	}

	return newSSEStream(resp.Body, cancel), nil
}

// SSEStream parses a text/event-stream body.
type SSEStream struct {
	*pump
	body   io.ReadCloser
	cancel context.CancelFunc
}

func newSSEStream(body io.ReadCloser, cancel context.CancelFunc) *SSEStream {
	s := &SSEStream{
		pump:   newPump(64),
		body:   body,
		cancel: cancel,
	}
	go s.readLoop()
	return s
}

func (s *SSEStream) readLoop() {
	defer close(s.msgCh)

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, initialScannerBuffer), maxScannerBuffer)

	var data bytes.Buffer
	hasData := false

	for scanner.Scan() {
		line := scanner.Bytes()

		if len(line) == 0 {
			if hasData {
				msg := make([]byte, data.Len())
				copy(msg, data.Bytes())
				if !s.deliver(Message{Data: msg}) {
					return
				}
			}
			data.Reset()
			hasData = false
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		if len(field) == 0 {
			continue // comment
		}
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if hasData {
			data.WriteByte('\n')
		}
		data.Write(value)
		hasData = true
	}

	if s.closed() {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("%w: event stream ended", ErrTransportClosed)
	}
	s.deliver(Message{Err: err})
}

// Messages returns one message per dispatched SSE event.
func (s *SSEStream) Messages() <-chan Message {
	return s.msgCh
}

// Close aborts the request and stops the read loop.
func (s *SSEStream) Close() error {
	if !s.stop() {
		return nil
	}
	s.cancel()
	return s.body.Close()
}

// IsReady returns true until Close is called.
func (s *SSEStream) IsReady() bool {
	return !s.closed()
}
