package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// FileDialer replays a JSONL capture of envelopes from file://<path>, one
// envelope per line. The stream ends with ErrTransportClosed at EOF.
type FileDialer struct{}

// Dial opens the file named by the endpoint path.
func (FileDialer) Dial(ctx context.Context, endpoint string) (Stream, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	path := u.Path
	if u.Host != "" && u.Host != "localhost" {
		path = filepath.Join(u.Host, u.Path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return NewReaderStream(f), nil
}

// ReaderStream reads newline-delimited frames from an io.ReadCloser.
// Empty lines are skipped.
type ReaderStream struct {
	*pump
	r io.ReadCloser
}

// NewReaderStream starts reading r. Close closes r.
func NewReaderStream(r io.ReadCloser) *ReaderStream {
	s := &ReaderStream{pump: newPump(64), r: r}
	go s.readLoop()
	return s
}

func (s *ReaderStream) readLoop() {
	defer close(s.msgCh)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, initialScannerBuffer), maxScannerBuffer)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		if !s.deliver(Message{Data: data}) {
			return
		}
	}

	if s.closed() {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("%w: end of input", ErrTransportClosed)
	}
	s.deliver(Message{Err: err})
}

// Messages returns one message per non-empty line.
func (s *ReaderStream) Messages() <-chan Message {
	return s.msgCh
}

// Close stops the read loop and closes the underlying reader.
func (s *ReaderStream) Close() error {
	if !s.stop() {
		return nil
	}
	return s.r.Close()
}

// IsReady returns true until Close is called.
func (s *ReaderStream) IsReady() bool {
	return !s.closed()
}
