// Package deadletter persists events the queue gave up on as JSON lines, so
// they can be inspected or replayed later.
package deadletter

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/jg-phare/tether/pkg/events"
	"github.com/jg-phare/tether/pkg/queue"
)

const (
	writerBufferSize = 256
	flushIdleTimeout = 100 * time.Millisecond
	lockTimeout      = 5 * time.Second
)

var (
	// ErrSinkFull is returned when the writer cannot keep up; the record is lost.
	ErrSinkFull = errors.New("dead letter sink full")
	// ErrSinkClosed is returned by Write after Close.
	ErrSinkClosed = errors.New("dead letter sink closed")
	// ErrLockTimeout is returned when the file lock cannot be acquired.
	ErrLockTimeout = errors.New("dead letter lock timeout")
)

// Record is one line of the dead-letter file.
type Record struct {
	EventID   string       `json:"eventId"`
	Kind      string       `json:"kind"`
	Source    string       `json:"source,omitempty"`
	Reason    string       `json:"reason"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"lastError,omitempty"`
	DroppedAt time.Time    `json:"droppedAt"`
	Event     events.Event `json:"event"`
}

// NewRecord converts a queue dead letter.
func NewRecord(dl queue.DeadLetter) Record {
	r := Record{
		EventID:   dl.Event.ID,
		Kind:      dl.Event.Kind,
		Source:    dl.Event.Source,
		Reason:    string(dl.Reason),
		Attempts:  dl.Attempts,
		DroppedAt: dl.DroppedAt,
		Event:     dl.Event,
	}
	if dl.LastError != nil {
		r.LastError = dl.LastError.Error()
	}
	return r
}

// FileSink appends records to a JSONL file from a background writer. Writes
// from other processes sharing the file are serialized with a lock file.
type FileSink struct {
	path   string
	logger *zap.Logger

	ch   chan Record
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	file   *os.File
}

// NewFileSink opens (creating if needed) the file at path and starts the writer.
func NewFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dead letter dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead letter file: %w", err)
	}

	s := &FileSink{
		path:   path,
		logger: logger.Named("deadletter"),
		ch:     make(chan Record, writerBufferSize),
		done:   make(chan struct{}),
		file:   f,
	}
	go s.run()
	return s, nil
}

// Path returns the file path.
func (s *FileSink) Path() string { return s.path }

// Write queues dl for the writer without blocking.
func (s *FileSink) Write(dl queue.DeadLetter) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	select {
	case s.ch <- NewRecord(dl):
		return nil
	default:
		return ErrSinkFull
	}
}

// Close flushes queued records and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	<-s.done
	return s.file.Close()
}

func (s *FileSink) run() {
	defer close(s.done)

	timer := time.NewTimer(flushIdleTimeout)
	defer timer.Stop()

	var pending []Record
	for {
		select {
		case rec, ok := <-s.ch:
			if !ok {
				s.flush(pending)
				return
			}
			pending = append(pending, rec)

			// Batch whatever else is already queued.
		drain:
			for {
				select {
				case more, ok := <-s.ch:
					if !ok {
						s.flush(pending)
						return
					}
					pending = append(pending, more)
				default:
					break drain
				}
			}
			s.flush(pending)
			pending = pending[:0]
			timer.Reset(flushIdleTimeout)

		case <-timer.C:
			if len(pending) > 0 {
				s.flush(pending)
				pending = pending[:0]
			}
			timer.Reset(flushIdleTimeout)
		}
	}
}

func (s *FileSink) flush(records []Record) {
	if len(records) == 0 {
		return
	}

	var buf []byte
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			s.logger.Error("Failed to encode dead letter", zap.String("event_id", rec.EventID), zap.Error(err))
			continue
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	if err := s.append(buf); err != nil {
		s.logger.Error("Failed to write dead letters",
			zap.String("path", s.path),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
	}
}

func (s *FileSink) append(data []byte) error {
	fl := flock.New(s.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	case err != nil:
		return fmt.Errorf("lock %s: %w", fl.Path(), err)
	case !locked:
		return ErrLockTimeout
	}
	defer fl.Unlock()

	_, err = s.file.Write(data)
	return err
}

// ReadFile loads every record from a dead-letter file. Lines that do not
// decode are skipped and counted.
func ReadFile(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		records []Record
		skipped int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	return records, skipped, scanner.Err()
}
