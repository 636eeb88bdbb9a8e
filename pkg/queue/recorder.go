package queue

import (
	"time"

	"github.com/jg-phare/tether/pkg/events"
)

// DropReason explains why an item left the queue without being delivered.
type DropReason string

const (
	DropOverflow   DropReason = "overflow"
	DropMaxRetries DropReason = "max_retries"
	DropShutdown   DropReason = "shutdown"
)

// DeadLetter describes an item dropped from the queue.
type DeadLetter struct {
	Event     events.Event
	Reason    DropReason
	Attempts  int
	LastError error
	DroppedAt time.Time
}

// DeadLetterSink receives dropped items. Write is called from the queue's
// goroutines and must not block.
type DeadLetterSink interface {
	Write(dl DeadLetter) error
}

// Recorder receives queue measurements.
type Recorder interface {
	EventEnqueued(kind string)
	EventDropped(kind string, reason DropReason)
	EventDispatched(kind string, elapsed time.Duration)
	EventRetried(kind string)
	HandlerFailed(kind string)
	QueueLength(n int)
}

type nopRecorder struct{}

func (nopRecorder) EventEnqueued(string)                  {}
func (nopRecorder) EventDropped(string, DropReason)       {}
func (nopRecorder) EventDispatched(string, time.Duration) {}
func (nopRecorder) EventRetried(string)                   {}
func (nopRecorder) HandlerFailed(string)                  {}
func (nopRecorder) QueueLength(int)                       {}
