// Package queue implements the bounded staging buffer between the network
// reader and application handlers. Enqueue never blocks; a single dispatch
// worker delivers items in arrival order and redelivers failed items with
// backoff until the retry limit is reached.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jg-phare/tether/pkg/clock"
	"github.com/jg-phare/tether/pkg/events"
	"github.com/jg-phare/tether/pkg/retry"
)

// ErrStopped is returned by operations on a stopped queue.
var ErrStopped = errors.New("queue stopped")

// ErrQueueFull is recorded on dead letters dropped for overflow.
var ErrQueueFull = errors.New("queue full")

// OverflowPolicy selects which event is lost when the buffer is full.
type OverflowPolicy string

const (
	// DropNewest rejects the incoming event. Buffered events are kept.
	DropNewest OverflowPolicy = "drop-newest"
	// DropOldest evicts the head of the buffer to admit the incoming event.
	DropOldest OverflowPolicy = "drop-oldest"
)

// Defaults.
const (
	DefaultCapacity        = 100
	DefaultShutdownTimeout = 5 * time.Second
)

// Config controls queue sizing and redelivery.
type Config struct {
	Capacity        int            `koanf:"capacity"`
	Overflow        OverflowPolicy `koanf:"overflow_policy"`
	ShutdownTimeout time.Duration  `koanf:"shutdown_timeout"`
	Retry           retry.Config   `koanf:"-"`
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:        DefaultCapacity,
		Overflow:        DropNewest,
		ShutdownTimeout: DefaultShutdownTimeout,
		Retry:           retry.DefaultEventConfig(),
	}
}

// Options carries the queue's collaborators. Zero values are replaced with
// no-op implementations.
type Options struct {
	Logger     *zap.Logger
	Clock      clock.Clock
	DeadLetter DeadLetterSink
	Recorder   Recorder
	// WarnLimit bounds overflow warnings and dead-letter write errors per
	// second, each on its own limiter. Defaults to 1/s, burst 5.
	WarnLimit rate.Limit
}

// Item is one buffered event with its delivery bookkeeping.
type Item struct {
	Event      events.Event
	EnqueuedAt time.Time
	Retries    int

	delivered map[int]bool
	lastErr   error
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Length          int   `json:"length" yaml:"length"`
	Capacity        int   `json:"capacity" yaml:"capacity"`
	Enqueued        int64 `json:"enqueued" yaml:"enqueued"`
	Dispatched      int64 `json:"dispatched" yaml:"dispatched"`
	Retried         int64 `json:"retried" yaml:"retried"`
	PendingRetries  int64 `json:"pendingRetries" yaml:"pendingRetries"`
	DroppedOverflow int64 `json:"droppedOverflow" yaml:"droppedOverflow"`
	DroppedRetries  int64 `json:"droppedRetries" yaml:"droppedRetries"`
	DroppedShutdown int64 `json:"droppedShutdown" yaml:"droppedShutdown"`
	// DeadLetterFailures counts dropped events the dead-letter sink refused.
	DeadLetterFailures int64 `json:"deadLetterFailures" yaml:"deadLetterFailures"`
}

// Queue is a bounded, thread-safe event buffer with a dispatch worker.
type Queue struct {
	config   Config
	policy   *retry.Policy
	logger   *zap.Logger
	clock    clock.Clock
	sink     DeadLetterSink
	recorder Recorder

	warnLimiter *rate.Limiter
	suppressed  atomic.Int64
	sinkLimiter *rate.Limiter
	// sinkSuppressed counts dead-letter write errors not logged yet.
	sinkSuppressed atomic.Int64

	mu       sync.Mutex
	buf      []*Item
	handlers []registration
	nextID   int
	started  bool
	stopped  bool

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	// dispatchCtx is handed to handlers; it outlives ctx by the shutdown
	// timeout so in-flight deliveries can finish.
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	wg             sync.WaitGroup

	enqueued        atomic.Int64
	dispatched      atomic.Int64
	retried         atomic.Int64
	pendingRetries  atomic.Int64
	droppedOverflow atomic.Int64
	droppedRetries  atomic.Int64
	droppedShutdown atomic.Int64
	sinkFailures    atomic.Int64
}

// New creates a stopped queue. Call Start to begin dispatching.
func New(config Config, opts Options) *Queue {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.Overflow == "" {
		config.Overflow = DropNewest
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.WarnLimit == 0 {
		opts.WarnLimit = rate.Every(time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())

	return &Queue{
		config:         config,
		policy:         retry.NewPolicy(config.Retry),
		logger:         opts.Logger.Named("queue"),
		clock:          opts.Clock,
		sink:           opts.DeadLetter,
		recorder:       opts.Recorder,
		warnLimiter:    rate.NewLimiter(opts.WarnLimit, 5),
		sinkLimiter:    rate.NewLimiter(opts.WarnLimit, 5),
		buf:            make([]*Item, 0, config.Capacity),
		notify:         make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		dispatchCtx:    dispatchCtx,
		dispatchCancel: dispatchCancel,
	}
}

// RegisterHandler adds a handler. Handlers run in registration order for each
// event whose kind matches one of kinds (all kinds when none are given).
func (q *Queue) RegisterHandler(h Handler, kinds ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	name := fmt.Sprintf("handler-%d", q.nextID)
	if n, ok := h.(Named); ok && n.Name() != "" {
		name = n.Name()
	}
	q.handlers = append(q.handlers, registration{
		id:      q.nextID,
		name:    name,
		kinds:   append([]string(nil), kinds...),
		handler: h,
	})
}

// Start launches the dispatch worker. Calling Start more than once, or after
// Stop, has no effect.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true

	q.wg.Add(1)
	go q.run()
	q.logger.Info("Event queue started",
		zap.Int("capacity", q.config.Capacity),
		zap.String("overflow_policy", string(q.config.Overflow)),
	)
}

// Enqueue offers an event to the buffer without blocking. It returns false if
// the event was rejected: the queue is stopped, or full under DropNewest.
func (q *Queue) Enqueue(ev events.Event) bool {
	item := &Item{Event: ev, EnqueuedAt: q.clock.Now()}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}

	var evicted *Item
	if len(q.buf) >= q.config.Capacity {
		if q.config.Overflow != DropOldest {
			q.mu.Unlock()
			q.drop(item, DropOverflow, ErrQueueFull)
			return false
		}
		evicted = q.buf[0]
		q.buf[0] = nil
		q.buf = q.buf[1:]
	}
	q.buf = append(q.buf, item)
	length := len(q.buf)
	q.mu.Unlock()

	q.signal()
	q.enqueued.Add(1)
	q.recorder.EventEnqueued(ev.Kind)
	q.recorder.QueueLength(length)

	if evicted != nil {
		q.drop(evicted, DropOverflow, ErrQueueFull)
	}

	q.logger.Debug("Event queued",
		zap.String("kind", ev.Kind),
		zap.String("id", ev.ID),
		zap.Int("length", length),
	)
	return true
}

// Stop halts dispatching. The item currently being delivered may finish
// within timeout (the configured shutdown timeout when non-positive); buffered
// items and items waiting for a retry are discarded. Stop is idempotent and
// reports whether all background work finished in time.
func (q *Queue) Stop(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = q.config.ShutdownTimeout
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return true
	}
	q.stopped = true
	discarded := q.buf
	q.buf = nil
	q.mu.Unlock()

	q.cancel()
	for _, item := range discarded {
		q.drop(item, DropShutdown, ErrStopped)
	}
	q.recorder.QueueLength(0)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	clean := true
	select {
	case <-done:
	case <-timer.C:
		clean = false
		q.logger.Warn("Event queue stop timed out waiting for dispatch",
			zap.Duration("timeout", timeout),
		)
	}
	q.dispatchCancel()

	q.logger.Info("Event queue stopped",
		zap.Int("discarded", len(discarded)),
		zap.Bool("clean", clean),
	)
	return clean
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Cap returns the buffer capacity.
func (q *Queue) Cap() int {
	return q.config.Capacity
}

// Snapshot returns the buffered events in dispatch order.
func (q *Queue) Snapshot() []events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]events.Event, len(q.buf))
	for i, item := range q.buf {
		out[i] = item.Event
	}
	return out
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Length:          q.Len(),
		Capacity:        q.config.Capacity,
		Enqueued:        q.enqueued.Load(),
		Dispatched:      q.dispatched.Load(),
		Retried:         q.retried.Load(),
		PendingRetries:  q.pendingRetries.Load(),
		DroppedOverflow: q.droppedOverflow.Load(),
		DroppedRetries:  q.droppedRetries.Load(),
		DroppedShutdown: q.droppedShutdown.Load(),

		DeadLetterFailures: q.sinkFailures.Load(),
	}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// run is the dispatch worker.
func (q *Queue) run() {
	defer q.wg.Done()

	for {
		item, ok := q.next()
		if !ok {
			return
		}
		q.dispatch(item)
	}
}

// next blocks until an item is available or the queue is stopped.
func (q *Queue) next() (*Item, bool) {
	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.buf) > 0 {
			item := q.buf[0]
			q.buf[0] = nil
			q.buf = q.buf[1:]
			length := len(q.buf)
			q.mu.Unlock()
			q.recorder.QueueLength(length)
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) handlersFor(kind string) []registration {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]registration, 0, len(q.handlers))
	for _, r := range q.handlers {
		if r.accepts(kind) {
			out = append(out, r)
		}
	}
	return out
}

// dispatch delivers item to every matching handler that has not yet accepted
// it. Handlers that succeeded on an earlier attempt are not called again.
func (q *Queue) dispatch(item *Item) {
	ev := item.Event
	start := q.clock.Now()

	q.logger.Debug("Dispatching event",
		zap.String("kind", ev.Kind),
		zap.String("id", ev.ID),
		zap.Int("retries", item.Retries),
	)

	var failures []error
	for _, r := range q.handlersFor(ev.Kind) {
		if item.delivered[r.id] {
			continue
		}
		if err := r.invoke(q.dispatchCtx, ev); err != nil {
			q.recorder.HandlerFailed(ev.Kind)
			q.logger.Warn("Event handler failed",
				zap.String("handler", r.name),
				zap.String("kind", ev.Kind),
				zap.String("id", ev.ID),
				zap.Error(err),
			)
			failures = append(failures, err)
			continue
		}
		if item.delivered == nil {
			item.delivered = make(map[int]bool)
		}
		item.delivered[r.id] = true
	}

	if len(failures) == 0 {
		q.dispatched.Add(1)
		q.recorder.EventDispatched(ev.Kind, q.clock.Now().Sub(start))
		return
	}

	item.lastErr = errors.Join(failures...)
	q.scheduleRetry(item)
}

// scheduleRetry re-submits item after its backoff delay, or drops it once it
// has been retried MaxRetries times.
func (q *Queue) scheduleRetry(item *Item) {
	if item.Retries >= q.policy.MaxRetries() {
		q.drop(item, DropMaxRetries, item.lastErr)
		return
	}

	delay := q.policy.Delay(item.Retries)
	item.Retries++
	q.retried.Add(1)
	q.recorder.EventRetried(item.Event.Kind)

	q.logger.Info("Retrying event",
		zap.String("kind", item.Event.Kind),
		zap.String("id", item.Event.ID),
		zap.Int("retry", item.Retries),
		zap.Duration("delay", delay),
	)

	q.pendingRetries.Add(1)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.pendingRetries.Add(-1)

		select {
		case <-q.clock.After(delay):
			q.requeue(item)
		case <-q.ctx.Done():
			q.drop(item, DropShutdown, ErrStopped)
		}
	}()
}

// requeue appends a retried item behind anything that arrived meanwhile.
func (q *Queue) requeue(item *Item) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.drop(item, DropShutdown, ErrStopped)
		return
	}
	if len(q.buf) >= q.config.Capacity {
		q.mu.Unlock()
		q.drop(item, DropOverflow, ErrQueueFull)
		return
	}
	q.buf = append(q.buf, item)
	length := len(q.buf)
	q.mu.Unlock()

	q.recorder.QueueLength(length)
	q.signal()
}

func (q *Queue) drop(item *Item, reason DropReason, cause error) {
	ev := item.Event
	q.recorder.EventDropped(ev.Kind, reason)

	switch reason {
	case DropOverflow:
		q.droppedOverflow.Add(1)
		if q.warnLimiter.Allow() {
			q.logger.Warn("Event queue full, dropping event",
				zap.String("kind", ev.Kind),
				zap.String("id", ev.ID),
				zap.String("policy", string(q.config.Overflow)),
				zap.Int64("suppressed", q.suppressed.Swap(0)),
			)
		} else {
			q.suppressed.Add(1)
		}
	case DropMaxRetries:
		q.droppedRetries.Add(1)
		q.logger.Error("Event exceeded max retries, dropping",
			zap.String("kind", ev.Kind),
			zap.String("id", ev.ID),
			zap.Int("retries", item.Retries),
			zap.Error(cause),
		)
	case DropShutdown:
		q.droppedShutdown.Add(1)
		q.logger.Debug("Discarding event on shutdown",
			zap.String("kind", ev.Kind),
			zap.String("id", ev.ID),
		)
	}

	if q.sink == nil {
		return
	}
	dl := DeadLetter{
		Event:     ev,
		Reason:    reason,
		Attempts:  item.Retries,
		LastError: cause,
		DroppedAt: q.clock.Now(),
	}
	if err := q.sink.Write(dl); err != nil {
		q.sinkFailures.Add(1)
		if q.sinkLimiter.Allow() {
			q.logger.Error("Failed to write dead letter",
				zap.String("id", ev.ID),
				zap.Int64("suppressed", q.sinkSuppressed.Swap(0)),
				zap.Error(err),
			)
		} else {
			q.sinkSuppressed.Add(1)
		}
	}
}
