// Package connection owns the single logical connection to the event backend:
// the readiness probe, the bounded handshake, the read loop that feeds the
// event queue, and the reconnect path driven by a retry policy.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jg-phare/tether/pkg/clock"
	"github.com/jg-phare/tether/pkg/events"
	"github.com/jg-phare/tether/pkg/health"
	"github.com/jg-phare/tether/pkg/retry"
	"github.com/jg-phare/tether/pkg/transport"
)

// Defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultReadTimeout is a little longer than the backend heartbeat interval.
	DefaultReadTimeout = 70 * time.Second
	DefaultJoinTimeout = 5 * time.Second
)

var (
	// ErrMaxRetriesExceeded is returned once every connection attempt failed.
	ErrMaxRetriesExceeded = errors.New("max connection attempts exceeded")
	// ErrRunning is returned by Connect while a previous run is still active.
	ErrRunning = errors.New("connection already running")
	// ErrForcedReconnect ends the read loop when ForceReconnect is called.
	ErrForcedReconnect = errors.New("reconnect forced")
	// ErrReadTimeout ends the read loop when nothing arrives within ReadTimeout.
	ErrReadTimeout = errors.New("read timeout")
)

// Config describes the endpoint and the connection-level timing.
type Config struct {
	Endpoint string
	// ProbeAddresses overrides the TCP readiness probe list. When empty the
	// list is derived from Endpoint.
	ProbeAddresses   []string
	Retry            retry.Config
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	ProbeTimeout     time.Duration
	JoinTimeout      time.Duration
	// AllowedKinds restricts accepted event kinds. Empty accepts all.
	AllowedKinds []string
}

// Sink receives decoded, non-heartbeat events. Enqueue must not block.
type Sink interface {
	Enqueue(ev events.Event) bool
}

// Prober checks backend readiness before a handshake.
type Prober interface {
	Probe(ctx context.Context) error
}

// Recorder receives read-loop measurements.
type Recorder interface {
	FrameReceived(kind string)
	FrameMalformed()
}

// Options carries the manager's collaborators.
type Options struct {
	Logger   *zap.Logger
	Clock    clock.Clock
	Dialer   transport.Dialer
	Prober   Prober
	Monitor  *health.Monitor
	Sink     Sink
	Recorder Recorder
}

// run is one Connect-to-exit lifetime of the manager.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager drives the connection state machine.
type Manager struct {
	config   Config
	policy   *retry.Policy
	logger   *zap.Logger
	clock    clock.Clock
	dialer   transport.Dialer
	prober   Prober
	monitor  *health.Monitor
	sink     Sink
	recorder Recorder
	decoder  *events.Decoder

	mu           sync.RWMutex
	state        State
	stream       transport.Stream
	connectionID string
	lastErr      error
	current      *run
	observers    []Observer

	retryCount atomic.Int32
	forceCh    chan string
	// observing counts observer calls in progress.
	observing atomic.Int32
}

// New creates a Manager in the Disconnected state.
func New(config Config, opts Options) (*Manager, error) {
	if config.Endpoint == "" {
		return nil, errors.New("connection: endpoint is required")
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = transport.NewRouter()
	}
	if opts.Prober == nil {
		addrs := config.ProbeAddresses
		if len(addrs) == 0 {
			derived, err := transport.ProbeAddresses(config.Endpoint)
			if err != nil {
				return nil, err
			}
			addrs = derived
		}
		opts.Prober = &transport.Prober{Addresses: addrs, Timeout: config.ProbeTimeout}
	}
	if opts.Monitor == nil {
		opts.Monitor = health.NewMonitor(opts.Clock)
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	return &Manager{
		config:   config,
		policy:   retry.NewPolicy(config.Retry),
		logger:   opts.Logger.Named("connection").With(zap.String("endpoint", config.Endpoint)),
		clock:    opts.Clock,
		dialer:   opts.Dialer,
		prober:   opts.Prober,
		monitor:  opts.Monitor,
		sink:     opts.Sink,
		recorder: opts.Recorder,
		decoder:  &events.Decoder{AllowedKinds: config.AllowedKinds, Now: opts.Clock.Now},
		state:    Disconnected,
		forceCh:  make(chan string, 1),
	}, nil
}

// OnStateChange registers an observer. Observers run synchronously, in
// registration order, outside the manager's lock.
func (m *Manager) OnStateChange(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RetryCount returns the number of consecutive failed attempts.
func (m *Manager) RetryCount() int {
	return int(m.retryCount.Load())
}

// Endpoint returns the configured endpoint.
func (m *Manager) Endpoint() string {
	return m.config.Endpoint
}

// ConnectionID identifies the current stream. It changes on every successful
// connect and is empty before the first one.
func (m *Manager) ConnectionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectionID
}

// LastError returns the error behind the most recent failure transition.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Connect performs the initial connect with retry and, on success, starts the
// read loop and reconnect path in the background. ctx bounds the whole
// connection lifetime, not only the initial connect.
func (m *Manager) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		cancel()
		return ErrRunning
	}
	m.current = r
	m.mu.Unlock()

	if err := m.transition(Connecting, nil, nil); err != nil {
		m.finish(r, err)
		return err
	}

	stream, err := m.connectWithRetry(runCtx, Connecting)
	if err != nil {
		m.finish(r, err)
		if runCtx.Err() != nil {
			m.transition(Disconnected, nil, nil)
		}
		return err
	}

	go func() {
		m.supervise(runCtx, stream, r)
	}()
	return nil
}

// Run connects and then blocks until the connection fails for good, ctx is
// done or Disconnect is called. It returns nil unless the manager ends Failed.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			m.Disconnect()
			return nil
		}
		return err
	}

	m.mu.RLock()
	r := m.current
	m.mu.RUnlock()
	if r == nil {
		return nil
	}

	select {
	case <-r.done:
	case <-ctx.Done():
	}
	if ctx.Err() != nil {
		m.Disconnect()
		return nil
	}
	if errors.Is(r.err, ErrMaxRetriesExceeded) {
		return r.err
	}
	return nil
}

// ForceReconnect drops the current stream and enters the reconnect path. It
// reports false when the manager is not Connected.
func (m *Manager) ForceReconnect(reason string) bool {
	if m.State() != Connected {
		return false
	}
	select {
	case m.forceCh <- reason:
		m.logger.Warn("Forcing reconnect", zap.String("reason", reason))
		return true
	default:
		return false
	}
}

// Disconnect stops every background task, closes the stream and moves to
// Disconnected. It waits up to JoinTimeout for the connection tasks to exit.
// It is idempotent and safe to call from any goroutine, including a state
// observer.
func (m *Manager) Disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.JoinTimeout)
	defer cancel()
	m.DisconnectContext(ctx)
}

// DisconnectContext is Disconnect with the wait for connection tasks bounded
// by ctx. While observers are being notified it cancels the run without
// waiting, since the observer may be running on the goroutine it would wait
// for; that goroutine exits once the observer returns.
func (m *Manager) DisconnectContext(ctx context.Context) {
	m.mu.RLock()
	r := m.current
	m.mu.RUnlock()

	if r != nil {
		r.cancel()
		if m.Notifying() {
			m.logger.Debug("Disconnect during state notification, not waiting for connection tasks")
		} else {
			select {
			case <-r.done:
			case <-ctx.Done():
				m.logger.Warn("Timed out waiting for connection tasks to exit", zap.Error(ctx.Err()))
			}
		}
	}

	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	if stream != nil {
		stream.Close()
	}

	if err := m.transition(Disconnected, nil, nil); err != nil {
		m.logger.Debug("Disconnect transition rejected", zap.Error(err))
	}
}

// finish ends run r, recording err for Run. Exhausted attempts move to Failed
// only after the run is released, so an observer reacting to Failed can
// Connect again.
func (m *Manager) finish(r *run, err error) {
	r.err = err
	r.cancel()

	m.mu.Lock()
	if m.current == r {
		m.current = nil
	}
	m.mu.Unlock()
	close(r.done)

	if errors.Is(err, ErrMaxRetriesExceeded) {
		if terr := m.transition(Failed, err, nil); terr != nil {
			m.logger.Debug("Failed transition rejected", zap.Error(terr))
		}
	}
}

// supervise owns an established stream: it reads until the stream fails and
// then reconnects, until ctx is done or attempts are exhausted.
func (m *Manager) supervise(ctx context.Context, stream transport.Stream, r *run) {
	var err error
	defer func() { m.finish(r, err) }()

	for {
		readErr := m.readLoop(ctx, stream)
		m.release(stream)
		if ctx.Err() != nil {
			return
		}

		m.logger.Warn("Connection lost", zap.Error(readErr))
		if terr := m.transition(Reconnecting, readErr, nil); terr != nil {
			m.logger.Debug("Reconnect transition rejected", zap.Error(terr))
			return
		}

		stream, err = m.connectWithRetry(ctx, Reconnecting)
		if err != nil {
			return
		}
	}
}

// connectWithRetry makes up to MaxRetries attempts. The initial connect tries
// immediately and backs off between attempts; a reconnect backs off before
// every attempt. The caller moves to Failed through finish.
func (m *Manager) connectWithRetry(ctx context.Context, phase State) (transport.Stream, error) {
	maxAttempts := m.policy.MaxRetries()
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		backoff := attempt
		if phase == Connecting {
			backoff = attempt - 1
		}
		if backoff >= 0 {
			delay := m.policy.Delay(backoff)
			m.logger.Info("Retrying connection",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
			)
			select {
			case <-m.clock.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		stream, err := m.attempt(ctx)
		if err == nil {
			if err := m.adopt(stream); err != nil {
				stream.Close()
				return nil, err
			}
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		m.retryCount.Add(1)
		m.logger.Warn("Connection attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
		if phase == Connecting && attempt+1 < maxAttempts {
			if terr := m.transition(Connecting, err, nil); terr != nil {
				return nil, terr
			}
		}
	}

	failure := fmt.Errorf("%w (%d): %w", ErrMaxRetriesExceeded, maxAttempts, lastErr)
	m.logger.Error("Giving up on connection", zap.Error(failure))
	return nil, failure
}

// attempt probes the backend and performs one bounded handshake.
func (m *Manager) attempt(ctx context.Context) (transport.Stream, error) {
	if err := m.prober.Probe(ctx); err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, m.config.HandshakeTimeout)
	defer cancel()

	stream, err := m.dialer.Dial(hctx, m.config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return stream, nil
}

// adopt installs a freshly dialed stream and moves to Connected.
func (m *Manager) adopt(stream transport.Stream) error {
	id := uuid.NewString()
	err := m.transition(Connected, nil, func() {
		m.stream = stream
		m.connectionID = id
		m.retryCount.Store(0)
		m.monitor.Reset()
	})
	if err != nil {
		return err
	}

	select {
	case <-m.forceCh:
	default:
	}
	m.logger.Info("Connected", zap.String("connection_id", id))
	return nil
}

func (m *Manager) release(stream transport.Stream) {
	m.mu.Lock()
	if m.stream == stream {
		m.stream = nil
	}
	m.mu.Unlock()
	stream.Close()
}

// readLoop blocks on the stream until it fails, the read deadline passes,
// a reconnect is forced or ctx is done.
func (m *Manager) readLoop(ctx context.Context, stream transport.Stream) error {
	for {
		select {
		case msg, ok := <-stream.Messages():
			if !ok {
				return transport.ErrTransportClosed
			}
			if msg.Err != nil {
				return msg.Err
			}
			m.handleFrame(msg.Data)
		case <-m.clock.After(m.config.ReadTimeout):
			return fmt.Errorf("%w after %s", ErrReadTimeout, m.config.ReadTimeout)
		case reason := <-m.forceCh:
			return fmt.Errorf("%w: %s", ErrForcedReconnect, reason)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame decodes one frame. Any decodable frame proves liveness;
// heartbeats stop here and everything else goes to the sink.
func (m *Manager) handleFrame(data []byte) {
	ev, err := m.decoder.Decode(data)
	if err != nil {
		m.recorder.FrameMalformed()
		m.logger.Warn("Skipping malformed message",
			zap.Int("length", len(data)),
			zap.Error(err),
		)
		return
	}

	m.monitor.RecordHeartbeat()
	m.recorder.FrameReceived(ev.Kind)

	if ev.IsHeartbeat() {
		m.logger.Debug("Heartbeat received")
		return
	}
	m.sink.Enqueue(ev)
}

// transition moves to state to if the edge is legal, applying apply under the
// lock, and then notifies observers. Disconnected -> Disconnected is a no-op.
func (m *Manager) transition(to State, cause error, apply func()) error {
	m.mu.Lock()
	from := m.state
	if from == Disconnected && to == Disconnected {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	m.state = to
	if cause != nil {
		m.lastErr = cause
	}
	if apply != nil {
		apply()
	}
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	fields := []zap.Field{
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}
	if cause != nil {
		fields = append(fields, zap.NamedError("cause", cause))
	}
	m.logger.Info("Connection state changed", fields...)

	m.observing.Add(1)
	defer m.observing.Add(-1)
	for _, fn := range observers {
		m.notify(fn, from, to, cause)
	}
	return nil
}

// Notifying reports whether state observers are being called.
func (m *Manager) Notifying() bool {
	return m.observing.Load() > 0
}

func (m *Manager) notify(fn Observer, from, to State, cause error) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("State observer panicked", zap.Any("panic", p))
		}
	}()
	fn(from, to, cause)
}

type discardSink struct{}

func (discardSink) Enqueue(events.Event) bool { return false }

type nopRecorder struct{}

func (nopRecorder) FrameReceived(string) {}
func (nopRecorder) FrameMalformed()      {}
