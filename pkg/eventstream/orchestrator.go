// Package eventstream wires the connection manager, event queue, health
// monitor and task tracker into one component with a Start/Stop lifecycle.
//
// An Orchestrator never terminates the host: an unreachable backend surfaces only as
// state changes and stats, and Stop always returns within a bounded time.
package eventstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jg-phare/tether/pkg/clock"
	"github.com/jg-phare/tether/pkg/config"
	"github.com/jg-phare/tether/pkg/connection"
	"github.com/jg-phare/tether/pkg/deadletter"
	"github.com/jg-phare/tether/pkg/health"
	"github.com/jg-phare/tether/pkg/metrics"
	"github.com/jg-phare/tether/pkg/queue"
	"github.com/jg-phare/tether/pkg/tasks"
	"github.com/jg-phare/tether/pkg/transport"
)

// ErrAlreadyStarted is returned by Start while the orchestrator is running
// and its connection has not failed.
var ErrAlreadyStarted = errors.New("event stream already started")

// Options configures an Orchestrator. Only Config is consulted for settings;
// the remaining fields replace default collaborators.
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	Clock  clock.Clock
	Dialer transport.Dialer
	Prober connection.Prober
	// Metrics receives connection and queue measurements. A fresh set is
	// created when nil.
	Metrics *metrics.Metrics
	// DeadLetter overrides the file sink built from Config.DeadLetter.Path.
	DeadLetter queue.DeadLetterSink
}

// ConnectionStats is a point-in-time snapshot for status lines.
type ConnectionStats struct {
	State         connection.State `json:"state" yaml:"state"`
	Endpoint      string           `json:"endpoint" yaml:"endpoint"`
	ConnectionID  string           `json:"connectionId,omitempty" yaml:"connection_id,omitempty"`
	RetryCount    int              `json:"retryCount" yaml:"retry_count"`
	QueueLength   int              `json:"queueLength" yaml:"queue_length"`
	QueueCapacity int              `json:"queueCapacity" yaml:"queue_capacity"`
	LastHeartbeat time.Time        `json:"lastHeartbeat" yaml:"last_heartbeat"`
	IsHealthy     bool             `json:"isHealthy" yaml:"is_healthy"`
	LastError     string           `json:"lastError,omitempty" yaml:"last_error,omitempty"`
	RunningTasks  int              `json:"runningTasks" yaml:"running_tasks"`
	Queue         queue.Stats      `json:"queue" yaml:"queue"`
}

type handlerReg struct {
	handler queue.Handler
	kinds   []string
}

// Orchestrator owns one event stream. Handlers and observers registered on it
// survive Stop/Start cycles; the queue, connection, health monitor and task
// tracker are rebuilt on every Start.
type Orchestrator struct {
	cfg        config.Config
	logger     *zap.Logger
	clock      clock.Clock
	dialer     transport.Dialer
	prober     connection.Prober
	metrics    *metrics.Metrics
	deadLetter queue.DeadLetterSink

	mu        sync.Mutex
	handlers  []handlerReg
	observers []connection.Observer
	started   bool
	runCtx    context.Context
	cancel    context.CancelFunc
	queue     *queue.Queue
	manager   *connection.Manager
	monitor   *health.Monitor
	tracker   *tasks.Tracker
	fileSink  *deadletter.FileSink
	// wg tracks the goroutines of the current run.
	wg *sync.WaitGroup
}

// New creates a stopped Orchestrator.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	logger := opts.Logger.Named("eventstream")
	return &Orchestrator{
		cfg:        *cfg,
		logger:     logger,
		clock:      opts.Clock,
		dialer:     opts.Dialer,
		prober:     opts.Prober,
		metrics:    opts.Metrics,
		deadLetter: opts.DeadLetter,
		monitor:    health.NewMonitor(opts.Clock),
		tracker:    tasks.NewTracker(opts.Clock, logger, tasks.DefaultRetention),
	}
}

// RegisterHandler adds a handler for every event kind.
func (o *Orchestrator) RegisterHandler(h queue.Handler) {
	o.RegisterHandlerFor(nil, h)
}

// RegisterHandlerFor adds a handler for kinds matching any of patterns.
// Handlers run in registration order, after the built-in task tracker.
func (o *Orchestrator) RegisterHandlerFor(patterns []string, h queue.Handler) {
	reg := handlerReg{handler: h, kinds: append([]string(nil), patterns...)}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers = append(o.handlers, reg)
	if o.started {
		o.queue.RegisterHandler(reg.handler, reg.kinds...)
	}
}

// OnStateChange registers a connection state observer.
func (o *Orchestrator) OnStateChange(fn connection.Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
	if o.started {
		o.manager.OnStateChange(fn)
	}
}

// Tasks returns the task tracker of the current run, or of the last one
// after Stop. Each Start begins with an empty tracker.
func (o *Orchestrator) Tasks() *tasks.Tracker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracker
}

// Metrics returns the collectors this stream reports to.
func (o *Orchestrator) Metrics() *metrics.Metrics { return o.metrics }

// Start builds the queue and connection, then connects in the background and
// launches the health check. ctx bounds the whole run. Connection failures are
// reported through state observers, never as an error from Start.
//
// Calling Start on a running orchestrator whose connection has Failed
// restarts the connection; otherwise it returns ErrAlreadyStarted.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		if o.manager.State() != connection.Failed {
			return ErrAlreadyStarted
		}
		o.logger.Info("Restarting failed connection")
		o.wg.Add(1)
		go o.runConnection(o.runCtx, o.manager, o.wg)
		return nil
	}

	sink := o.deadLetter
	var fileSink *deadletter.FileSink
	if sink == nil && o.cfg.DeadLetter.Path != "" {
		fs, err := deadletter.NewFileSink(o.cfg.DeadLetter.Path, o.logger)
		if err != nil {
			return err
		}
		fileSink = fs
		sink = fs
	}

	monitor := health.NewMonitor(o.clock)
	tracker := tasks.NewTracker(o.clock, o.logger, tasks.DefaultRetention)

	q := queue.New(o.cfg.QueueConfig(), queue.Options{
		Logger:     o.logger,
		Clock:      o.clock,
		DeadLetter: sink,
		Recorder:   o.metrics,
	})
	q.RegisterHandler(tracker, "task.*", "mcp.*")
	for _, reg := range o.handlers {
		q.RegisterHandler(reg.handler, reg.kinds...)
	}

	mgr, err := connection.New(o.cfg.ConnectionConfig(), connection.Options{
		Logger:   o.logger,
		Clock:    o.clock,
		Dialer:   o.dialer,
		Prober:   o.prober,
		Monitor:  monitor,
		Sink:     q,
		Recorder: o.metrics,
	})
	if err != nil {
		if fileSink != nil {
			fileSink.Close()
		}
		return err
	}
	mgr.OnStateChange(o.metrics.ObserveState)
	for _, fn := range o.observers {
		mgr.OnStateChange(fn)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.runCtx = runCtx
	o.cancel = cancel
	o.queue = q
	o.manager = mgr
	o.monitor = monitor
	o.tracker = tracker
	o.fileSink = fileSink
	o.wg = &sync.WaitGroup{}
	o.started = true

	q.Start()
	o.wg.Add(2)
	go o.runConnection(runCtx, mgr, o.wg)
	go o.healthLoop(runCtx, mgr, monitor, o.wg)

	o.logger.Info("Event stream started",
		zap.String("endpoint", o.cfg.Endpoint),
		zap.Duration("health_interval", o.cfg.Health.CheckInterval),
	)
	return nil
}

func (o *Orchestrator) runConnection(ctx context.Context, mgr *connection.Manager, wg *sync.WaitGroup) {
	defer wg.Done()
	if err := mgr.Run(ctx); err != nil {
		o.logger.Error("Event stream unavailable", zap.Error(err))
	}
}

// healthLoop forces a reconnect when a nominally connected stream has been
// silent for longer than StaleAfter.
func (o *Orchestrator) healthLoop(ctx context.Context, mgr *connection.Manager, monitor *health.Monitor, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.clock.After(o.cfg.Health.CheckInterval):
		}

		if mgr.State() != connection.Connected {
			continue
		}
		if !monitor.IsHealthy(o.cfg.Health.StaleAfter) {
			o.logger.Warn("Connection is stale",
				zap.Time("last_heartbeat", monitor.LastHeartbeat()),
				zap.Duration("stale_after", o.cfg.Health.StaleAfter),
			)
			mgr.ForceReconnect("no heartbeat within stale period")
		}
	}
}

// Stop cancels the health check, disconnects, stops the queue and releases
// the dead-letter file. It is idempotent and may be called from any
// goroutine, including a state observer. Buffered events that were not yet
// dispatched are discarded. All waiting shares one deadline of
// Queue.ShutdownTimeout.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	mgr := o.manager
	q := o.queue
	fileSink := o.fileSink
	wg := o.wg
	o.fileSink = nil
	o.mu.Unlock()

	// An observer runs on one of the goroutines tracked by wg.
	fromObserver := mgr.Notifying()

	o.logger.Info("Stopping event stream", zap.Bool("from_observer", fromObserver))
	timeout := o.cfg.Queue.ShutdownTimeout
	deadline := time.Now().Add(timeout)
	waitCtx, cancelWait := context.WithDeadline(context.Background(), deadline)
	defer cancelWait()

	cancel()
	mgr.DisconnectContext(waitCtx)
	if !q.Stop(remaining(deadline)) {
		o.logger.Warn("Queue did not drain before shutdown timeout", zap.Duration("timeout", timeout))
	}

	if !fromObserver {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-waitCtx.Done():
			o.logger.Warn("Timed out waiting for event stream tasks to exit", zap.Duration("timeout", timeout))
		}
	}

	if fileSink != nil {
		if err := fileSink.Close(); err != nil {
			o.logger.Error("Failed to close dead-letter file", zap.Error(err))
		}
	}
	o.logger.Info("Event stream stopped")
}

// remaining is the time left until deadline, at least a millisecond so that
// callers treating zero as "use the default" still time out promptly.
func remaining(deadline time.Time) time.Duration {
	if d := time.Until(deadline); d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

// State returns the connection state, Disconnected before the first Start.
func (o *Orchestrator) State() connection.State {
	o.mu.Lock()
	mgr := o.manager
	o.mu.Unlock()
	if mgr == nil {
		return connection.Disconnected
	}
	return mgr.State()
}

// GetStats returns a snapshot. It never blocks on network I/O.
func (o *Orchestrator) GetStats() ConnectionStats {
	o.mu.Lock()
	mgr := o.manager
	q := o.queue
	monitor := o.monitor
	tracker := o.tracker
	o.mu.Unlock()

	stats := ConnectionStats{
		State:         connection.Disconnected,
		Endpoint:      o.cfg.Endpoint,
		QueueCapacity: o.cfg.Queue.Capacity,
		LastHeartbeat: monitor.LastHeartbeat(),
		RunningTasks:  tracker.Running(),
	}
	if mgr != nil {
		stats.State = mgr.State()
		stats.ConnectionID = mgr.ConnectionID()
		stats.RetryCount = mgr.RetryCount()
		if err := mgr.LastError(); err != nil {
			stats.LastError = err.Error()
		}
	}
	stats.IsHealthy = stats.State == connection.Connected && monitor.IsHealthy(o.cfg.Health.StaleAfter)
	if q != nil {
		stats.Queue = q.Stats()
		stats.QueueLength = stats.Queue.Length
		stats.QueueCapacity = stats.Queue.Capacity
	}
	return stats
}
