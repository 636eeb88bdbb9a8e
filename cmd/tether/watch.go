package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jg-phare/tether/pkg/config"
	"github.com/jg-phare/tether/pkg/connection"
	"github.com/jg-phare/tether/pkg/events"
	"github.com/jg-phare/tether/pkg/eventstream"
	"github.com/jg-phare/tether/pkg/metrics"
)

var (
	metricsAddr string
	watchKinds  []string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream decoded events to stdout as JSON lines",
	Long: `Watch connects to the backend and prints every delivered event as one JSON
object per line. Logs go to stderr. When --config is given the file is
watched and the stream restarts with the new settings after each edit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runWatch(ctx, cfg, logger, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	watchCmd.Flags().StringSliceVar(&watchKinds, "kind", nil, "Only print events matching these kind patterns (e.g. task.*)")
}

// eventPrinter writes events as JSON lines.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) Name() string { return "stdout" }

func (p *eventPrinter) HandleEvent(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(ev)
}

func runWatch(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	m := metrics.New()
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Address, m, logger)
		if _, err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	printer := newEventPrinter(out)
	build := func(cfg *config.Config) *eventstream.Orchestrator {
		o := eventstream.New(eventstream.Options{
			Config:  cfg,
			Logger:  logger,
			Metrics: m,
		})
		o.RegisterHandlerFor(watchKinds, printer)
		o.OnStateChange(func(from, to connection.State, err error) {
			if to == connection.Failed {
				logger.Error("Event stream failed; waiting for a config change or restart", zap.Error(err))
			}
		})
		return o
	}

	reloads := make(chan *config.Config, 1)
	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, flagOverrides(), func(next *config.Config, err error) {
				if err != nil {
					logger.Warn("Ignoring invalid config change", zap.Error(err))
					return
				}
				// Replace a reload that was not picked up yet.
				select {
				case <-reloads:
				default:
				}
				select {
				case reloads <- next:
				default:
				}
			})
			if err != nil && ctx.Err() == nil {
				logger.Warn("Config watch stopped", zap.Error(err))
			}
		}()
	}

	o := build(cfg)
	if err := o.Start(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			o.Stop()
			return nil
		case next := <-reloads:
			logger.Info("Config changed, restarting event stream", zap.String("endpoint", next.Endpoint))
			o.Stop()
			o = build(next)
			if err := o.Start(ctx); err != nil {
				return err
			}
		}
	}
}
