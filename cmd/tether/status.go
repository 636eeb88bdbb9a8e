package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jg-phare/tether/pkg/connection"
	"github.com/jg-phare/tether/pkg/eventstream"
)

var (
	statusFormat string
	statusWait   time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect once and print connection stats",
	Long: `Status starts the event stream, waits until it connects, fails or --wait
elapses, prints a ConnectionStats snapshot and exits. The exit code is
non-zero unless the stream was connected.`,
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

		o := eventstream.New(eventstream.Options{Config: cfg, Logger: logger})
		settled := make(chan struct{}, 1)
		o.OnStateChange(func(_, to connection.State, _ error) {
			if to == connection.Connected || to == connection.Failed {
				select {
				case settled <- struct{}{}:
				default:
				}
			}
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), statusWait)
		defer cancel()
		if err := o.Start(ctx); err != nil {
			return err
		}
		select {
		case <-settled:
		case <-ctx.Done():
		}
		stats := o.GetStats()
		o.Stop()

		if err := writeStats(os.Stdout, stats, statusFormat); err != nil {
			return err
		}
		if stats.State != connection.Connected {
			return fmt.Errorf("not connected to %s", stats.Endpoint)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusFormat, "format", "text", "Output format: text, json or yaml")
	statusCmd.Flags().DurationVar(&statusWait, "wait", 5*time.Second, "How long to wait for a connection")
}

func writeStats(w io.Writer, stats eventstream.ConnectionStats, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(stats); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		fmt.Fprintf(w, "Endpoint:       %s\n", stats.Endpoint)
		fmt.Fprintf(w, "State:          %s\n", stats.State)
		if stats.ConnectionID != "" {
			fmt.Fprintf(w, "Connection ID:  %s\n", stats.ConnectionID)
		}
		fmt.Fprintf(w, "Healthy:        %t\n", stats.IsHealthy)
		fmt.Fprintf(w, "Retry count:    %d\n", stats.RetryCount)
		if !stats.LastHeartbeat.IsZero() {
			fmt.Fprintf(w, "Last heartbeat: %s\n", stats.LastHeartbeat.Format(time.RFC3339))
		}
		fmt.Fprintf(w, "Queue:          %d/%d\n", stats.QueueLength, stats.QueueCapacity)
		fmt.Fprintf(w, "Dispatched:     %d (retried %d, dropped %d)\n",
			stats.Queue.Dispatched,
			stats.Queue.Retried,
			stats.Queue.DroppedOverflow+stats.Queue.DroppedRetries+stats.Queue.DroppedShutdown,
		)
		if stats.LastError != "" {
			fmt.Fprintf(w, "Last error:     %s\n", stats.LastError)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
	}
}
