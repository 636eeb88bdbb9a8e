// Command tether connects to an event backend and streams, inspects or
// diagnoses its events.
//
// Usage:
//
//	# Stream decoded events as JSON lines, reloading on config edits
//	tether watch --config tether.yaml
//
//	# One-shot connection check
//	tether status --endpoint ws://localhost:5747 --format yaml
//
//	# Inspect events dropped after exhausting retries
//	tether deadletter --file ~/.tether/dead.jsonl
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jg-phare/tether/pkg/config"
	"github.com/jg-phare/tether/pkg/logging"
)

var (
	configPath string
	endpoint   string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Resilient client for a local event backend",
	Long: `Tether keeps one connection to an event backend alive, retrying with
backoff and watching heartbeats, and delivers decoded events to local
handlers through a bounded queue.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Backend endpoint (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config file and environment with flags layered on top.
func loadConfig() (*config.Config, error) {
	return config.LoadWithOverrides(configPath, flagOverrides())
}

// flagOverrides maps the flags that were set to config keys.
func flagOverrides() map[string]any {
	overrides := make(map[string]any)
	if endpoint != "" {
		overrides["endpoint"] = endpoint
	}
	if logLevel != "" {
		overrides["logging.level"] = logLevel
	}
	if logFormat != "" {
		overrides["logging.format"] = logFormat
	}
	if metricsAddr != "" {
		overrides["metrics.enabled"] = true
		overrides["metrics.address"] = metricsAddr
	}
	return overrides
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Logging)
}
