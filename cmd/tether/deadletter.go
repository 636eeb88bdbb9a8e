package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/jg-phare/tether/pkg/deadletter"
	"github.com/jg-phare/tether/pkg/events"
)

var (
	deadLetterFile string
	deadLetterJSON bool
	deadLetterKind string
)

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "List events dropped to the dead-letter file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := deadLetterFile
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.DeadLetter.Path
		}
		if path == "" {
			return errors.New("no dead-letter file: set --file or dead_letter.path")
		}

		records, skipped, err := deadletter.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read dead letters: %w", err)
		}
		if skipped > 0 {
			fmt.Fprintf(os.Stderr, "warning: skipped %d unreadable lines\n", skipped)
		}
		records = filterRecords(records, deadLetterKind)

		if deadLetterJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		printRecords(os.Stdout, records)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deadLetterCmd)
	deadLetterCmd.Flags().StringVar(&deadLetterFile, "file", "", "Dead-letter file (default: dead_letter.path from config)")
	deadLetterCmd.Flags().BoolVar(&deadLetterJSON, "json", false, "Output as JSON")
	deadLetterCmd.Flags().StringVar(&deadLetterKind, "kind", "", "Only show events matching this kind pattern")
}

func filterRecords(records []deadletter.Record, pattern string) []deadletter.Record {
	if pattern == "" {
		return records
	}
	var out []deadletter.Record
	for _, r := range records {
		if events.MatchKind(pattern, r.Kind) {
			out = append(out, r)
		}
	}
	return out
}

func printRecords(w io.Writer, records []deadletter.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No dead letters.")
		return
	}

	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Reason]++
	}
	reasons := make([]string, 0, len(counts))
	for reason := range counts {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	fmt.Fprintf(w, "\n=== Dead letters (%d) ===\n", len(records))
	for _, reason := range reasons {
		fmt.Fprintf(w, "  %-12s %d\n", reason, counts[reason])
	}
	fmt.Fprintln(w)
	for _, r := range records {
		fmt.Fprintf(w, "%s  %-20s %-12s attempts=%d  id=%s",
			r.DroppedAt.Format(time.RFC3339), r.Kind, r.Reason, r.Attempts, r.EventID)
		if r.LastError != "" {
			fmt.Fprintf(w, "  error=%q", r.LastError)
		}
		fmt.Fprintln(w)
	}
}
