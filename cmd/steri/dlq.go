package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rohankatakam/sterisafe/internal/config"
	"github.com/rohankatakam/sterisafe/internal/dlq"
	"github.com/spf13/cobra"
)

var (
	dlqOlderThan time.Duration
	dlqLimit     int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay events the bus refused",
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Republish parked events",
	RunE:  runDLQReplay,
}

var dlqStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dead-letter queue statistics and recent entries",
	RunE:  runDLQStats,
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete parked events older than the retention period",
	RunE:  runDLQPurge,
}

func init() {
	dlqStatsCmd.Flags().IntVar(&dlqLimit, "limit", 10, "Number of recent entries to show")
	dlqPurgeCmd.Flags().DurationVar(&dlqOlderThan, "older-than", 0, "Age cutoff (default: dlq.retention)")

	dlqCmd.AddCommand(dlqReplayCmd)
	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqPurgeCmd)
}

func runDLQReplay(cmd *cobra.Command, args []string) error {
	return withApp(config.ValidationContextWatch, func(ctx context.Context, a *app) error {
		result, err := a.queue.Replay(ctx, a.bus, a.cfg.DLQ.MaxRetries)
		if err != nil {
			return err
		}
		return render(os.Stdout, outputFormat, result, func(w io.Writer) {
			fmt.Fprintf(w, "Attempted\t%d\nDelivered\t%d\nFailed\t%d\n", result.Attempted, result.Delivered, result.Failed)
		})
	})
}

func runDLQStats(cmd *cobra.Command, args []string) error {
	return withApp(config.ValidationContextWatch, func(ctx context.Context, a *app) error {
		var stats *dlq.Stats
		var recent []dlq.Entry
		err := a.do(ctx, func(ctx context.Context) error {
			var err error
			if stats, err = a.queue.Stats(ctx, a.cfg.DLQ.MaxRetries); err != nil {
				return err
			}
			recent, err = a.queue.Recent(ctx, dlqLimit)
			return err
		})
		if err != nil {
			return err
		}

		view := struct {
			Stats  *dlq.Stats  `json:"stats"`
			Recent []dlq.Entry `json:"recent"`
		}{stats, recent}
		return render(os.Stdout, outputFormat, view, func(w io.Writer) {
			fmt.Fprintf(w, "Total\t%d\nRetryable\t%d\nExhausted\t%d\n", stats.TotalEntries, stats.RetryableEntries, stats.ExhaustedRetries)
			if len(recent) == 0 {
				return
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "ID\tTOPIC\tKEY\tRETRIES\tCREATED\tERROR")
			for _, e := range recent {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					e.ID, e.Topic, e.Key, e.RetryCount, e.CreatedAt.Format("2006-01-02 15:04"), e.ErrorMessage)
			}
		})
	})
}

func runDLQPurge(cmd *cobra.Command, args []string) error {
	olderThan := dlqOlderThan
	if olderThan <= 0 {
		olderThan = cfg.DLQ.Retention
	}
	return withApp(config.ValidationContextWatch, func(ctx context.Context, a *app) error {
		n, err := a.queue.PurgeOld(ctx, olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Purged %d entries older than %s\n", n, olderThan)
		return nil
	})
}
