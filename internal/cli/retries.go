package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/custody/internal/retry"
)

// NewProcessRetriesCommand runs one retry sweep.
func NewProcessRetriesCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process-retries",
		Short: "Run one sweep of due retryable transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRetries(cmd, opts, func(admin RetryAdmin, _ int) error {
				summary, err := admin.ProcessPending(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, summary, func(w io.Writer) {
					fmt.Fprintf(w, "processed=%d succeeded=%d failed=%d requeued=%d\n",
						summary.Processed, summary.Succeeded, summary.Failed, summary.Requeued)
				})
			})
		},
	}
}

// NewCleanupRetriesCommand deletes old terminal rows.
func NewCleanupRetriesCommand(opts *RootOptions) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup-retries",
		Short: "Delete succeeded and failed_terminal rows past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRetries(cmd, opts, func(admin RetryAdmin, retentionDays int) error {
				if !cmd.Flags().Changed("older-than-days") {
					days = retentionDays
				}
				if days <= 0 {
					return fmt.Errorf("--older-than-days must be positive")
				}
				n, err := admin.Cleanup(cmd.Context(), days)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, map[string]interface{}{"deleted": n, "olderThanDays": days}, func(w io.Writer) {
					fmt.Fprintf(w, "deleted %d terminal rows older than %d days\n", n, days)
				})
			})
		},
	}
	cmd.Flags().IntVar(&days, "older-than-days", retry.DefaultRetentionDays, "retention in days (defaults to RETRY_RETENTION_DAYS)")
	return cmd
}

// NewRetryStatsCommand prints counts per status.
func NewRetryStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-stats",
		Short: "Show retryable transaction counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRetries(cmd, opts, func(admin RetryAdmin, _ int) error {
				stats, err := admin.Statistics(cmd.Context())
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), opts.Format, stats, func(w io.Writer) {
					for _, s := range []retry.Status{
						retry.StatusQueued, retry.StatusInProgress, retry.StatusSucceeded,
						retry.StatusFailedRetryable, retry.StatusFailedTerminal,
					} {
						fmt.Fprintf(w, "%-17s %d\n", s, stats[s])
					}
				})
			})
		},
	}
}
