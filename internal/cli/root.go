// Package cli implements custodyctl, the operator command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mbd888/custody/internal/retry"
)

// RetryAdmin is the operator surface of the retry processor.
type RetryAdmin interface {
	ProcessPending(ctx context.Context) (*retry.Summary, error)
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)
	Statistics(ctx context.Context) (retry.Stats, error)
}

// Opener builds a RetryAdmin from the environment. The returned close
// function releases database and RPC connections.
type Opener func(ctx context.Context) (RetryAdmin, int, func() error, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	Open   Opener
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. open is used by the commands
// that touch the retry queue.
func NewRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{Open: open}

	cmd := &cobra.Command{
		Use:           "custodyctl",
		Short:         "Operate the custody settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewProcessRetriesCommand(opts))
	cmd.AddCommand(NewCleanupRetriesCommand(opts))
	cmd.AddCommand(NewRetryStatsCommand(opts))
	cmd.AddCommand(NewAllocateCommand(opts))
	cmd.AddCommand(NewKeygenCommand(opts))

	return cmd
}

// emit writes v as indented JSON, or calls text for the text format.
func emit(w io.Writer, format string, v interface{}, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// withRetries opens the retry processor for the duration of fn.
func withRetries(cmd *cobra.Command, opts *RootOptions, fn func(RetryAdmin, int) error) (err error) {
	if opts.Open == nil {
		return fmt.Errorf("no retry store configured")
	}
	admin, retentionDays, closeFn, err := opts.Open(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(admin, retentionDays)
}
