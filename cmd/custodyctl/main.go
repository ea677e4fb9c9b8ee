// Command custodyctl is the operator CLI for the custody service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mbd888/custody/internal/cli"
	"github.com/mbd888/custody/internal/config"
	"github.com/mbd888/custody/internal/logging"
	"github.com/mbd888/custody/internal/server"
)

func main() {
	root := cli.NewRootCommand(openRetries)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openRetries wires the same services the server runs, so executors can
// settle escrows and splits, without starting HTTP or timers.
func openRetries(context.Context) (cli.RetryAdmin, int, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, 0, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, 0, nil, fmt.Errorf("DATABASE_URL is required: the in-memory retry queue is per process")
	}
	srv, err := server.New(cfg, server.WithLogger(logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)))
	if err != nil {
		return nil, 0, nil, err
	}
	return srv.Retries(), cfg.RetryRetentionDays, srv.Shutdown, nil
}
