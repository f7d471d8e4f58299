// Command worker consumes transcode jobs from a shared queue and writes
// HLS renditions to object storage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vodpipe/internal/app"
	"vodpipe/internal/config"
	"vodpipe/internal/errs"
	"vodpipe/internal/observability/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "worker:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, out io.Writer) error {
	cfg, err := config.Load("worker", args, getenv)
	if err != nil {
		return err
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: out})

	if err := checkShared(cfg); err != nil {
		logger.Error("invalid worker configuration", "error", err)
		return err
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise", "error", err)
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("failed to release clients", "error", err)
		}
	}()

	processor, err := a.Processor()
	if err != nil {
		logger.Error("failed to initialise worker", "error", err)
		return err
	}
	processor.Start()
	logger.Info("worker started", "slots", cfg.Worker.Slots, "queue", cfg.Queue.Driver, "storage", cfg.Storage.Backend)

	select {
	case <-ctx.Done():
	case <-processor.Done():
	}
	logger.Info("worker stopping", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker did not drain", "error", err)
	}
	if err := processor.Err(); err != nil {
		logger.Error("worker stopped with error", "error", err)
		return err
	}
	logger.Info("worker stopped")
	return nil
}

// checkShared rejects backends that only live inside one process; a
// standalone worker would never see the API's jobs or videos.
func checkShared(cfg config.Config) error {
	if cfg.Queue.Driver == config.QueueMemory {
		return errs.New(errs.FatalConfig, "standalone worker requires a redis or asynq queue; use the server's -embedded-worker for the memory queue")
	}
	if cfg.Store.Driver == config.StoreMemory {
		return errs.New(errs.FatalConfig, "standalone worker requires the postgres store")
	}
	return nil
}
