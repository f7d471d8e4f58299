// Command server runs the vodpipe HTTP API: uploads, video lookup and
// signed playback manifests. With -embedded-worker, the default for the
// memory queue, it also transcodes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vodpipe/internal/app"
	"vodpipe/internal/config"
	"vodpipe/internal/errs"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/transcode"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout, nil); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

// run blocks until ctx is cancelled or the HTTP server fails. onListen, when
// set, receives the bound address.
func run(ctx context.Context, args []string, getenv func(string) string, out io.Writer, onListen func(net.Addr)) error {
	cfg, err := config.Load("server", args, getenv)
	if err != nil {
		return err
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Writer: out})

	if cfg.Queue.Driver == config.QueueMemory && !cfg.EmbeddedWorker {
		err := errs.New(errs.FatalConfig, "the memory queue is only consumed by the embedded worker; drop -embedded-worker=false or use a redis or asynq queue")
		logger.Error("invalid server configuration", "error", err)
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

	srv, err := a.Server()
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		return err
	}

	var processor *transcode.Processor
	if cfg.EmbeddedWorker {
		processor, err = a.Processor()
		if err != nil {
			logger.Error("failed to initialise embedded worker", "error", err)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, onListen)
	})
	if processor != nil {
		processor.Start()
		logger.Info("embedded worker started", "slots", cfg.Worker.Slots, "queue", cfg.Queue.Driver)
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-processor.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := processor.Shutdown(shutdownCtx); err != nil {
				logger.Warn("embedded worker did not drain", "error", err)
			}
			return processor.Err()
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}
