// Command conditionflow consumes resort condition reports from the configured
// queue, stores them and serves the read API until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/drblury/conditionflow"
	_ "github.com/drblury/conditionflow/store/stores"
	_ "github.com/drblury/conditionflow/transport/transports"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := conditionflow.LoadConfig()
	if err != nil {
		return err
	}

	baseLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: conditionflow.ParseLogLevel(cfg.LogLevel),
	}))
	logger := conditionflow.NewSlogServiceLogger(baseLogger)

	svc, err := conditionflow.NewService(ctx, cfg, logger, conditionflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close service", err, nil)
		}
	}()

	if err := svc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Service stopped", nil)
	return nil
}
