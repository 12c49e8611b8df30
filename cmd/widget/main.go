package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"chat-widget/internal/bootstrap"
	"chat-widget/internal/config"
	"chat-widget/internal/widget"
)

const defaultInstance = "terminal"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(config.WithDefaultStore(config.StoreFile))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	instance := defaultInstance
	if len(os.Args) > 1 {
		instance = os.Args[1]
	}

	rt, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build runtime", "err", err)
		os.Exit(1)
	}
	defer func() { _ = rt.Close() }()

	ctrl, err := widget.Build(ctx, rt.Deps, instance)
	if err != nil {
		logger.Error("failed to start widget", "instance", instance, "err", err)
		os.Exit(1)
	}

	if err := newREPL(ctrl, os.Stdin, os.Stdout).run(ctx); err != nil {
		logger.Error("terminal session ended", "err", err)
		os.Exit(1)
	}
}
