package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"chat-widget/handler"
	"chat-widget/internal/bootstrap"
	"chat-widget/internal/config"
	"chat-widget/internal/widget"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load(config.WithDefaultStore(config.StoreDynamoDB))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	// ---- Clients ----
	rt, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build runtime", "err", err)
		os.Exit(1)
	}
	host, err := widget.NewHost(rt.Deps)
	if err != nil {
		logger.Error("failed to create widget host", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(host, handler.WithAllowedOrigins(cfg.CORSOrigins...), handler.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
