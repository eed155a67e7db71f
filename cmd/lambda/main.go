package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gin-gonic/gin"

	"support-assistant/handler"
	"support-assistant/internal/app"
	"support-assistant/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.FromEnv(os.Getenv)
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != config.StoreDynamoDB {
		slog.Error("lambda entrypoint requires the dynamodb store", "store", cfg.StoreDriver)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	// ---- Wiring ----
	a, err := app.Build(ctx, cfg, logger, app.Dependencies{})
	if err != nil {
		logger.Error("failed to build application", "err", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	adapter, err := handler.NewLambdaAdapter(a.Handler)
	if err != nil {
		logger.Error("failed to create lambda adapter", "err", err)
		os.Exit(1)
	}

	lambda.Start(adapter.Handle)
}
