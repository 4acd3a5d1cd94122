package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/justchat/internal/server"
)

func main() {
	cfg := server.NewConfigFromEnv(".env.local", ".env")
	logger := server.NewLogger(cfg.LogLevel, cfg.LogJSON)

	srv, err := server.New(*cfg, server.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server shutdown failed")
	}
}
