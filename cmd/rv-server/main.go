package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"resumevault/pkg/app"
	"resumevault/pkg/config"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default is $HOME/.rv/config.yaml)")
	flag.Parse()

	if err := config.Load(*cfgFile); err != nil {
		log.Fatalf("config error: %v", err)
	}
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	slog.SetDefault(logger)

	// SIGINT/SIGTERM 取消 ctx，HTTP 和 gRPC 一起优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize app", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		logger.Error("server stopped with error", "error", err)
		_ = application.Close()
		os.Exit(1)
	}
	logger.Info("server stopped")
}
