package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/park285/chess-overlay/internal/builder"
	appcfg "github.com/park285/chess-overlay/internal/config"
	"github.com/park285/chess-overlay/internal/obslog"
	"github.com/park285/chess-overlay/internal/pipeline"
	"go.uber.org/zap"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	deps, err := builder.New(initCtx, cfg, logger)
	initCancel()
	if err != nil {
		logger.Fatal("init error", zap.Error(err))
	}
	logger.Info("overlay starting",
		zap.String("session", deps.Session.String()),
		zap.String("listen", cfg.ListenAddr),
		zap.String("capture", cfg.CaptureFile),
	)

	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		if deps.Recorder != nil {
			deps.Recorder.Run(ctx)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- deps.Hub.Serve(ctx, cfg.ListenAddr) }()

	if cfg.AutoStart {
		if err := deps.Supervisor.Start(ctx); err != nil {
			logger.Error("pipeline start failed", zap.Error(err))
		}
	}

	// Wait for termination signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			logger.Error("remote server stopped", zap.Error(err))
		}
	}

	if err := deps.Supervisor.Stop(); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		logger.Warn("pipeline stop", zap.Error(err))
	}
	if cfg.SaveOnExit {
		if err := deps.Supervisor.SaveSettings(); err != nil {
			logger.Warn("save settings on exit", zap.Error(err))
		}
	}
	cancel()
	<-recDone
	if err := deps.Close(); err != nil {
		logger.Warn("close", zap.Error(err))
	}
}
