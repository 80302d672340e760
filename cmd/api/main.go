package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"

	"fieldflow/internal/app"
	"fieldflow/internal/config"
	"fieldflow/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, closeApp, err := app.Open(ctx, cfg, logger)
	if err != nil {
		level.Error(logger).Log("msg", "startup failed", "err", err)
		os.Exit(1)
	}
	defer closeApp()

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           a.Server().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	level.Info(logger).Log("msg", "api listening", "addr", httpServer.Addr, "store", cfg.StoreDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
