package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"card-relay/internal/config"
	"card-relay/internal/history"
	"card-relay/internal/observability"
	"card-relay/internal/server"
)

func gracefulShutdown(logger *zap.Logger, relayServer *server.Server, httpServer *http.Server, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	logger.Info("shutdown signal received, press Ctrl+C again to force")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := relayServer.Shutdown(ctx); err != nil {
		logger.Warn("relay shutdown", zap.Error(err))
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http server forced to shutdown", zap.Error(err))
	}

	done <- true
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	var store server.HistoryStore
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		recorder, err := history.Open(ctx, cfg.DatabaseURL, logger)
		cancel()
		if err != nil {
			return fmt.Errorf("opening room history: %w", err)
		}
		defer recorder.Close()
		store = recorder
		logger.Info("room history enabled")
	}

	relayServer, httpServer := server.NewServer(cfg, logger, store)

	done := make(chan bool, 1)
	go gracefulShutdown(logger, relayServer, httpServer, done)

	logger.Info("relay listening",
		zap.String("addr", httpServer.Addr),
		zap.Bool("tls", cfg.TLS.Enabled),
		zap.Duration("joinSyncDelay", cfg.JoinSyncDelay),
	)

	var serveErr error
	if cfg.TLS.Enabled {
		cert, err := tls.X509KeyPair([]byte(cfg.TLS.CertPEM), []byte(cfg.TLS.KeyPEM))
		if err != nil {
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		httpServer.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		serveErr = httpServer.ListenAndServeTLS("", "")
	} else {
		serveErr = httpServer.ListenAndServe()
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", serveErr)
	}

	<-done
	logger.Info("graceful shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
