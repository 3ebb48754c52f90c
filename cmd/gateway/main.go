package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/edgefn/funcgate/internal/config"
	"github.com/edgefn/funcgate/internal/proxy"
	"github.com/edgefn/funcgate/internal/server"
	"github.com/edgefn/funcgate/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.UpstreamURL == nil {
		log.Fatalf("upstream.url is required (set FUNCGATE_UPSTREAM__URL or config.yaml)")
	}

	shutdownTracer, err := telemetry.InitTracer("funcgate", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	gate, err := server.NewDeadlineGate(logger, server.WithSafetyBuffer(cfg.SafetyBuffer))
	if err != nil {
		log.Fatalf("Failed to build deadline gate: %v", err)
	}

	srv, err := server.New(cfg.Server.Port, logger, gate, cfg.Gate.DeadlineHeader)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	srv.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv.Router.Handle("/*", proxy.New(cfg.UpstreamURL, logger))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case sig := <-stop:
		logger.Info("signal received", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
}
