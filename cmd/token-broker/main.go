// Command token-broker issues short-lived realtime transcription tokens to
// authenticated app sessions.
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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"carenote/internal/config"
	"carenote/internal/logging"
	"carenote/internal/metrics"
	"carenote/internal/tokenbroker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closer := logging.New(cfg.Logging)
	defer closer.Close()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	appMetrics := metrics.New()
	broker := tokenbroker.NewServer(tokenbroker.Config{
		UpstreamURL: cfg.Broker.UpstreamURL,
		APIKey:      cfg.Broker.APIKey,
		JWTSecret:   cfg.Broker.JWTSecret,
		TokenTTL:    cfg.Broker.TokenTTL(),
	}, appMetrics, appMetrics.Handler(), logger)

	if cfg.Broker.APIKey == "" {
		logger.Warn("no upstream API key configured, token requests will return 503")
	}
	if cfg.Broker.JWTSecret == "" {
		logger.Warn("session token verification disabled")
	}

	srv := &http.Server{
		Addr:              cfg.Broker.Address,
		Handler:           broker.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("token broker listening", slog.String("address", cfg.Broker.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("token broker failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error stopping token broker", slog.String("error", err.Error()))
	}
}
