package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dhoini/Billing-reconciler/internal/app"
	"github.com/Dhoini/Billing-reconciler/internal/config"
	"github.com/Dhoini/Billing-reconciler/pkg/logger"
)

func main() {
	log := initLogger()
	log.Infow("Billing reconciler starting up...")

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalw("Failed to load configuration", "error", err)
	}

	if cfg.Stripe.Enabled && cfg.Stripe.WebhookSecret == "" {
		log.Warnw("Stripe is enabled but webhook secret is not set, its webhooks will be rejected")
	}
	if cfg.Paddle.Enabled && cfg.Paddle.WebhookSecret == "" {
		log.Warnw("Paddle is enabled but webhook secret is not set, its webhooks will be rejected")
	}
	if cfg.LemonSqueezy.Enabled && cfg.LemonSqueezy.WebhookSecret == "" {
		log.Warnw("Lemon Squeezy is enabled but webhook secret is not set, its webhooks will be rejected")
	}

	application, err := app.New(cfg, log)
	if err != nil {
		log.Fatalw("Failed to build application", "error", err)
	}
	defer application.Close()

	// Запускаем HTTP сервер в горутине
	go func() {
		if err := application.Server.Start(); err != nil {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := application.Server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server gracefully stopped")
	}

	log.Infow("Cleanup finished. Goodbye!")
}

// initLogger инициализирует новый логгер
func initLogger() *logger.Logger {
	logLevel := logger.INFO
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = logger.DEBUG
	}
	return logger.New(logLevel)
}
