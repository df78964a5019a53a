// Package main запускает HTTP-сервер эскроу-сервиса.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/escrow-system/internal/config"
	"github.com/mmeshcher/escrow-system/internal/gateway"
	"github.com/mmeshcher/escrow-system/internal/handler"
	"github.com/mmeshcher/escrow-system/internal/middleware"
	"github.com/mmeshcher/escrow-system/internal/notify"
	"github.com/mmeshcher/escrow-system/internal/repository"
	"github.com/mmeshcher/escrow-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	gatewayClient := gateway.NewClient(cfg.GatewayAddress)
	notifier := notify.NewEmitter(cfg.NotifyAddress, logger)

	svc := service.NewService(repo, gatewayClient, notifier, logger, service.Options{
		FeePercent:    cfg.FeePercent,
		AcceptGrace:   cfg.AcceptGrace,
		SweepInterval: cfg.SweepInterval,
	})

	authMiddleware := middleware.NewAuthMiddleware("escrow-secret")
	h := handler.NewHandler(svc, logger, authMiddleware, cfg.WebhookSecret, cfg.SweepToken)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой плановой сверки
	g.Go(func() error {
		svc.StartSweep(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting escrow server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
