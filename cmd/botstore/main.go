// Package main starts the botstore HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jkirwa/botstore-system/internal/catalog"
	"github.com/jkirwa/botstore-system/internal/config"
	"github.com/jkirwa/botstore-system/internal/filestore"
	"github.com/jkirwa/botstore-system/internal/gateway/mpesa"
	"github.com/jkirwa/botstore-system/internal/gateway/nowpayments"
	"github.com/jkirwa/botstore-system/internal/handler"
	"github.com/jkirwa/botstore-system/internal/middleware"
	"github.com/jkirwa/botstore-system/internal/notify"
	"github.com/jkirwa/botstore-system/internal/repository"
	"github.com/jkirwa/botstore-system/internal/service"
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

	var rdb *redis.Client
	if cfg.RedisAddress != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()
	}
	cat := catalog.New(repo, rdb)

	var crypto service.CryptoGateway
	if cfg.NowPaymentsAddress != "" {
		crypto = nowpayments.NewClient(cfg.NowPaymentsAddress, cfg.NowPaymentsAPIKey, cfg.NowPaymentsIPNSecret)
	}

	var stk service.STKGateway
	if cfg.MpesaAddress != "" {
		stk = mpesa.NewClient(cfg.MpesaAddress, cfg.MpesaConsumerKey, cfg.MpesaConsumerSecret,
			cfg.MpesaShortcode, cfg.MpesaPasskey, cfg.MpesaCallbackURL)
	}

	var notifier service.Notifier
	if cfg.SMTPHost != "" {
		notifier = notify.NewEmailSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPFrom)
	}

	files := filestore.NewLocal(cfg.FilesDir)

	svc := service.NewService(repo, cat, crypto, stk, notifier, files, logger, cfg.DownloadTokenTTL)
	defer svc.Close()

	adminAuth := middleware.NewAdminAuth(cfg.AdminSecret)
	h := handler.NewHandler(svc, logger, adminAuth, cfg.AdminPassword)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Background polling of the crypto gateway for unsettled orders.
	g.Go(func() error {
		svc.StartStatusSweeps(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting botstore server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown on signal or on a failure in another goroutine.
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
