package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/basit/qrshare-backend/auth"
	"github.com/basit/qrshare-backend/auth/middleware"
	"github.com/basit/qrshare-backend/backoff"
	"github.com/basit/qrshare-backend/config"
	"github.com/basit/qrshare-backend/handlers"
	"github.com/basit/qrshare-backend/health"
	"github.com/basit/qrshare-backend/initializers"
	"github.com/basit/qrshare-backend/jobs"
	"github.com/basit/qrshare-backend/routes"
	"github.com/basit/qrshare-backend/services"
	"github.com/basit/qrshare-backend/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := initializers.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, err := initializers.ConnectToDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	blobs, err := initializers.NewBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	st := store.New(db, cfg.DBTimeout)
	ledger := services.NewLedger(st, cfg.HistoryLimit, log)

	policy := services.NewUploadPolicy(cfg.MaxUploadBytes, cfg.MaxChunks, cfg.AllowedTypes)
	policy.Retention = cfg.FileRetention
	uploads := services.NewCoordinator(st, blobs, ledger, policy, log)

	tokens := auth.NewDownloadTokens(cfg.JWTSecret, cfg.DownloadTokenTTL)
	gateway := services.NewGateway(st, blobs, tokens, log)

	monitor := health.NewMonitor(log, cfg.DBTimeout,
		health.Retrying(st, backoff.Default),
		health.Retrying(health.Func("blob-store", blobs.Ping), backoff.Default),
	)

	h := handlers.New(handlers.Deps{
		Uploads:      uploads,
		Ledger:       ledger,
		Gateway:      gateway,
		Publisher:    services.Publisher{BaseURL: cfg.BaseURL},
		Health:       monitor,
		Log:          log,
		RecentLimit:  cfg.RecentLimit,
		PollInterval: cfg.PollInterval,
		Production:   cfg.Production(),
	})

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	router := gin.New()
	router.MaxMultipartMemory = 32 << 20
	router.Use(
		gin.Recovery(),
		middleware.RequestLogger(log),
		cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Device-Id", "X-File-Password"},
			ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
		limiter.Middleware(),
		middleware.Device(services.HeaderIdentity{Header: "Device-Id"}),
	)

	routes.RegisterFileRoutes(router, h)
	routes.RegisterSystemRoutes(router, h)

	go limiter.Sweep(ctx, time.Minute)
	go jobs.NewCleaner(uploads, gateway, cfg.ChunkTTL, log).Start(ctx, cfg.CleanupInterval)
	go monitor.Run(ctx, time.Minute)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.UploadTimeout,
		WriteTimeout:      cfg.UploadTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", srv.Addr, "storage", cfg.StorageDriver, "db", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
