package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shoplens/renderscope/internal/app/migrate"
	"github.com/shoplens/renderscope/internal/blob"
	"github.com/shoplens/renderscope/internal/config"
	httpx "github.com/shoplens/renderscope/internal/http"
	"github.com/shoplens/renderscope/internal/repository/postgres"
	"github.com/shoplens/renderscope/internal/service/artifact"
	"github.com/shoplens/renderscope/internal/service/rollup"
	"github.com/shoplens/renderscope/internal/service/telemetry"
	"github.com/shoplens/renderscope/internal/ws"
	"github.com/shoplens/renderscope/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("renderscope", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	blobs, err := blob.NewS3Store(cfg)
	if err != nil {
		log.Error("failed to configure blob storage", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	eventHub := ws.NewHub()

	artifactSvc := artifact.New(blobs, repo, cfg, log)
	emitter := telemetry.NewEmitter(repo, artifactSvc, eventHub, cfg, log)
	go emitter.Run(ctx)

	rollupSvc := rollup.New(repo, log)

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, emitter, rollupSvc, artifactSvc, repo, eventHub, limiter, cfg.PipelineToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("renderscope api starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("renderscope api stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
