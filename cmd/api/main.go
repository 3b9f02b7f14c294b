package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"policygov/internal/auth"
	"policygov/internal/boundary"
	"policygov/internal/config"
	"policygov/internal/events"
	"policygov/internal/governance"
	"policygov/internal/httpapi"
	"policygov/pkg/logger"
	"policygov/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "policygov-api")
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	tiers, err := boundary.LoadTierTable(cfg.Governance.TiersFile)
	if err != nil {
		log.Error("tier table load failed", "err", err, "path", cfg.Governance.TiersFile)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	store := governance.NewPGStore(db).WithLockTimeout(5 * time.Second)
	validator := boundary.NewValidator(boundary.NewCache(store, tiers, cfg.Governance.BoundaryCacheTTL))

	emitter, err := events.NewEmitter(cfg.Events.QueueSize, log, nil)
	if err != nil {
		log.Error("event sink init failed", "err", err)
		os.Exit(1)
	}
	sinkCtx, stopSink := context.WithCancel(context.Background())
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		emitter.Run(sinkCtx)
	}()

	svc := governance.NewService(store, validator).WithEmitter(emitter)

	if addr := cfg.RedisAddr(); addr != "" {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: addr})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		svc.WithGuard(governance.NewRedisGuard(rdb, 0))
		log.Info("submission guard", "backend", "redis")
	} else {
		log.Info("submission guard", "backend", "local")
	}

	limiter := httpapi.NewCallerLimiter(cfg.Governance.RateLimitRPS, cfg.Governance.RateLimitBurst)
	go limiter.Run(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Governance: svc,
		Auth:       authManager,
		Cron: httpapi.CronSecrets{
			CronSecret:    cfg.Governance.CronSecret,
			AdminPassword: cfg.Governance.AdminPassword,
		},
	}, auth.RequireAccessToken(authManager), limiter, db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Drain events committed before shutdown.
	stopSink()
	select {
	case <-sinkDone:
	case <-shutdownCtx.Done():
		log.Warn("event sink did not drain before deadline", "dropped", emitter.Dropped())
	}
}
