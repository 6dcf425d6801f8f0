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

	"learnhub/config"
	"learnhub/internal/app"
	"learnhub/internal/database"
	"learnhub/internal/middleware"
	"learnhub/internal/router"
)

func main() {
	cfg := config.Load()
	log := app.Logger(cfg.Log, os.Stderr)
	slog.SetDefault(log)

	db, err := database.NewDB(&cfg.Database)
	if err != nil {
		log.Error("database", slog.Any("err", err))
		os.Exit(1)
	}
	if err := database.AutoMigrate(db); err != nil {
		log.Error("migrate", slog.Any("err", err))
		os.Exit(1)
	}

	a := app.New(cfg, db, log)
	defer a.Close()

	var limiter middleware.Limiter
	if cfg.Redis.URL != "" {
		client, err := middleware.NewRedisClient(context.Background(), cfg.Redis.URL)
		if err != nil {
			log.Warn("redis unavailable, using in-memory rate limiter", slog.Any("err", err))
		} else {
			defer client.Close()
			limiter = middleware.NewRedisRateLimiter(client, cfg.Server.RateLimit, cfg.Server.RateWindow)
		}
	}
	if limiter == nil {
		mem := middleware.NewInMemoryRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow)
		defer mem.Stop()
		limiter = mem
	}

	if cfg.Jobs.Enabled {
		if err := a.Sweeper.Start(); err != nil {
			log.Error("sweeper", slog.Any("err", err))
			os.Exit(1)
		}
		defer a.Sweeper.Stop()
	}

	engine := router.Setup(a, limiter)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Info("server listening", slog.String("addr", srv.Addr), slog.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", slog.Any("err", err))
			os.Exit(1)
		}
	}()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
	log.Info("server stopped")
}
