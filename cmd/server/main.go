// The server binary exposes the dispatch engine over HTTP: cron trigger
// endpoints, one-click unsubscribe, and health.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/embermail/dispatch/internal/api"
	"github.com/embermail/dispatch/internal/audience"
	"github.com/embermail/dispatch/internal/config"
	"github.com/embermail/dispatch/internal/delivery"
	"github.com/embermail/dispatch/internal/pkg/distlock"
	"github.com/embermail/dispatch/internal/pkg/logger"
	"github.com/embermail/dispatch/internal/render"
	"github.com/embermail/dispatch/internal/store"
	"github.com/embermail/dispatch/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		logger.SetLevel(logger.ParseLevel(lvl))
	}
	mainLog := logger.With("server")

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("ping database: %v", err)
	}
	cancel()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	st := store.New(db)
	resolver := audience.NewResolver(st)
	renderer := render.New(cfg.Dispatch.UnsubscribeBaseURL, cfg.Dispatch.SigningKey, cfg.Delivery.FromEmail)
	provider := delivery.NewProvider(cfg.Delivery)
	sender := worker.NewBatchSender(provider, cfg.Dispatch.BatchSize, time.Duration(cfg.Dispatch.BatchDelaySeconds)*time.Second)

	campaignLock := distlock.New(redisClient, db, "campaign-dispatch", 10*time.Minute)
	sequenceLock := distlock.New(redisClient, db, "sequence-dispatch", 10*time.Minute)

	dispatcher := worker.NewDispatcher(st, resolver, renderer, sender, campaignLock,
		cfg.Delivery.FromEmail, cfg.Delivery.FromName)
	sequences := worker.NewSequenceRunner(st, resolver, renderer, sender, sequenceLock,
		cfg.Delivery.FromEmail, cfg.Delivery.FromName, cfg.Dispatch.ScheduleMode)

	handlers := api.NewHandlers(
		func(ctx context.Context) (interface{}, error) { return dispatcher.Run(ctx) },
		func(ctx context.Context) (interface{}, error) { return sequences.Run(ctx) },
		st, renderer, cfg.Cron.Secret,
	)
	server := api.NewServer(cfg.Server, handlers)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	mainLog.Info("dispatch server started", "addr", server.Addr(), "provider", provider.Name())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server exited: %v", err)
	case s := <-sig:
		mainLog.Info("shutting down", "signal", s.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		mainLog.Error("shutdown failed", "error", err)
	}
}
