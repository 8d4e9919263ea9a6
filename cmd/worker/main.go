// The worker binary self-polls instead of waiting for cron triggers: it
// runs both engines on an interval, heartbeating so stalled workers show up
// in the worker table. Deploy either this or an external cron hitting the
// server's trigger endpoints, not both.
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
	mainLog := logger.With("worker")

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

	dispatcher := worker.NewDispatcher(st, resolver, renderer, sender,
		distlock.New(redisClient, db, "campaign-dispatch", 10*time.Minute),
		cfg.Delivery.FromEmail, cfg.Delivery.FromName)
	sequences := worker.NewSequenceRunner(st, resolver, renderer, sender,
		distlock.New(redisClient, db, "sequence-dispatch", 10*time.Minute),
		cfg.Delivery.FromEmail, cfg.Delivery.FromName, cfg.Dispatch.ScheduleMode)

	poller := worker.NewPoller(dispatcher, sequences, st,
		time.Duration(cfg.Dispatch.PollIntervalSecs)*time.Second)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	poller.Start(runCtx)
	mainLog.Info("dispatch worker started", "provider", provider.Name())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	mainLog.Info("shutting down", "signal", s.String())

	runCancel()
	poller.Stop()
}
