package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"thrilha/activity"
	"thrilha/billing"
	"thrilha/changefeed"
	"thrilha/config"
	"thrilha/logging"
	"thrilha/reminders"
	"thrilha/search"
	"thrilha/storage"
)

type Config struct {
	Logging   config.Logging
	Database  config.Database
	Redis     config.Redis
	Azure     config.Azure
	Kafka     config.Kafka
	Reminders config.Reminders
	Stripe    config.Stripe
	Elastic   config.Elastic

	BillingPollInterval time.Duration `env:"BILLING_POLL_INTERVAL" env-default:"1s"`
	BillingVisibility   time.Duration `env:"BILLING_VISIBILITY_TIMEOUT" env-default:"30s"`
	ProjectionTimeout   time.Duration `env:"PROJECTION_TIMEOUT" env-default:"10s"`
}

func main() {
	var cfg Config
	config.MustLoad(&cfg)

	logger := logging.Setup("worker", cfg.Logging)
	defer logging.Flush()
	logger.Info("worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer store.Close()
	store.SetMaxOpenConns(cfg.Database.MaxOpenConns)

	rc, err := config.NewRedisClient(cfg.Redis.ConnectionString)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rc.Close()

	publisher := changefeed.NewPublisher(rc, cfg.Redis.ChangesStream, cfg.Redis.ChangesChannel, cfg.Redis.ChangesMaxLen)
	plans := storage.NewPlanCache(store, rc, cfg.Redis.PlanCacheTTL)

	queue, err := billing.NewQueue(cfg.Azure.ConnectionString, cfg.Azure.BillingQueue)
	if err != nil {
		logger.Fatalf("billing queue: %v", err)
	}
	consumer := &billing.Consumer{
		Queue:        queue,
		Mirror:       billing.NewMirror(store, plans, publisher, cfg.Stripe.ProPriceID, logger),
		Logger:       logger,
		PollInterval: cfg.BillingPollInterval,
		Visibility:   cfg.BillingVisibility,
	}

	writer := reminders.NewWriter(cfg.Kafka)
	defer writer.Close()
	scheduler, err := reminders.NewScheduler(store, writer, rc, cfg.Reminders, logger)
	if err != nil {
		logger.Fatalf("reminders: %v", err)
	}

	feed, err := activity.New(cfg.Azure.ConnectionString, cfg.Azure.ActivityTable)
	if err != nil {
		logger.Fatalf("activity: %v", err)
	}
	index, err := search.New(cfg.Elastic.Addresses, cfg.Elastic.Index, logger)
	if err != nil {
		logger.Fatalf("search: %v", err)
	}
	if err := index.EnsureIndex(ctx); err != nil {
		logger.WithError(err).Warn("search index unavailable; continuing")
	}
	proj := &projector{
		activity: feed,
		index:    index,
		tasks:    store,
		timeout:  cfg.ProjectionTimeout,
		logger:   logger,
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("worker", name).Info("started")
			fn(ctx)
			logger.WithField("worker", name).Info("stopped")
		}()
	}
	run("billing", consumer.Run)
	run("reminders", scheduler.Run)
	run("projector", func(ctx context.Context) {
		changefeed.Subscribe(ctx, logger, rc, cfg.Redis.ChangesChannel, proj.handle)
	})

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
}
