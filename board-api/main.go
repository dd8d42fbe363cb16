package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"thrilha/activity"
	"thrilha/auth"
	"thrilha/billing"
	"thrilha/blobstore"
	"thrilha/board-api/api"
	"thrilha/board-api/service"
	"thrilha/changefeed"
	"thrilha/config"
	"thrilha/domain"
	"thrilha/logging"
	"thrilha/search"
	"thrilha/storage"
)

type Config struct {
	Port      string `env:"FUNCTIONS_CUSTOMHANDLER_PORT" env-default:"8080"`
	Logging   config.Logging
	Database  config.Database
	Redis     config.Redis
	Azure     config.Azure
	Auth      config.Auth
	Stripe    config.Stripe
	Plans     config.Plans
	Elastic   config.Elastic
	Dispatch  config.Dispatch
	RateLimit config.RateLimit
}

func planTable(p config.Plans) domain.PlanTable {
	return domain.PlanTable{
		domain.PlanFree: {MaxBoards: p.FreeMaxBoards, MaxTasksPerBoard: p.FreeMaxTasksPerBoard},
		domain.PlanPro:  {MaxBoards: p.ProMaxBoards, MaxTasksPerBoard: p.ProMaxTasksPerBoard},
	}
}

func main() {
	var cfg Config
	config.MustLoad(&cfg)

	logger := logging.Setup("board-api", cfg.Logging)
	defer logging.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := logging.SetupTracing(ctx, "board-api", cfg.Logging)
	if err != nil {
		logger.Fatalf("tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

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

	blobs, err := blobstore.New(cfg.Azure.ConnectionString, cfg.Azure.BlobContainer, cfg.Azure.BlobPublicURL)
	if err != nil {
		logger.Fatalf("blobstore: %v", err)
	}
	feed, err := activity.New(cfg.Azure.ConnectionString, cfg.Azure.ActivityTable)
	if err != nil {
		logger.Fatalf("activity: %v", err)
	}
	index, err := search.New(cfg.Elastic.Addresses, cfg.Elastic.Index, logger)
	if err != nil {
		logger.Fatalf("search: %v", err)
	}
	queue, err := billing.NewQueue(cfg.Azure.ConnectionString, cfg.Azure.BillingQueue)
	if err != nil {
		logger.Fatalf("billing queue: %v", err)
	}
	payments := billing.NewPayments(cfg.Stripe)

	plans := storage.NewPlanCache(store, rc, cfg.Redis.PlanCacheTTL)
	publisher := changefeed.NewPublisher(rc, cfg.Redis.ChangesStream, cfg.Redis.ChangesChannel, cfg.Redis.ChangesMaxLen)
	dispatcher := api.NewChangeDispatcher(publisher, cfg.Dispatch, logger)
	defer dispatcher.Close()

	svc := service.New(service.Deps{
		Store:    store,
		Plans:    plans,
		Limits:   planTable(cfg.Plans),
		Blobs:    blobs,
		Changes:  dispatcher,
		Activity: feed,
		Search:   index,
		Payments: payments,
		Logger:   logger,
	})

	authn, err := auth.FromConfig(cfg.Auth)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	var webhook *api.Webhook
	if cfg.Stripe.WebhookSecret != "" {
		webhook = &api.Webhook{Verifier: payments, Queue: queue}
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; billing webhooks disabled")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddleware("board_api"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.Deps{
		Service: svc,
		Auth:    authn,
		Deduper: api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL),
		Limiter: api.NewRateLimiter(rc, cfg.RateLimit, logger),
		Webhook: webhook,
		Health: map[string]api.HealthCheck{
			"database": store.Ping,
			"redis":    func(ctx context.Context) error { return rc.Ping(ctx).Err() },
		},
		Logger: logger,
	})

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown")
	}
}
