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
	"github.com/prometheus/client_golang/prometheus"

	"thrilha/auth"
	"thrilha/changefeed"
	"thrilha/config"
	"thrilha/domain"
	"thrilha/logging"
	"thrilha/stream-service/api"
)

type Config struct {
	Port    string `env:"STREAM_SERVICE_PORT" env-default:"9000"`
	Logging config.Logging
	Redis   config.Redis
	Auth    config.Auth
	Stream  config.Stream
}

func main() {
	var cfg Config
	config.MustLoad(&cfg)

	logger := logging.Setup("stream-service", cfg.Logging)
	defer logging.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := config.NewRedisClient(cfg.Redis.ConnectionString)
	if err != nil {
		logger.Fatalf("redis: %v", err)
	}
	defer rc.Close()

	authn, err := auth.FromConfig(cfg.Auth)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	hub := api.NewHub()
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "stream_service",
		Name:      "connections",
		Help:      "Open SSE connections.",
	}, func() float64 { return float64(hub.Connections()) }))

	go changefeed.Subscribe(ctx, logger, rc, cfg.Redis.ChangesChannel, hub.Broadcast)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Last-Event-ID"},
	}))
	e.Use(echoprometheus.NewMiddleware("stream_service"))
	e.GET("/metrics", echoprometheus.NewHandler())

	api.Register(e, api.Deps{
		Auth: authn,
		Hub:  hub,
		Replay: func(ctx context.Context, afterID, userID string, f changefeed.Filter, limit int) ([]domain.Change, error) {
			return changefeed.Replay(ctx, rc, cfg.Redis.ChangesStream, afterID, userID, f, limit)
		},
		Stream: cfg.Stream,
		Ping:   func(ctx context.Context) error { return rc.Ping(ctx).Err() },
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
