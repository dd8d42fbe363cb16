package main

import (
	"context"
	"os/signal"
	"syscall"

	"thrilha/config"
	"thrilha/logging"
	"thrilha/notify"
)

type Config struct {
	Logging config.Logging
	Kafka   config.Kafka
	Notify  config.Notify
}

func main() {
	var cfg Config
	config.MustLoad(&cfg)

	logger := logging.Setup("notifier", cfg.Logging)
	defer logging.Flush()
	logger.Info("notifier starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	senders, err := notify.NewSenders(cfg.Notify, logger)
	if err != nil {
		logger.Fatalf("senders: %v", err)
	}
	dispatcher := notify.NewDispatcher(senders, cfg.Notify.AppURL, logger)
	consumer := notify.NewConsumer(notify.NewReader(cfg.Kafka, logger), dispatcher, logger)
	if err := consumer.Run(ctx); err != nil {
		logger.WithError(err).Error("consumer stopped")
	}
	logger.Info("notifier stopped")
}
