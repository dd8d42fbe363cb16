package main

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"thrilha/activity"
	"thrilha/billing"
	"thrilha/blobstore"
	"thrilha/config"
	"thrilha/logging"
	"thrilha/search"
	"thrilha/storage"
)

type Config struct {
	Logging  config.Logging
	Database config.Database
	Azure    config.Azure
	Elastic  config.Elastic
	Timeout  time.Duration `env:"STORAGE_INIT_TIMEOUT" env-default:"2m"`
}

type step struct {
	name string
	run  func(ctx context.Context) error
	// optional steps only warn on failure.
	optional bool
}

func main() {
	var cfg Config
	config.MustLoad(&cfg)

	logger := logging.Setup("storage-init", cfg.Logging)
	defer logging.Flush()
	logger.Info("storage init starting")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	feed, err := activity.New(cfg.Azure.ConnectionString, cfg.Azure.ActivityTable)
	if err != nil {
		logger.Fatalf("activity: %v", err)
	}
	queue, err := billing.NewQueue(cfg.Azure.ConnectionString, cfg.Azure.BillingQueue)
	if err != nil {
		logger.Fatalf("billing queue: %v", err)
	}
	blobs, err := blobstore.New(cfg.Azure.ConnectionString, cfg.Azure.BlobContainer, cfg.Azure.BlobPublicURL)
	if err != nil {
		logger.Fatalf("blobstore: %v", err)
	}
	index, err := search.New(cfg.Elastic.Addresses, cfg.Elastic.Index, logger)
	if err != nil {
		logger.Fatalf("search: %v", err)
	}
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	defer store.Close()

	steps := []step{
		{name: "activity table " + cfg.Azure.ActivityTable, run: feed.EnsureTable},
		{name: "billing queue " + cfg.Azure.BillingQueue, run: queue.EnsureQueue},
		{name: "blob container " + cfg.Azure.BlobContainer, run: blobs.EnsureContainer},
		{name: "search index " + cfg.Elastic.Index, run: index.EnsureIndex, optional: true},
		{name: "database migrations", run: store.Migrate},
	}
	if err := runSteps(ctx, logger, steps); err != nil {
		logger.Fatalf("storage init: %v", err)
	}
	logger.Info("storage init complete")
}

// runSteps stops at the first failing required step.
func runSteps(ctx context.Context, logger *log.Logger, steps []step) error {
	for _, s := range steps {
		entry := logger.WithField("step", s.name)
		if err := s.run(ctx); err != nil {
			if s.optional {
				entry.WithError(err).Warn("skipped")
				continue
			}
			return err
		}
		entry.Info("ready")
	}
	return nil
}
