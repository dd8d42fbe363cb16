// Package config loads service configuration from the environment.
//
// Every service composes the sections it needs into its own struct and calls
// MustLoad once at startup. A .env file in the working directory is honoured
// when present.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type Logging struct {
	Debug        bool   `env:"DEBUG" env-default:"false"`
	Environment  string `env:"APP_ENV" env-default:"development"`
	RollbarToken string `env:"ROLLBAR_TOKEN"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

type Database struct {
	Driver       string `env:"DATABASE_DRIVER" env-default:"postgres"`
	DSN          string `env:"DATABASE_URL" env-required:"true"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS" env-default:"10"`
}

type Redis struct {
	ConnectionString string        `env:"REDIS_CONNECTION_STRING" env-required:"true"`
	ChangesChannel   string        `env:"CHANGES_CHANNEL" env-default:"changes"`
	ChangesStream    string        `env:"CHANGES_STREAM" env-default:"changes"`
	ChangesMaxLen    int64         `env:"CHANGES_STREAM_MAXLEN" env-default:"10000"`
	PlanCacheTTL     time.Duration `env:"PLAN_CACHE_TTL" env-default:"10m"`
	DeduperTTL       time.Duration `env:"DEDUPER_TTL" env-default:"24h"`
}

type Azure struct {
	ConnectionString string `env:"STORAGE_CONNECTION_STRING" env-required:"true"`
	ActivityTable    string `env:"ACTIVITY_TABLE" env-default:"activity"`
	BillingQueue     string `env:"BILLING_QUEUE" env-default:"billingevents"`
	BlobContainer    string `env:"BLOB_CONTAINER" env-default:"uploads"`
	// BlobPublicURL overrides the account URL used for public links, e.g. a CDN host.
	BlobPublicURL string `env:"BLOB_PUBLIC_URL"`
}

type Auth struct {
	Audience     string        `env:"AUTH0_AUDIENCE"`
	Domain       string        `env:"AUTH0_DOMAIN"`
	LocalMode    string        `env:"LOCAL_AUTH_MODE"`
	LocalSecret  string        `env:"LOCAL_AUTH_SHARED_SECRET"`
	JWKSCacheTTL time.Duration `env:"JWKS_CACHE_TTL" env-default:"15m"`
}

type Kafka struct {
	Brokers        []string `env:"KAFKA_BROKERS" env-separator:"," env-required:"true"`
	RemindersTopic string   `env:"KAFKA_REMINDERS_TOPIC" env-default:"reminders"`
	GroupID        string   `env:"KAFKA_GROUP_ID" env-default:"notifier"`
}

type Reminders struct {
	Interval time.Duration `env:"REMINDER_INTERVAL" env-default:"1m"`
	Lead     time.Duration `env:"REMINDER_LEAD" env-default:"24h"`
	// Timezone decides which calendar day birthdays are matched against.
	Timezone  string `env:"REMINDER_TIMEZONE" env-default:"UTC"`
	BatchSize int    `env:"REMINDER_BATCH_SIZE" env-default:"500"`
}

type Notify struct {
	SendGridKey   string `env:"SENDGRID_API_KEY"`
	FromEmail     string `env:"NOTIFY_FROM_EMAIL" env-default:"reminders@thrilha.app"`
	FromName      string `env:"NOTIFY_FROM_NAME" env-default:"Thrilha"`
	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`
	AppURL        string `env:"APP_URL" env-default:"http://localhost:5173"`
}

type Stripe struct {
	SecretKey       string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret   string `env:"STRIPE_WEBHOOK_SECRET"`
	ProPriceID      string `env:"STRIPE_PRO_PRICE_ID"`
	SuccessURL      string `env:"STRIPE_SUCCESS_URL" env-default:"http://localhost:5173/billing?status=success"`
	CancelURL       string `env:"STRIPE_CANCEL_URL" env-default:"http://localhost:5173/billing?status=cancel"`
	PortalReturnURL string `env:"STRIPE_PORTAL_RETURN_URL" env-default:"http://localhost:5173/billing"`
}

type Plans struct {
	FreeMaxBoards        int `env:"PLAN_FREE_MAX_BOARDS" env-default:"3"`
	FreeMaxTasksPerBoard int `env:"PLAN_FREE_MAX_TASKS_PER_BOARD" env-default:"50"`
	ProMaxBoards         int `env:"PLAN_PRO_MAX_BOARDS" env-default:"0"`
	ProMaxTasksPerBoard  int `env:"PLAN_PRO_MAX_TASKS_PER_BOARD" env-default:"0"`
}

// Dispatch sizes the board API's change publishing pool.
type Dispatch struct {
	Workers int           `env:"CHANGE_WORKERS" env-default:"8"`
	Buffer  int           `env:"CHANGE_BUFFER" env-default:"1024"`
	Timeout time.Duration `env:"CHANGE_PUBLISH_TIMEOUT" env-default:"10s"`
	Handoff time.Duration `env:"CHANGE_HANDOFF_TIMEOUT" env-default:"15ms"`
	// Attempts bounds background publishes of one change, retries included.
	Attempts     int           `env:"CHANGE_PUBLISH_ATTEMPTS" env-default:"3"`
	RetryInitial time.Duration `env:"CHANGE_RETRY_INITIAL" env-default:"250ms"`
	RetryMax     time.Duration `env:"CHANGE_RETRY_MAX" env-default:"5s"`
}

type RateLimit struct {
	RPS   int `env:"RATE_LIMIT_RPS" env-default:"20"`
	Burst int `env:"RATE_LIMIT_BURST" env-default:"40"`
}

// Stream tunes the SSE change stream.
type Stream struct {
	Heartbeat    time.Duration `env:"STREAM_HEARTBEAT" env-default:"25s"`
	ClientBuffer int           `env:"STREAM_CLIENT_BUFFER" env-default:"64"`
	ReplayLimit  int           `env:"STREAM_REPLAY_LIMIT" env-default:"1000"`
}

type Elastic struct {
	Addresses []string `env:"ELASTICSEARCH_ADDRESSES" env-separator:"," env-default:"http://localhost:9200"`
	Index     string   `env:"ELASTICSEARCH_INDEX" env-default:"tasks"`
}

// Load reads an optional .env file and then fills cfg from the environment.
func Load(cfg any) error {
	_ = godotenv.Load()
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("read env: %w", err)
	}
	return nil
}

// MustLoad is Load for service entry points.
func MustLoad(cfg any) {
	if err := Load(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}

// RedisOptions accepts either a redis:// URL or the Azure Cache style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	conn = strings.TrimSpace(conn)
	if conn == "" {
		return nil, fmt.Errorf("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

// NewRedisClient builds a client from a connection string.
func NewRedisClient(conn string) (*redis.Client, error) {
	opts, err := RedisOptions(conn)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
