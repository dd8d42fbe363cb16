package config

import (
	"testing"
	"time"
)

type testConfig struct {
	Redis    Redis
	Plans    Plans
	Dispatch Dispatch
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_CONNECTION_STRING", "localhost:6379")

	var cfg testConfig
	if err := Load(&cfg); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.ChangesChannel != "changes" {
		t.Fatalf("unexpected channel %q", cfg.Redis.ChangesChannel)
	}
	if cfg.Redis.PlanCacheTTL != 10*time.Minute {
		t.Fatalf("unexpected plan cache ttl %v", cfg.Redis.PlanCacheTTL)
	}
	if cfg.Plans.FreeMaxBoards != 3 || cfg.Plans.FreeMaxTasksPerBoard != 50 {
		t.Fatalf("unexpected plan defaults %+v", cfg.Plans)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.Handoff != 15*time.Millisecond {
		t.Fatalf("unexpected dispatch defaults %+v", cfg.Dispatch)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("REDIS_CONNECTION_STRING", "")

	var cfg testConfig
	if err := Load(&cfg); err == nil {
		t.Fatal("expected error for missing redis connection string")
	}
}

func TestRedisOptionsURL(t *testing.T) {
	opts, err := RedisOptions("redis://:secret@cache:6380/2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestRedisOptionsAzureStyle(t *testing.T) {
	opts, err := RedisOptions("thrilha.redis.cache.windows.net:6380,password=abc=,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Addr != "thrilha.redis.cache.windows.net:6380" {
		t.Fatalf("unexpected addr %q", opts.Addr)
	}
	if opts.Password != "abc=" {
		t.Fatalf("unexpected password %q", opts.Password)
	}
	if opts.TLSConfig == nil {
		t.Fatal("expected tls config")
	}
}

func TestRedisOptionsEmpty(t *testing.T) {
	if _, err := RedisOptions("  "); err == nil {
		t.Fatal("expected error")
	}
}
