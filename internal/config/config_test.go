package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vodpipe/internal/errs"
)

func envFrom(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func missingEnvFile(t *testing.T) string {
	t.Helper()
	return "-env-file=" + filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("server", []string{missingEnvFile(t)}, envFrom(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected process defaults %+v", cfg)
	}
	if cfg.Storage.Backend != StorageLocal || cfg.Queue.Driver != QueueMemory || cfg.Store.Driver != StoreMemory {
		t.Fatalf("unexpected driver defaults: storage %q queue %q store %q", cfg.Storage.Backend, cfg.Queue.Driver, cfg.Store.Driver)
	}
	if cfg.Worker.Slots != 2 || cfg.Worker.SegmentSeconds != 2 || cfg.Worker.ThumbnailAt != time.Second {
		t.Fatalf("unexpected worker defaults %+v", cfg.Worker)
	}
	if cfg.Limits.UploadWindow != time.Hour {
		t.Fatalf("expected hourly upload window, got %s", cfg.Limits.UploadWindow)
	}
	if cfg.UsesRedis() {
		t.Fatalf("memory configuration should not need redis")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Auth.Secret != "" || cfg.Storage.SigningSecret != "" {
		t.Fatalf("expected no secrets by default")
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	contents := "VODPIPE_ADDR=:7000\nVODPIPE_LOG_LEVEL=warn\nVODPIPE_WORKER_SLOTS=6\nVODPIPE_JWT_SECRET=from-file\n"
	if err := os.WriteFile(envPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	env := envFrom(map[string]string{
		"VODPIPE_LOG_LEVEL":      "debug",
		"VODPIPE_RETRY_ATTEMPTS": "5",
		"VODPIPE_CORS_ORIGINS":   "https://a.example, ,https://b.example",
		"VODPIPE_METRICS":        "true",
	})
	cfg, err := Load("server", []string{"-env-file", envPath, "-worker-slots", "3", "-rate-upload-limit=4"}, env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("expected addr from env file, got %q", cfg.Addr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected process env to beat env file, got %q", cfg.LogLevel)
	}
	if cfg.Worker.Slots != 3 {
		t.Fatalf("expected flag to beat env file, got %d", cfg.Worker.Slots)
	}
	if cfg.Queue.Policy.Attempts != 5 || cfg.Limits.UploadLimit != 4 || !cfg.Metrics {
		t.Fatalf("unexpected resolved values: attempts %d upload limit %d metrics %v", cfg.Queue.Policy.Attempts, cfg.Limits.UploadLimit, cfg.Metrics)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Auth.Secret != "from-file" || cfg.Storage.SigningSecret != "from-file" {
		t.Fatalf("expected signing secret to default to jwt secret, got %q / %q", cfg.Auth.Secret, cfg.Storage.SigningSecret)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadEmbeddedWorkerDefaultsOnForMemoryQueue(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		env  map[string]string
		want bool
	}{
		{name: "memory default", want: true},
		{name: "flag disables", args: []string{"-embedded-worker=false"}, want: false},
		{name: "env disables", env: map[string]string{"VODPIPE_EMBEDDED_WORKER": "false"}, want: false},
		{name: "redis queue", env: map[string]string{"VODPIPE_QUEUE_DRIVER": "redis", "VODPIPE_REDIS_ADDR": "localhost:6379"}, want: false},
		{name: "redis queue opt in", args: []string{"-embedded-worker"}, env: map[string]string{"VODPIPE_QUEUE_DRIVER": "redis"}, want: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("server", append([]string{missingEnvFile(t)}, tc.args...), envFrom(tc.env))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.EmbeddedWorker != tc.want {
				t.Fatalf("expected embedded worker %v, got %v", tc.want, cfg.EmbeddedWorker)
			}
		})
	}
}

func TestLoadRetryBackoffCap(t *testing.T) {
	cfg, err := Load("server", []string{missingEnvFile(t), "-retry-backoff-cap=-1s"}, envFrom(nil))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Policy.BackoffCap != -time.Second {
		t.Fatalf("expected negative cap from flag, got %s", cfg.Queue.Policy.BackoffCap)
	}
	cfg, err = Load("server", []string{missingEnvFile(t)}, envFrom(map[string]string{"VODPIPE_RETRY_BACKOFF_CAP": "90s"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Policy.BackoffCap != 90*time.Second {
		t.Fatalf("expected cap from env, got %s", cfg.Queue.Policy.BackoffCap)
	}
}

func TestLoadPostgresDefaultsFromDSN(t *testing.T) {
	env := envFrom(map[string]string{"VODPIPE_POSTGRES_DSN": "postgres://localhost/vodpipe"})
	cfg, err := Load("server", []string{missingEnvFile(t)}, env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != StorePostgres || cfg.Store.ApplicationName != "vodpipe" {
		t.Fatalf("expected postgres store, got %+v", cfg.Store)
	}
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	if _, err := Load("server", []string{"-nope"}, envFrom(nil)); !errs.Is(err, errs.FatalConfig) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
	if _, err := Load("server", []string{"-h"}, envFrom(nil)); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage: StorageConfig{Backend: StorageLocal, LocalRoot: "media"},
			Queue:   QueueConfig{Driver: QueueMemory},
			Store:   StoreConfig{Driver: StoreMemory},
			Auth:    AuthConfig{Secret: "secret"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage.Backend = StorageS3 }, want: "bucket"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "ftp" }, want: "unknown storage backend"},
		{name: "redis without addr", mutate: func(c *Config) { c.Queue.Driver = QueueRedis }, want: "redis queue requires"},
		{name: "asynq without addr", mutate: func(c *Config) { c.Queue.Driver = QueueAsynq }, want: "asynq queue requires"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Driver = StorePostgres }, want: "postgres store requires"},
		{name: "partial tls", mutate: func(c *Config) { c.TLSCertFile = "cert.pem" }, want: "tls requires"},
		{name: "redis with addr", mutate: func(c *Config) {
			c.Queue.Driver = QueueRedis
			c.Redis.Addr = "localhost:6379"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errs.Is(err, errs.FatalConfig) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected fatal error containing %q, got %v", tt.want, err)
			}
		})
	}
}
