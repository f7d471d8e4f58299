package videostore

import (
	"strings"
	"time"
)

// Option customises a store. Options that only make sense for one backend
// are ignored by the others.
type Option func(*config)

type config struct {
	SnapshotPath        string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newConfig(opts ...Option) config {
	cfg := config{
		AcquireTimeout:  5 * time.Second,
		ApplicationName: "vodpipe",
		Clock:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithSnapshotPath persists the memory store to a JSON file.
func WithSnapshotPath(path string) Option {
	return func(cfg *config) {
		cfg.SnapshotPath = strings.TrimSpace(path)
	}
}

// WithClock overrides the time source used for default timestamps.
func WithClock(clock func() time.Time) Option {
	return func(cfg *config) {
		if clock != nil {
			cfg.Clock = clock
		}
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *config) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithPostgresAcquireTimeout bounds connection acquisition and the statement
// run on that connection.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *config) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

func WithPostgresApplicationName(name string) Option {
	return func(cfg *config) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}
