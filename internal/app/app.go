// Package app constructs the long-lived clients both binaries share and
// wires them into the HTTP server and the transcoding processor.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	redis "github.com/redis/go-redis/v9"

	"vodpipe/internal/api"
	"vodpipe/internal/auth"
	"vodpipe/internal/cache"
	"vodpipe/internal/config"
	"vodpipe/internal/errs"
	"vodpipe/internal/intake"
	"vodpipe/internal/models"
	"vodpipe/internal/objectstore"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/playlist"
	"vodpipe/internal/queue"
	"vodpipe/internal/redisclient"
	"vodpipe/internal/server"
	"vodpipe/internal/transcode"
	"vodpipe/internal/videostore"
)

const cachePrefix = "vodpipe:cache:"

// App owns the shared clients. Close releases them in reverse order of
// construction.
type App struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	Store   videostore.Store
	Queue   queue.Queue
	Storage *objectstore.Registry
	Local   *objectstore.LocalGateway
	Redis   redis.UniversalClient
	Cache   cache.Cache

	probes  map[string]api.Probe
	closers []func(context.Context) error
}

// New validates cfg and connects every backend it names. A nil logger
// falls back to slog's default.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		probes: make(map[string]api.Probe),
	}
	if cfg.Metrics {
		a.metrics = metrics.New(metrics.Options{ProcessCollectors: true})
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"redis", a.openRedis},
		{"storage", a.openStorage},
		{"store", a.openStore},
		{"queue", a.openQueue},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			closeErr := a.Close(context.Background())
			if closeErr != nil {
				logger.Warn("failed to release partially constructed app", "error", closeErr)
			}
			return nil, fmt.Errorf("open %s: %w", step.name, err)
		}
	}
	return a, nil
}

// Metrics returns the recorder, or nil when metrics are disabled.
func (a *App) Metrics() *metrics.Recorder { return a.metrics }

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

func (a *App) openRedis(ctx context.Context) error {
	if !a.cfg.UsesRedis() {
		a.Cache = cache.NewMemory()
		return nil
	}
	client, err := redisclient.New(a.cfg.Redis)
	if err != nil {
		return err
	}
	a.Redis = client
	a.onClose(func(context.Context) error { return client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return errs.Wrap(errs.Transient, err, "ping redis")
	}
	a.probes["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

	shared, err := cache.NewRedis(client, cachePrefix)
	if err != nil {
		return err
	}
	a.Cache = shared
	return nil
}

func (a *App) openStorage(ctx context.Context) error {
	gateways := make(map[models.StorageType]objectstore.Gateway)
	if a.cfg.Storage.LocalRoot != "" {
		local, err := objectstore.NewLocalGateway(objectstore.LocalConfig{
			Root:          a.cfg.Storage.LocalRoot,
			PublicBaseURL: a.cfg.PublicBaseURL,
			SigningSecret: a.cfg.Storage.SigningSecret,
			PublicRead:    a.cfg.Storage.PublicRead,
			Logger:        a.logger,
		})
		if err != nil {
			return err
		}
		a.Local = local
		gateways[models.StorageLocal] = local
	}

	def := models.StorageLocal
	if a.cfg.Storage.Backend == config.StorageS3 {
		s3cfg := a.cfg.Storage.S3
		s3cfg.Logger = a.logger
		gateway, err := objectstore.NewS3Gateway(ctx, s3cfg)
		if err != nil {
			return err
		}
		gateways[models.StorageS3] = gateway
		def = models.StorageS3
	}

	registry, err := objectstore.NewRegistry(def, gateways)
	if err != nil {
		return err
	}
	a.Storage = registry
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.StorePostgres:
		sc := a.cfg.Store
		store, err := videostore.NewPostgresStore(ctx, sc.PostgresDSN,
			videostore.WithPostgresPoolLimits(int32(sc.MaxConns), int32(sc.MinConns)),
			videostore.WithPostgresAcquireTimeout(sc.AcquireTimeout),
			videostore.WithPostgresPoolDurations(sc.MaxConnLifetime, sc.MaxConnIdle, sc.HealthInterval),
			videostore.WithPostgresApplicationName(sc.ApplicationName),
		)
		if err != nil {
			return err
		}
		a.Store = store
		a.onClose(store.Close)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		a.probes["postgres"] = store.Ping
	default:
		var opts []videostore.Option
		if path := a.cfg.Store.SnapshotPath; path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return errs.Wrap(errs.FatalConfig, err, "create snapshot directory")
			}
			opts = append(opts, videostore.WithSnapshotPath(path))
		}
		store, err := videostore.NewMemoryStore(opts...)
		if err != nil {
			return err
		}
		a.Store = store
		a.onClose(store.Close)
	}
	return nil
}

func (a *App) openQueue(ctx context.Context) error {
	switch a.cfg.Queue.Driver {
	case config.QueueRedis:
		q, err := queue.NewRedisQueue(ctx, queue.RedisConfig{
			Client:            a.Redis,
			Stream:            a.cfg.Queue.Stream,
			Group:             a.cfg.Queue.Group,
			Consumer:          a.cfg.Queue.Consumer,
			VisibilityTimeout: a.visibilityTimeout(),
			Logger:            a.logger,
		})
		if err != nil {
			return err
		}
		a.Queue = q
	case config.QueueAsynq:
		opt, err := redisclient.AsynqOpt(a.cfg.Redis)
		if err != nil {
			return err
		}
		q, err := queue.NewAsynqQueue(queue.AsynqConfig{
			Redis:           opt,
			Queue:           a.cfg.Queue.AsynqQueue,
			ShutdownTimeout: a.cfg.ShutdownTimeout,
			Logger:          a.logger,
		})
		if err != nil {
			return err
		}
		a.Queue = q
		client, ok := opt.MakeRedisClient().(redis.UniversalClient)
		if !ok {
			return errs.New(errs.FatalConfig, "unsupported asynq redis connection")
		}
		a.onClose(func(context.Context) error { return client.Close() })
		a.probes["asynq"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	default:
		a.Queue = queue.NewMemoryQueue(queue.MemoryConfig{Logger: a.logger})
	}
	q := a.Queue
	a.onClose(func(context.Context) error { return q.Close() })
	return nil
}

// visibilityTimeout keeps redeliveries from overlapping a running attempt.
func (a *App) visibilityTimeout() time.Duration {
	if a.cfg.Queue.VisibilityTimeout > 0 {
		return a.cfg.Queue.VisibilityTimeout
	}
	return a.cfg.Worker.JobTimeout + time.Minute
}

// Server builds the Intake API, the Playlist Signer and the HTTP server.
func (a *App) Server() (*server.Server, error) {
	svc, err := intake.NewService(intake.Config{
		Store:          a.Store,
		Queue:          a.Queue,
		Storage:        a.Storage,
		Policy:         a.cfg.Queue.Policy,
		MaxUploadBytes: a.cfg.Limits.MaxUploadBytes,
		PublicBaseURL:  a.cfg.PublicBaseURL,
		DownloadTTL:    a.cfg.Storage.DownloadTTL,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, err
	}
	signer, err := playlist.NewSigner(playlist.Config{
		Store:   a.Store,
		Storage: a.Storage,
		TTL:     a.cfg.Storage.PlaybackTTL,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return nil, err
	}
	handler, err := api.NewHandler(api.HandlerConfig{
		Intake: svc,
		Signer: signer,
		Probes: a.probes,
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Secret:   a.cfg.Auth.Secret,
		Issuer:   a.cfg.Auth.Issuer,
		Audience: a.cfg.Auth.Audience,
		Leeway:   30 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	srvCfg := server.Config{
		Addr: a.cfg.Addr,
		TLS: server.TLSConfig{
			CertFile: a.cfg.TLSCertFile,
			KeyFile:  a.cfg.TLSKeyFile,
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             a.cfg.Limits.GlobalRPS,
			GlobalBurst:           a.cfg.Limits.GlobalBurst,
			UploadLimit:           a.cfg.Limits.UploadLimit,
			UploadWindow:          a.cfg.Limits.UploadWindow,
			TrustForwardedHeaders: a.cfg.Limits.TrustForwardedHeaders,
			TrustedProxies:        a.cfg.Limits.TrustedProxies,
		},
		CORS: server.CORSConfig{
			AllowedOrigins: a.cfg.CORS.AllowedOrigins,
			PlayerOrigins:  a.cfg.CORS.PlayerOrigins,
		},
		Logger:          a.logger,
		Metrics:         a.metrics,
		Verifier:        verifier,
		ShutdownTimeout: a.cfg.ShutdownTimeout,
	}
	if a.Redis != nil {
		srvCfg.Cache = a.Cache
	}
	if a.Local != nil {
		srvCfg.Media = objectstore.MediaHandler(a.Local, svc.MaxBytes(intake.AssetVideo))
	}
	return server.New(handler, srvCfg)
}

// Processor builds the Transcoding Worker and the queue consumer that
// drives it. The caller starts and stops it.
func (a *App) Processor() (*transcode.Processor, error) {
	encoder := transcode.NewFFmpegEncoder(transcode.FFmpegConfig{
		FFmpegPath:  a.cfg.Worker.FFmpegPath,
		FFprobePath: a.cfg.Worker.FFprobePath,
		Logger:      a.logger,
	})
	worker, err := transcode.NewWorker(transcode.WorkerConfig{
		Storage:        a.Storage,
		Encoder:        encoder,
		TempDir:        a.cfg.Worker.TempDir,
		SegmentSeconds: a.cfg.Worker.SegmentSeconds,
		ThumbnailAt:    a.cfg.Worker.ThumbnailAt,
		Logger:         a.logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return transcode.NewProcessor(transcode.ProcessorConfig{
		Store:   a.Store,
		Queue:   a.Queue,
		Runner:  worker,
		Slots:   a.cfg.Worker.Slots,
		Timeout: a.cfg.Worker.JobTimeout,
		Recover: a.cfg.Queue.Driver == config.QueueMemory,
		Policy:  a.cfg.Queue.Policy,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

// Close releases every client, most recently opened first.
func (a *App) Close(ctx context.Context) error {
	var errList []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}
	a.closers = nil
	return errors.Join(errList...)
}

// Logger returns the component logger for name.
func (a *App) Logger(name string) *slog.Logger {
	return logging.WithComponent(a.logger, name)
}
