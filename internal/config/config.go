// Package config resolves process settings from flags, the environment and
// an optional .env file, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/objectstore"
	"vodpipe/internal/redisclient"
)

const envPrefix = "VODPIPE_"

const (
	StorageLocal = "local"
	StorageS3    = "s3"

	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueueAsynq  = "asynq"

	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the resolved configuration shared by the server and worker
// binaries.
type Config struct {
	Addr        string
	TLSCertFile string
	TLSKeyFile  string
	// PublicBaseURL is the externally visible origin of the API.
	PublicBaseURL   string
	LogLevel        string
	LogFormat       string
	Metrics         bool
	EmbeddedWorker  bool
	ShutdownTimeout time.Duration

	Storage StorageConfig
	Queue   QueueConfig
	Redis   redisclient.Config
	Store   StoreConfig
	Worker  WorkerConfig
	Auth    AuthConfig
	Limits  LimitsConfig
	CORS    CORSConfig
}

type StorageConfig struct {
	Backend       string
	LocalRoot     string
	SigningSecret string
	PublicRead    bool
	S3            objectstore.S3Config
	PlaybackTTL   time.Duration
	DownloadTTL   time.Duration
}

type QueueConfig struct {
	Driver            string
	Stream            string
	Group             string
	Consumer          string
	AsynqQueue        string
	VisibilityTimeout time.Duration
	Policy            models.RetryPolicy
}

type StoreConfig struct {
	Driver          string
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	AcquireTimeout  time.Duration
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	ApplicationName string
	SnapshotPath    string
}

type WorkerConfig struct {
	Slots          int
	JobTimeout     time.Duration
	TempDir        string
	FFmpegPath     string
	FFprobePath    string
	ThumbnailAt    time.Duration
	SegmentSeconds int
}

type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type LimitsConfig struct {
	MaxUploadBytes        int64
	UploadLimit           int
	UploadWindow          time.Duration
	GlobalRPS             float64
	GlobalBurst           int
	TrustForwardedHeaders bool
	TrustedProxies        []string
}

type CORSConfig struct {
	AllowedOrigins []string
	PlayerOrigins  []string
}

// lookup resolves VODPIPE_* keys against the process environment first and
// the .env file second.
type lookup struct {
	getenv func(string) string
	file   map[string]string
}

func (l lookup) get(key string) string {
	key = envPrefix + key
	if l.getenv != nil {
		if v := strings.TrimSpace(l.getenv(key)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(l.file[key])
}

// Load parses args (without the program name) for the binary called name.
// getenv is usually os.Getenv. A missing .env file is not an error.
func Load(name string, args []string, getenv func(string) string) (Config, error) {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	envFile := flags.String("env-file", "", "path to a .env file (default .env)")
	addr := flags.String("addr", "", "HTTP listen address")
	tlsCert := flags.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flags.String("tls-key", "", "path to TLS private key file")
	publicBaseURL := flags.String("public-base-url", "", "externally visible origin of the API")
	logLevel := flags.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flags.String("log-format", "", "log format (json or text)")
	metricsEnabled := flags.Bool("metrics", false, "expose Prometheus metrics on /metrics")
	embeddedWorker := flags.Bool("embedded-worker", false, "run the transcoding worker inside the server process (default on for the memory queue)")
	shutdownTimeout := flags.Duration("shutdown-timeout", 0, "grace period for draining requests and jobs")

	storageBackend := flags.String("storage-backend", "", "object storage backend (local or s3)")
	localRoot := flags.String("local-root", "", "filesystem root for the local storage backend")
	signingSecret := flags.String("media-signing-secret", "", "secret for signing local media URLs")
	publicRead := flags.Bool("media-public-read", false, "serve local media without a signature")
	s3Endpoint := flags.String("s3-endpoint", "", "S3 endpoint (e.g. http://127.0.0.1:9000)")
	s3Region := flags.String("s3-region", "", "S3 region")
	s3Bucket := flags.String("s3-bucket", "", "S3 bucket name")
	s3AccessKey := flags.String("s3-access-key", "", "S3 access key")
	s3SecretKey := flags.String("s3-secret-key", "", "S3 secret key")
	s3Prefix := flags.String("s3-prefix", "", "key prefix applied to every object")
	s3PublicEndpoint := flags.String("s3-public-endpoint", "", "public endpoint used in presigned URLs")
	s3PathStyle := flags.Bool("s3-path-style", false, "use path-style bucket addressing")
	playbackTTL := flags.Duration("playback-url-ttl", 0, "lifetime of presigned segment URLs")
	downloadTTL := flags.Duration("download-url-ttl", 0, "lifetime of presigned original download URLs")

	queueDriver := flags.String("queue-driver", "", "job queue driver (memory, redis or asynq)")
	queueStream := flags.String("queue-stream", "", "Redis stream key for transcode jobs")
	queueGroup := flags.String("queue-group", "", "Redis consumer group for transcode jobs")
	queueConsumer := flags.String("queue-consumer", "", "consumer name within the group")
	asynqQueue := flags.String("asynq-queue", "", "asynq queue name")
	visibilityTimeout := flags.Duration("queue-visibility-timeout", 0, "time before an unacknowledged job is reclaimed")
	retryAttempts := flags.Int("retry-attempts", 0, "maximum attempts per transcode job")
	retryBase := flags.Duration("retry-backoff-base", 0, "delay after the first failed attempt")
	retryFactor := flags.Float64("retry-backoff-factor", 0, "backoff multiplier between attempts")
	retryCap := flags.Duration("retry-backoff-cap", 0, "upper bound on the retry delay (default 5m, negative disables)")

	redisAddr := flags.String("redis-addr", "", "Redis address")
	redisAddrs := flags.String("redis-addrs", "", "comma separated Redis addresses (cluster or sentinel)")
	redisUsername := flags.String("redis-username", "", "Redis username")
	redisPassword := flags.String("redis-password", "", "Redis password")
	redisDB := flags.Int("redis-db", 0, "Redis database number")
	redisMasterName := flags.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := flags.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTimeout := flags.Duration("redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := flags.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flags.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flags.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flags.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flags.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")

	storeDriver := flags.String("store-driver", "", "video metadata store driver (memory or postgres)")
	postgresDSN := flags.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flags.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flags.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flags.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresMaxConnLifetime := flags.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flags.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flags.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAppName := flags.String("postgres-app-name", "", "application_name reported to Postgres")
	snapshotPath := flags.String("snapshot-path", "", "JSON snapshot file for the memory store")

	workerSlots := flags.Int("worker-slots", 0, "concurrent transcode jobs")
	jobTimeout := flags.Duration("job-timeout", 0, "upper bound on a single transcode attempt")
	tempDir := flags.String("worker-temp-dir", "", "scratch directory for encoder output")
	ffmpegPath := flags.String("ffmpeg-path", "", "ffmpeg binary")
	ffprobePath := flags.String("ffprobe-path", "", "ffprobe binary")
	thumbnailAt := flags.Duration("thumbnail-offset", 0, "offset of the extracted thumbnail frame")
	segmentSeconds := flags.Int("segment-seconds", 0, "HLS segment duration in seconds")

	jwtSecret := flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	jwtIssuer := flags.String("jwt-issuer", "", "required token issuer")
	jwtAudience := flags.String("jwt-audience", "", "required token audience")

	maxUploadBytes := flags.Int64("max-upload-bytes", 0, "maximum accepted video size in bytes")
	uploadLimit := flags.Int("rate-upload-limit", 0, "uploads allowed per caller per window")
	uploadWindow := flags.Duration("rate-upload-window", 0, "window for counting uploads")
	globalRPS := flags.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flags.Int("rate-global-burst", 0, "global rate limit burst allowance")
	trustForwarded := flags.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flags.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")

	corsOrigins := flags.String("cors-origins", "", "comma separated origins allowed full API access")
	playerOrigins := flags.String("player-origins", "", "comma separated origins allowed to fetch playback resources")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, errs.Wrap(errs.FatalConfig, err, "parse flags")
	}

	env := lookup{getenv: getenv}
	path := firstNonEmpty(*envFile, env.get("ENV_FILE"), ".env")
	file, err := readEnvFile(path)
	if err != nil {
		return Config{}, err
	}
	env.file = file

	cfg := Config{
		Addr:            firstNonEmpty(*addr, env.get("ADDR"), ":8080"),
		TLSCertFile:     firstNonEmpty(*tlsCert, env.get("TLS_CERT")),
		TLSKeyFile:      firstNonEmpty(*tlsKey, env.get("TLS_KEY")),
		PublicBaseURL:   firstNonEmpty(*publicBaseURL, env.get("PUBLIC_BASE_URL")),
		LogLevel:        firstNonEmpty(*logLevel, env.get("LOG_LEVEL"), "info"),
		LogFormat:       firstNonEmpty(*logFormat, env.get("LOG_FORMAT"), "json"),
		Metrics:         resolveBool(*metricsEnabled, env, "METRICS"),
		EmbeddedWorker:  resolveBool(*embeddedWorker, env, "EMBEDDED_WORKER"),
		ShutdownTimeout: resolveDuration(*shutdownTimeout, env, "SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	cfg.Storage = StorageConfig{
		Backend:       strings.ToLower(firstNonEmpty(*storageBackend, env.get("STORAGE_BACKEND"), StorageLocal)),
		LocalRoot:     firstNonEmpty(*localRoot, env.get("LOCAL_ROOT"), "data/media"),
		SigningSecret: firstNonEmpty(*signingSecret, env.get("MEDIA_SIGNING_SECRET")),
		PublicRead:    resolveBool(*publicRead, env, "MEDIA_PUBLIC_READ"),
		S3: objectstore.S3Config{
			Endpoint:       firstNonEmpty(*s3Endpoint, env.get("S3_ENDPOINT")),
			Region:         firstNonEmpty(*s3Region, env.get("S3_REGION"), "us-east-1"),
			Bucket:         firstNonEmpty(*s3Bucket, env.get("S3_BUCKET")),
			AccessKey:      firstNonEmpty(*s3AccessKey, env.get("S3_ACCESS_KEY")),
			SecretKey:      firstNonEmpty(*s3SecretKey, env.get("S3_SECRET_KEY")),
			Prefix:         firstNonEmpty(*s3Prefix, env.get("S3_PREFIX")),
			PublicEndpoint: firstNonEmpty(*s3PublicEndpoint, env.get("S3_PUBLIC_ENDPOINT")),
			UsePathStyle:   resolveBool(*s3PathStyle, env, "S3_PATH_STYLE"),
		},
		PlaybackTTL: resolveDuration(*playbackTTL, env, "PLAYBACK_URL_TTL", objectstore.DefaultPlaybackTTL),
		DownloadTTL: resolveDuration(*downloadTTL, env, "DOWNLOAD_URL_TTL", objectstore.DefaultPlaybackTTL),
	}

	backoffCap := *retryCap
	if backoffCap == 0 {
		backoffCap = resolveDuration(0, env, "RETRY_BACKOFF_CAP", 0)
	}
	cfg.Queue = QueueConfig{
		Driver:            strings.ToLower(firstNonEmpty(*queueDriver, env.get("QUEUE_DRIVER"), QueueMemory)),
		Stream:            firstNonEmpty(*queueStream, env.get("QUEUE_STREAM"), "vodpipe:transcode"),
		Group:             firstNonEmpty(*queueGroup, env.get("QUEUE_GROUP"), "transcoders"),
		Consumer:          firstNonEmpty(*queueConsumer, env.get("QUEUE_CONSUMER")),
		AsynqQueue:        firstNonEmpty(*asynqQueue, env.get("ASYNQ_QUEUE")),
		VisibilityTimeout: resolveDuration(*visibilityTimeout, env, "QUEUE_VISIBILITY_TIMEOUT", 0),
		Policy: models.RetryPolicy{
			Attempts:      resolveInt(*retryAttempts, env, "RETRY_ATTEMPTS"),
			BackoffBase:   resolveDuration(*retryBase, env, "RETRY_BACKOFF_BASE", 0),
			BackoffFactor: resolveFloat(*retryFactor, env, "RETRY_BACKOFF_FACTOR"),
			BackoffCap:    backoffCap,
		},
	}

	// The memory queue has no consumer outside this process.
	if cfg.Queue.Driver == QueueMemory && !isFlagSet(flags, "embedded-worker") && env.get("EMBEDDED_WORKER") == "" {
		cfg.EmbeddedWorker = true
	}

	redisOpTimeout := resolveDuration(*redisTimeout, env, "REDIS_TIMEOUT", 0)
	db := *redisDB
	if db == 0 {
		db = resolveInt(0, env, "REDIS_DB")
	}
	cfg.Redis = redisclient.Config{
		Addr:         firstNonEmpty(*redisAddr, env.get("REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*redisAddrs, env.get("REDIS_ADDRS"))),
		Username:     firstNonEmpty(*redisUsername, env.get("REDIS_USERNAME")),
		Password:     firstNonEmpty(*redisPassword, env.get("REDIS_PASSWORD")),
		DB:           db,
		MasterName:   firstNonEmpty(*redisMasterName, env.get("REDIS_MASTER_NAME")),
		PoolSize:     resolveInt(*redisPoolSize, env, "REDIS_POOL_SIZE"),
		DialTimeout:  redisOpTimeout,
		ReadTimeout:  redisOpTimeout,
		WriteTimeout: redisOpTimeout,
		TLS: redisclient.TLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, env.get("REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, env.get("REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, env.get("REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, env.get("REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, env, "REDIS_TLS_SKIP_VERIFY"),
		},
	}

	dsn := firstNonEmpty(*postgresDSN, env.get("POSTGRES_DSN"))
	defaultDriver := StoreMemory
	if dsn != "" {
		defaultDriver = StorePostgres
	}
	cfg.Store = StoreConfig{
		Driver:          strings.ToLower(firstNonEmpty(*storeDriver, env.get("STORE_DRIVER"), defaultDriver)),
		PostgresDSN:     dsn,
		MaxConns:        resolveInt(*postgresMaxConns, env, "POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, env, "POSTGRES_MIN_CONNS"),
		AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, env, "POSTGRES_ACQUIRE_TIMEOUT", 0),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, env, "POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, env, "POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, env, "POSTGRES_HEALTH_INTERVAL", 0),
		ApplicationName: firstNonEmpty(*postgresAppName, env.get("POSTGRES_APP_NAME"), "vodpipe"),
		SnapshotPath:    firstNonEmpty(*snapshotPath, env.get("SNAPSHOT_PATH")),
	}

	cfg.Worker = WorkerConfig{
		Slots:          resolveInt(*workerSlots, env, "WORKER_SLOTS"),
		JobTimeout:     resolveDuration(*jobTimeout, env, "JOB_TIMEOUT", 30*time.Minute),
		TempDir:        firstNonEmpty(*tempDir, env.get("WORKER_TEMP_DIR")),
		FFmpegPath:     firstNonEmpty(*ffmpegPath, env.get("FFMPEG_PATH"), "ffmpeg"),
		FFprobePath:    firstNonEmpty(*ffprobePath, env.get("FFPROBE_PATH"), "ffprobe"),
		ThumbnailAt:    resolveDuration(*thumbnailAt, env, "THUMBNAIL_OFFSET", time.Second),
		SegmentSeconds: resolveInt(*segmentSeconds, env, "SEGMENT_SECONDS"),
	}
	if cfg.Worker.Slots <= 0 {
		cfg.Worker.Slots = 2
	}
	if cfg.Worker.SegmentSeconds <= 0 {
		cfg.Worker.SegmentSeconds = 2
	}

	cfg.Auth = AuthConfig{
		Secret:   firstNonEmpty(*jwtSecret, env.get("JWT_SECRET")),
		Issuer:   firstNonEmpty(*jwtIssuer, env.get("JWT_ISSUER")),
		Audience: firstNonEmpty(*jwtAudience, env.get("JWT_AUDIENCE")),
	}
	if cfg.Storage.SigningSecret == "" {
		cfg.Storage.SigningSecret = cfg.Auth.Secret
	}

	maxBytes := *maxUploadBytes
	if maxBytes <= 0 {
		if raw := env.get("MAX_UPLOAD_BYTES"); raw != "" {
			if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
				maxBytes = value
			}
		}
	}
	cfg.Limits = LimitsConfig{
		MaxUploadBytes:        maxBytes,
		UploadLimit:           resolveInt(*uploadLimit, env, "RATE_UPLOAD_LIMIT"),
		UploadWindow:          resolveDuration(*uploadWindow, env, "RATE_UPLOAD_WINDOW", time.Hour),
		GlobalRPS:             resolveFloat(*globalRPS, env, "RATE_GLOBAL_RPS"),
		GlobalBurst:           resolveInt(*globalBurst, env, "RATE_GLOBAL_BURST"),
		TrustForwardedHeaders: resolveBool(*trustForwarded, env, "RATE_TRUST_FORWARDED_HEADERS"),
		TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, env.get("RATE_TRUSTED_PROXIES"))),
	}

	cfg.CORS = CORSConfig{
		AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, env.get("CORS_ORIGINS"))),
		PlayerOrigins:  splitAndTrim(firstNonEmpty(*playerOrigins, env.get("PLAYER_ORIGINS"))),
	}
	return cfg, nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c Config) UsesRedis() bool {
	return c.Queue.Driver == QueueRedis || c.Queue.Driver == QueueAsynq || len(c.Redis.Addresses()) > 0
}

// Validate reports settings neither binary can start with. The API server
// additionally needs Auth.Secret, which the token verifier enforces.
func (c Config) Validate() error {
	var problems []string
	switch c.Storage.Backend {
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalRoot) == "" {
			problems = append(problems, "local storage requires a root directory")
		}
	case StorageS3:
		if err := c.Storage.S3.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Queue.Driver {
	case QueueMemory:
	case QueueRedis, QueueAsynq:
		if len(c.Redis.Addresses()) == 0 {
			problems = append(problems, c.Queue.Driver+" queue requires a redis address")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown queue driver %q", c.Queue.Driver))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			problems = append(problems, "postgres store requires a dsn")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		problems = append(problems, "tls requires both a certificate and a key")
	}
	if c.Limits.MaxUploadBytes < 0 {
		problems = append(problems, "max upload bytes must not be negative")
	}
	if len(problems) > 0 {
		return errs.New(errs.FatalConfig, "invalid configuration: "+strings.Join(problems, "; "))
	}
	return nil
}

func readEnvFile(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.FatalConfig, err, "read env file "+path)
	}
	return values, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, env lookup, key string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if raw := env.get(key); raw != "" {
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, env lookup, key string) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := env.get(key); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, env lookup, key string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if raw := env.get(key); raw != "" {
		if value, err := time.ParseDuration(raw); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func isFlagSet(flags *flag.FlagSet, name string) bool {
	set := false
	flags.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func resolveBool(flagValue bool, env lookup, key string) bool {
	if flagValue {
		return true
	}
	if raw := env.get(key); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			return value
		}
	}
	return false
}
