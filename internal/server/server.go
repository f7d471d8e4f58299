package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"vodpipe/internal/api"
	"vodpipe/internal/auth"
	"vodpipe/internal/cache"
	"vodpipe/internal/errs"
	"vodpipe/internal/objectstore"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Verifier  *auth.Verifier
	// Cache, when set, holds upload counters so every replica enforces the
	// same limit.
	Cache cache.Cache
	// Media serves locally stored objects under /media/.
	Media http.Handler
	// ReadTimeout bounds a whole request including its body; uploads need a
	// generous value.
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	metrics         *metrics.Recorder
	rateLimiter     *rateLimiter
	tls             serverutil.TLSConfig
	shutdownTimeout time.Duration
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errs.New(errs.FatalConfig, "server requires an api handler")
	}
	if cfg.Verifier == nil {
		return nil, errs.New(errs.FatalConfig, "server requires a token verifier")
	}
	logger := logging.WithComponent(cfg.Logger, "http")

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics.Handler())
	}
	if cfg.Media != nil {
		mux.Handle(objectstore.MediaRoute, cfg.Media)
	}
	mux.HandleFunc(api.VideosRoute, handler.Videos)
	mux.HandleFunc(api.VideoPrefixRoute, handler.VideoByID)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, errs.New(errs.NotFound, "route not found"))
	})

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, errs.Wrap(errs.FatalConfig, err, "configure client ip resolution")
	}
	var store counterStore
	if cfg.Cache != nil {
		store = newCacheStore(cfg.Cache)
	}
	rl := newRateLimiter(cfg.RateLimit, store)

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, resolver, logger, handlerChain)
	handlerChain = authMiddleware(cfg.Verifier, handlerChain)
	handlerChain = metrics.HTTPMiddleware(cfg.Metrics, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{"/healthz", "/metrics"},
	})(handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Minute
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Minute
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     cfg.Metrics,
		rateLimiter: rl,
		tls: serverutil.TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler returns the fully wrapped handler chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled and then drains in-flight requests.
// onListen, when set, receives the bound address.
func (s *Server) Run(ctx context.Context, onListen func(net.Addr)) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: s.shutdownTimeout,
		OnListen:        onListen,
		Logger:          s.logger,
	})
}

// authMiddleware attaches the caller identity when a bearer token is
// presented. Anonymous requests pass through; handlers decide whether they
// need a caller. A token that does not verify is always rejected.
func authMiddleware(verifier *auth.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractToken(r)
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := verifier.Verify(token)
		if err != nil {
			writeMiddlewareError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithIdentity(r.Context(), identity)))
	})
}

func isUploadRequest(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	return r.URL.Path == api.VideosRoute || strings.HasPrefix(r.URL.Path, api.VideoPrefixRoute)
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, errs.New(errs.RateLimited, "global rate limit exceeded"))
			return
		}
		if !isUploadRequest(r) {
			next.ServeHTTP(w, r)
			return
		}
		key := ""
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			key = "user:" + identity.UserID
		} else {
			ip, _ := resolver.ClientIPFromRequest(r)
			key = "ip:" + ip
		}
		allowed, retryAfter, err := rl.AllowUpload(r.Context(), key)
		if err != nil {
			logging.WithContext(r.Context(), logger).Error("rate limiter failure", "error", err)
			writeMiddlewareError(w, errs.Wrap(errs.Transient, err, "rate limit check failed"))
			return
		}
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retryAfter.Seconds()))))
			}
			writeMiddlewareError(w, errs.New(errs.RateLimited, "too many uploads, try again later"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
