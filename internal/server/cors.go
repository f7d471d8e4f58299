package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"vodpipe/internal/api"
	"vodpipe/internal/errs"
	"vodpipe/internal/observability/logging"
)

// CORSConfig declares the origins allowed to call the API from a browser.
// PlayerOrigins may only read playback routes (video lookups, playlists and
// media); AllowedOrigins may use every route. A "*" entry in PlayerOrigins
// opens playback to any site. With both lists empty only same-origin
// requests pass.
type CORSConfig struct {
	AllowedOrigins []string
	PlayerOrigins  []string
}

type corsPolicy struct {
	allowed   map[string]struct{}
	players   map[string]struct{}
	anyPlayer bool
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{allowed: make(map[string]struct{}), players: make(map[string]struct{})}
	for _, origin := range cfg.PlayerOrigins {
		if strings.TrimSpace(origin) == "*" {
			policy.anyPlayer = true
			continue
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, errs.Wrap(errs.FatalConfig, err, fmt.Sprintf("parse origin %q", origin))
		}
		if normalized != "" {
			policy.players[normalized] = struct{}{}
		}
	}
	for _, origin := range cfg.AllowedOrigins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, errs.Wrap(errs.FatalConfig, err, fmt.Sprintf("parse origin %q", origin))
		}
		if normalized != "" {
			policy.allowed[normalized] = struct{}{}
		}
	}
	return policy, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), nil
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		reqOrigin := originForRequest(r)
		full := policy.allows(origin, reqOrigin)
		if !full && !policy.allowsPlayback(origin, r) {
			logging.WithContext(r.Context(), logger).Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			writeMiddlewareError(w, errs.New(errs.Authorization, "origin not allowed"))
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		if full {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Add("Vary", "Origin")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id, Retry-After")

		if r.Method == http.MethodOptions {
			requestedMethod := r.Header.Get("Access-Control-Request-Method")
			if requestedMethod == "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if full {
				w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
			} else {
				w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			}
			requestedHeaders := r.Header.Get("Access-Control-Request-Headers")
			if requestedHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestedHeaders)
			} else {
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (p corsPolicy) allows(origin string, requestOrigin string) bool {
	normalizedOrigin, err := normalizeOrigin(origin)
	if err != nil {
		return false
	}
	if normalizedOrigin == "" {
		return false
	}
	if _, ok := p.allowed[normalizedOrigin]; ok {
		return true
	}

	if requestOrigin == "" {
		return false
	}

	return normalizedOrigin == requestOrigin
}

// allowsPlayback reports whether a player origin may read this route.
func (p corsPolicy) allowsPlayback(origin string, r *http.Request) bool {
	if !isPlaybackRequest(r) {
		return false
	}
	if p.anyPlayer {
		return true
	}
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	_, ok := p.players[normalized]
	return ok
}

func isPlaybackRequest(r *http.Request) bool {
	method := r.Method
	if method == http.MethodOptions {
		method = r.Header.Get("Access-Control-Request-Method")
		if method == "" {
			method = http.MethodGet
		}
	}
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	path := r.URL.Path
	if strings.HasPrefix(path, "/media/") {
		return true
	}
	if !strings.HasPrefix(path, api.VideoPrefixRoute) {
		return false
	}
	rest := strings.Trim(strings.TrimPrefix(path, api.VideoPrefixRoute), "/")
	return rest != "" && rest != "mine"
}

func originForRequest(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
