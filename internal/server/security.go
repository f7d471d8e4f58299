package server

import "net/http"

const (
	defaultFrameAncestors     = "'none'"
	defaultFrameOptions       = "DENY"
	defaultReferrerPolicy     = "no-referrer"
	defaultPermissionsPolicy  = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions = "nosniff"

	resourcePolicyPlayback = "cross-origin"
	resourcePolicyAPI      = "same-origin"
)

// SecurityConfig controls the hardening headers set on every response. The
// server only returns JSON, playlists and media, so the default policy
// forbids loading anything. Zero-valued fields fall back to the defaults.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameAncestors        string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
	// StrictTransport is sent on TLS connections only.
	StrictTransport string
}

type headerValue struct {
	name  string
	value string
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// headers resolves cfg against the defaults in the order they are written.
func (cfg SecurityConfig) headers() []headerValue {
	ancestors := orDefault(cfg.FrameAncestors, defaultFrameAncestors)
	return []headerValue{
		{"Content-Security-Policy", orDefault(cfg.ContentSecurityPolicy, defaultContentSecurityPolicy(ancestors))},
		{"X-Frame-Options", orDefault(cfg.FrameOptions, defaultFrameOptions)},
		{"X-Content-Type-Options", orDefault(cfg.ContentTypeOptions, defaultContentTypeOptions)},
		{"Referrer-Policy", orDefault(cfg.ReferrerPolicy, defaultReferrerPolicy)},
		{"Permissions-Policy", orDefault(cfg.PermissionsPolicy, defaultPermissionsPolicy)},
	}
}

func defaultContentSecurityPolicy(frameAncestors string) string {
	return "default-src 'none'; " +
		"base-uri 'none'; " +
		"frame-ancestors " + orDefault(frameAncestors, defaultFrameAncestors) + "; " +
		"form-action 'none'"
}

// securityHeadersMiddleware hardens every response. Playlists and segments
// are fetched by players embedded on other sites, so playback reads are
// marked cross-origin loadable while the rest of the API stays same-origin.
func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	headers := cfg.headers()
	hsts := cfg.StrictTransport

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, header := range headers {
			h.Set(header.name, header.value)
		}
		if isPlaybackRequest(r) {
			h.Set("Cross-Origin-Resource-Policy", resourcePolicyPlayback)
		} else {
			h.Set("Cross-Origin-Resource-Policy", resourcePolicyAPI)
		}
		if hsts != "" && r.TLS != nil {
			h.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
