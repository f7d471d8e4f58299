package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vodpipe/internal/api"
	"vodpipe/internal/auth"
	"vodpipe/internal/cache"
	"vodpipe/internal/intake"
	"vodpipe/internal/models"
	"vodpipe/internal/objectstore"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/playlist"
	"vodpipe/internal/queue"
	"vodpipe/internal/videostore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testStack struct {
	handler  *api.Handler
	verifier *auth.Verifier
	gateway  *objectstore.LocalGateway
	store    *videostore.MemoryStore
	queue    *queue.MemoryQueue
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gateway, err := objectstore.NewLocalGateway(objectstore.LocalConfig{
		Root:          t.TempDir(),
		PublicBaseURL: "http://api.test",
		SigningSecret: "server-secret",
	})
	if err != nil {
		t.Fatalf("NewLocalGateway: %v", err)
	}
	registry, err := objectstore.NewRegistry(models.StorageLocal, map[models.StorageType]objectstore.Gateway{models.StorageLocal: gateway})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store, err := videostore.NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	q := queue.NewMemoryQueue(queue.MemoryConfig{Logger: discardLogger()})
	t.Cleanup(func() { _ = q.Close() })
	service, err := intake.NewService(intake.Config{Store: store, Queue: q, Storage: registry, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	signer, err := playlist.NewSigner(playlist.Config{Store: store, Storage: registry, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	handler, err := api.NewHandler(api.HandlerConfig{Intake: service, Signer: signer, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Secret: "test-secret", Issuer: "vodpipe-test"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return &testStack{handler: handler, verifier: verifier, gateway: gateway, store: store, queue: q}
}

func (s *testStack) server(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Verifier = s.verifier
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	srv, err := New(s.handler, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func (s *testStack) token(t *testing.T, userID string, admin bool) string {
	t.Helper()
	token, err := s.verifier.Issue(auth.Identity{UserID: userID, Admin: admin}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresHandlerAndVerifier(t *testing.T) {
	t.Parallel()

	if srv, err := New(nil, Config{}); err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
	stack := newTestStack(t)
	if _, err := New(stack.handler, Config{}); err == nil {
		t.Fatal("expected error without verifier")
	}
}

func TestAuthMiddlewareAttachesIdentity(t *testing.T) {
	stack := newTestStack(t)
	token := stack.token(t, "user-7", true)

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if identity.UserID != "user-7" || !identity.Admin {
			t.Fatalf("unexpected identity %+v", identity)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/videos", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	authMiddleware(stack.verifier, next).ServeHTTP(rec, req)

	if !nextCalled {
		t.Fatal("expected middleware to call next handler")
	}
}

func TestAuthMiddlewarePassesAnonymousRequests(t *testing.T) {
	stack := newTestStack(t)
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		if _, ok := auth.IdentityFromContext(r.Context()); ok {
			t.Fatal("unexpected identity on anonymous request")
		}
	})
	authMiddleware(stack.verifier, next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/videos/v1", nil))
	if !nextCalled {
		t.Fatal("expected anonymous request to reach next handler")
	}
}

func TestAuthMiddlewareRejectsInvalidToken(t *testing.T) {
	stack := newTestStack(t)
	other, err := auth.NewVerifier(auth.VerifierConfig{Secret: "another-secret"})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	forged, err := other.Issue(auth.Identity{UserID: "user-1"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected call to next handler")
	})

	for _, token := range []string{"not-a-jwt", forged} {
		req := httptest.NewRequest(http.MethodGet, "/videos/v1", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		authMiddleware(stack.verifier, next).ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", rec.Code)
		}
		var payload map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if payload["error"] == "" {
			t.Fatal("expected error message in response")
		}
	}
}

func TestServerRoutesThroughChain(t *testing.T) {
	stack := newTestStack(t)
	recorder := metrics.New(metrics.Options{})
	srv := stack.server(t, Config{Metrics: recorder, Media: objectstore.MediaHandler(stack.gateway, 0)})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}

	if rec := serve(srv, httptest.NewRequest(http.MethodGet, "/videos/missing", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing video, got %d", rec.Code)
	}
	if rec := serve(srv, httptest.NewRequest(http.MethodGet, "/nowhere", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", rec.Code)
	}
	if rec := serve(srv, httptest.NewRequest(http.MethodGet, "/media/uploads/u1/none.mp4", nil)); rec.Code == http.StatusOK {
		t.Fatal("expected unsigned media request to fail")
	}

	req := httptest.NewRequest(http.MethodGet, "/videos/mine", nil)
	req.Header.Set("Authorization", "Bearer "+stack.token(t, "user-1", false))
	if rec := serve(srv, req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for own list, got %d: %s", rec.Code, rec.Body.String())
	}

	metricsRec := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if metricsRec.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", metricsRec.Code)
	}
	if !strings.Contains(metricsRec.Body.String(), "vodpipe_http_requests_total") {
		t.Fatal("expected request counter in metrics output")
	}
}

func uploadBody(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("title", "Clip")
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func TestUploadRateLimitPerUser(t *testing.T) {
	stack := newTestStack(t)
	srv := stack.server(t, Config{RateLimit: RateLimitConfig{UploadLimit: 1, UploadWindow: time.Hour}})

	post := func(userID string) *httptest.ResponseRecorder {
		body, contentType := uploadBody(t)
		req := httptest.NewRequest(http.MethodPost, "/videos", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+stack.token(t, userID, false))
		return serve(srv, req)
	}

	// The first attempt is charged even though it fails validation.
	if rec := post("user-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for incomplete upload, got %d", rec.Code)
	}
	rec := post("user-1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rec := post("user-2"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected other user to pass the limiter, got %d", rec.Code)
	}

	// Reads are never charged.
	req := httptest.NewRequest(http.MethodGet, "/videos/mine", nil)
	req.Header.Set("Authorization", "Bearer "+stack.token(t, "user-1", false))
	if rec := serve(srv, req); rec.Code != http.StatusOK {
		t.Fatalf("expected read to pass, got %d", rec.Code)
	}
}

func TestUploadRateLimitSharedThroughCache(t *testing.T) {
	stack := newTestStack(t)
	shared := cache.NewMemory()
	first := stack.server(t, Config{Cache: shared, RateLimit: RateLimitConfig{UploadLimit: 1, UploadWindow: time.Hour}})
	second := stack.server(t, Config{Cache: shared, RateLimit: RateLimitConfig{UploadLimit: 1, UploadWindow: time.Hour}})
	token := stack.token(t, "user-1", false)

	post := func(srv *Server) int {
		req := httptest.NewRequest(http.MethodPost, "/videos/youtube", strings.NewReader(`{"title":"Talk","youtubeUrl":"https://youtu.be/dQw4w9WgXcQ"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return serve(srv, req).Code
	}
	if code := post(first); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if code := post(second); code != http.StatusTooManyRequests {
		t.Fatalf("expected replica to share the limit, got %d", code)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	stack := newTestStack(t)
	srv := stack.server(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})
	if rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	if rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestClientIPResolverIgnoresForwardedByDefault(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "198.51.100.10" {
		t.Fatalf("expected remote addr, got %q", ip)
	}
	if source != ipSourceRemoteAddr {
		t.Fatalf("expected source %q, got %q", ipSourceRemoteAddr, source)
	}
}

func TestClientIPResolverTrustsForwardedWhenEnabled(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustForwardedHeaders: true})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1111"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "203.0.113.5" {
		t.Fatalf("expected first forwarded ip, got %q", ip)
	}
	if source != ipSourceXForwardedFor {
		t.Fatalf("expected source %q, got %q", ipSourceXForwardedFor, source)
	}
}

func TestClientIPResolverTrustedProxyCIDR(t *testing.T) {
	resolver, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8"}})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Real-IP", "203.0.113.10")
	ip, source := resolver.ClientIPFromRequest(req)
	if ip != "203.0.113.10" {
		t.Fatalf("expected real ip header, got %q", ip)
	}
	if source != ipSourceXRealIP {
		t.Fatalf("expected source %q, got %q", ipSourceXRealIP, source)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.RemoteAddr = "198.51.100.20:4444"
	req2.Header.Set("X-Forwarded-For", "203.0.113.11")
	ip2, source2 := resolver.ClientIPFromRequest(req2)
	if ip2 != "198.51.100.20" {
		t.Fatalf("expected remote addr for untrusted proxy, got %q", ip2)
	}
	if source2 != ipSourceRemoteAddr {
		t.Fatalf("expected source %q, got %q", ipSourceRemoteAddr, source2)
	}
}

func TestClientIPResolverRejectsBadProxy(t *testing.T) {
	if _, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"not-an-ip"}}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRateLimitMiddlewareKeysAnonymousCallersByIP(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute}, nil)
	resolver, err := newClientIPResolver(RateLimitConfig{TrustedProxies: []string{"10.0.0.0/8"}})
	if err != nil {
		t.Fatalf("newClientIPResolver error: %v", err)
	}
	handler := rateLimitMiddleware(rl, resolver, discardLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(remote, forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/videos", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("10.1.2.3:9999", "203.0.113.50"); code != http.StatusNoContent {
		t.Fatalf("expected first request to succeed, got %d", code)
	}
	if code := send("10.1.2.3:10000", "203.0.113.50"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be throttled, got %d", code)
	}
	if code := send("10.1.2.3:10001", "203.0.113.51"); code != http.StatusNoContent {
		t.Fatalf("expected a different client to pass, got %d", code)
	}
}

func TestServerRunServesAndStops(t *testing.T) {
	stack := newTestStack(t)
	srv := stack.server(t, Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, func(addr net.Addr) { addrs <- addr })
	}()

	var addr net.Addr
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("run returned early: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
