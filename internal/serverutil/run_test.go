package serverutil

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vodpipe/internal/errs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type runHarness struct {
	done   chan error
	addr   chan net.Addr
	cancel context.CancelFunc
}

func startRun(t *testing.T, cfg Config) *runHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := &runHarness{done: make(chan error, 1), addr: make(chan net.Addr, 1), cancel: cancel}
	cfg.OnListen = func(addr net.Addr) { h.addr <- addr }
	cfg.Logger = discardLogger()
	go func() {
		h.done <- Run(ctx, cfg)
	}()
	return h
}

func (h *runHarness) waitListening(t *testing.T) net.Addr {
	t.Helper()
	select {
	case addr := <-h.addr:
		return addr
	case err := <-h.done:
		t.Fatalf("run returned before listening: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	return nil
}

func (h *runHarness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := startRun(t, Config{Server: &http.Server{Addr: "127.0.0.1:0", Handler: mux}, ShutdownTimeout: time.Second})
	addr := h.waitListening(t)

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	h.stop(t)
}

func TestRunUsesTLSWhenConfigured(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	h := startRun(t, Config{
		Server:          &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()},
		ShutdownTimeout: time.Second,
		TLS: TLSConfig{
			CertFile: certFile,
			KeyFile:  keyFile,
		},
	})
	addr := h.waitListening(t)

	conn, err := tls.Dial("tcp", addr.String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial: %v", err)
	}
	conn.Close()
	h.stop(t)
}

func TestRunStartupError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		_ = listener.Close()
	})

	h := startRun(t, Config{Server: &http.Server{Addr: listener.Addr().String(), Handler: http.NewServeMux()}, ShutdownTimeout: time.Second})

	select {
	case err := <-h.done:
		if !errs.Is(err, errs.FatalConfig) {
			t.Fatalf("expected fatal config error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("server run did not return")
	}

	select {
	case <-h.addr:
		t.Fatal("server unexpectedly signalled readiness")
	default:
	}
}

func TestRunRejectsPartialTLS(t *testing.T) {
	err := Run(context.Background(), Config{
		Server: &http.Server{Addr: "127.0.0.1:0"},
		TLS:    TLSConfig{CertFile: "cert.pem"},
	})
	if !errs.Is(err, errs.FatalConfig) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
	if err := Run(context.Background(), Config{}); !errs.Is(err, errs.FatalConfig) {
		t.Fatalf("expected fatal config error without server, got %v", err)
	}
}

func writeSelfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		DNSNames: []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	return certPath, keyPath
}
