package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"vodpipe/internal/errs"
	"vodpipe/internal/observability/logging"
)

// MediaRoute is the path prefix MediaHandler is mounted under.
const MediaRoute = "/media/"

// LocalConfig configures a filesystem-backed gateway.
type LocalConfig struct {
	Root string
	// PublicBaseURL is the externally reachable origin of the API server,
	// used to build media URLs.
	PublicBaseURL string
	SigningSecret string
	Prefix        string
	// PublicRead lets MediaHandler serve GET requests that carry no
	// signature. Presented signatures are always verified.
	PublicRead bool
	Logger     *slog.Logger
	Now        func() time.Time
}

// LocalGateway stores objects as files below a root directory.
type LocalGateway struct {
	root       string
	baseURL    string
	prefix     string
	publicRead bool
	signingKey []byte
	now        func() time.Time
	logger     *slog.Logger
}

// NewLocalGateway creates root if needed and derives the URL signing key.
func NewLocalGateway(cfg LocalConfig) (*LocalGateway, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errs.New(errs.FatalConfig, "local storage root is required")
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, errs.New(errs.FatalConfig, "local storage signing secret is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.FatalConfig, err, "create local storage root")
	}
	key, err := deriveSigningKey(cfg.SigningSecret)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &LocalGateway{
		root:       root,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		prefix:     cfg.Prefix,
		publicRead: cfg.PublicRead,
		signingKey: key,
		now:        now,
		logger:     logging.WithComponent(cfg.Logger, "objectstore"),
	}, nil
}

func deriveSigningKey(secret string) ([]byte, error) {
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte("vodpipe media url v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive media signing key: %w", err)
	}
	return key, nil
}

// Path resolves key to a filesystem path below the root.
func (g *LocalGateway) Path(key string) (string, error) {
	finalKey, err := cleanKey(applyPrefix(g.prefix, key))
	if err != nil {
		return "", err
	}
	return filepath.Join(g.root, filepath.FromSlash(finalKey)), nil
}

func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(key))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." || strings.Contains(key, "..") {
		return "", errs.New(errs.Validation, fmt.Sprintf("invalid object key %q", key))
	}
	return cleaned, nil
}

func (g *LocalGateway) Upload(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) (Object, error) {
	target, err := g.Path(key)
	if err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, errs.Wrap(errs.Transient, err, "upload cancelled")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Object{}, errs.Wrap(errs.Transient, err, "create object directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return Object{}, errs.Wrap(errs.Transient, err, "create temp object")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Object{}, errs.Wrap(errs.Transient, err, "write object")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Object{}, errs.Wrap(errs.Transient, err, "close object")
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return Object{}, errs.Wrap(errs.Transient, err, "commit object")
	}
	finalKey := applyPrefix(g.prefix, key)
	g.logger.Debug("object stored", "key", finalKey, "bytes", len(body))
	return Object{Key: finalKey, URL: g.mediaURL(finalKey)}, nil
}

func (g *LocalGateway) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	target, err := g.Path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Wrap(errs.NotFound, err, fmt.Sprintf("object %s not found", key))
		}
		return nil, errs.Wrap(errs.Transient, err, fmt.Sprintf("open object %s", key))
	}
	return file, nil
}

func (g *LocalGateway) Delete(ctx context.Context, key string) error {
	target, err := g.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Wrap(errs.Transient, err, fmt.Sprintf("delete object %s", key))
	}
	return nil
}

func (g *LocalGateway) PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return g.presign("PUT", key, ttlOrDefault(ttl, DefaultUploadTTL))
}

func (g *LocalGateway) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return g.presign("GET", key, ttlOrDefault(ttl, DefaultPlaybackTTL))
}

// ReadPresigned verifies a URL issued by PresignDownload and reads the object
// from disk. The URL is relative when no public base URL is configured.
func (g *LocalGateway) ReadPresigned(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	u, err := url.Parse(strings.TrimPrefix(rawURL, g.baseURL))
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "parse media url")
	}
	if !strings.HasPrefix(u.Path, MediaRoute) {
		return nil, errs.New(errs.Validation, fmt.Sprintf("%q is not a media url", rawURL))
	}
	key, err := cleanKey(strings.TrimPrefix(u.Path, MediaRoute))
	if err != nil {
		return nil, err
	}
	query := u.Query()
	if err := g.Verify("GET", key, query.Get("expires"), query.Get("signature")); err != nil {
		return nil, err
	}
	file, err := g.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return readLimited(file, limit)
}

func (g *LocalGateway) presign(method, key string, ttl time.Duration) (string, error) {
	finalKey, err := cleanKey(applyPrefix(g.prefix, key))
	if err != nil {
		return "", err
	}
	expires := g.now().Add(ttl).Unix()
	query := url.Values{}
	query.Set("expires", strconv.FormatInt(expires, 10))
	query.Set("signature", g.sign(method, finalKey, expires))
	return g.mediaURL(finalKey) + "?" + query.Encode(), nil
}

func (g *LocalGateway) sign(method, key string, expires int64) string {
	mac := hmac.New(sha256.New, g.signingKey)
	fmt.Fprintf(mac, "%s\n%s\n%d", method, key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a presigned request for key.
func (g *LocalGateway) Verify(method, key, expires, signature string) error {
	if expires == "" || signature == "" {
		return errs.New(errs.Authorization, "missing signature")
	}
	unix, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return errs.New(errs.Authorization, "invalid expiry")
	}
	if g.now().Unix() > unix {
		return errs.New(errs.Authorization, "signature expired")
	}
	if method == "HEAD" {
		method = "GET"
	}
	expected := g.sign(method, key, unix)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errs.New(errs.Authorization, "signature mismatch")
	}
	return nil
}

func (g *LocalGateway) mediaURL(key string) string {
	return g.baseURL + MediaRoute + strings.TrimLeft(key, "/")
}
