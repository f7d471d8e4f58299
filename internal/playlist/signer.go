package playlist

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/objectstore"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/videostore"
)

const defaultMaxManifestBytes = 4 << 20

// Config wires a Signer.
type Config struct {
	Store    videostore.Store
	Storage  *objectstore.Registry
	Client   *http.Client
	TTL      time.Duration
	MaxBytes int64
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Signer produces playback manifests with freshly presigned segment URLs.
type Signer struct {
	store    videostore.Store
	storage  *objectstore.Registry
	client   *http.Client
	ttl      time.Duration
	maxBytes int64
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// Manifest is one signed playlist response.
type Manifest struct {
	VideoID   string
	Rendition string
	Body      []byte
}

// NewSigner validates cfg and fills the client, TTL and size defaults.
func NewSigner(cfg Config) (*Signer, error) {
	if cfg.Store == nil {
		return nil, errs.New(errs.FatalConfig, "playlist signer requires a video store")
	}
	if cfg.Storage == nil {
		return nil, errs.New(errs.FatalConfig, "playlist signer requires storage")
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = objectstore.DefaultPlaybackTTL
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxManifestBytes
	}
	return &Signer{
		store:    cfg.Store,
		storage:  cfg.Storage,
		client:   client,
		ttl:      ttl,
		maxBytes: maxBytes,
		logger:   logging.WithComponent(cfg.Logger, "signer"),
		metrics:  cfg.Metrics,
	}, nil
}

// Sign loads videoID, resolves the rendition to serve and returns its
// manifest with every segment re-signed. Either the whole manifest is
// returned or an error is.
func (s *Signer) Sign(ctx context.Context, videoID, rendition string) (Manifest, error) {
	video, err := s.store.Get(ctx, videoID)
	if err != nil {
		return Manifest{}, err
	}
	if video.VideoType != models.VideoTypeUpload || video.Status != models.StatusCompleted {
		return Manifest{}, errs.New(errs.NotFound, "no rendition available")
	}
	name, key, err := SelectRendition(video, rendition)
	if err != nil {
		return Manifest{}, err
	}
	body, err := s.render(ctx, video, key)
	s.metrics.PlaylistSigned(name, err)
	if err != nil {
		logging.WithContext(ctx, s.logger).Warn("playlist signing failed",
			"video_id", video.ID, "rendition", name, "error", err)
		return Manifest{}, err
	}
	return Manifest{VideoID: video.ID, Rendition: name, Body: body}, nil
}

func (s *Signer) render(ctx context.Context, video models.Video, manifestKey string) ([]byte, error) {
	gateway, err := s.storage.For(video.StorageType)
	if err != nil {
		return nil, err
	}
	manifestURL, err := gateway.PresignDownload(ctx, manifestKey, s.ttl)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if reader, ok := gateway.(objectstore.PresignedReader); ok {
		raw, err = reader.ReadPresigned(ctx, manifestURL, s.maxBytes)
	} else {
		raw, err = objectstore.DownloadPresigned(ctx, s.client, manifestURL, s.maxBytes)
	}
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, errs.Wrap(errs.NotFound, err, "manifest not found")
		}
		return nil, errs.Wrap(errs.Transient, err, "fetch manifest")
	}
	return Rewrite(raw, manifestKey, func(key string) (string, error) {
		return gateway.PresignDownload(ctx, key, s.ttl)
	})
}
