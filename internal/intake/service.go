package intake

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/objectstore"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/playlist"
	"vodpipe/internal/queue"
	"vodpipe/internal/videostore"
)

const maxTitleLength = 200

// Config wires a Service.
type Config struct {
	Store   videostore.Store
	Queue   queue.Queue
	Storage *objectstore.Registry
	Policy  models.RetryPolicy
	// MaxUploadBytes caps video uploads below the kind's default ceiling.
	MaxUploadBytes int64
	// PublicBaseURL is the externally visible origin of the API. Signer
	// URLs are relative when it is empty.
	PublicBaseURL string
	DownloadTTL   time.Duration
	Now           func() time.Time
	NewID         func() string
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Service implements video intake, lookup and deletion.
type Service struct {
	store          videostore.Store
	queue          queue.Queue
	storage        *objectstore.Registry
	policy         models.RetryPolicy
	maxUploadBytes int64
	publicBaseURL  string
	downloadTTL    time.Duration
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger
	metrics        *metrics.Recorder
}

// UploadRequest carries a multipart upload.
type UploadRequest struct {
	UserID string
	Title  string
	Video  Asset
	// Poster is an optional still used as the thumbnail until the worker
	// extracts one.
	Poster *Asset
}

// ExternalRequest registers a video hosted elsewhere.
type ExternalRequest struct {
	UserID string
	Title  string
	URL    string
	Kind   models.VideoType
}

// NewService validates cfg and fills the upload limits and retry policy.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errs.New(errs.FatalConfig, "intake requires a video store")
	}
	if cfg.Queue == nil {
		return nil, errs.New(errs.FatalConfig, "intake requires a job queue")
	}
	if cfg.Storage == nil {
		return nil, errs.New(errs.FatalConfig, "intake requires storage")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	ttl := cfg.DownloadTTL
	if ttl <= 0 {
		ttl = objectstore.DefaultPlaybackTTL
	}
	return &Service{
		store:          cfg.Store,
		queue:          cfg.Queue,
		storage:        cfg.Storage,
		policy:         queue.NormalizePolicy(cfg.Policy),
		maxUploadBytes: cfg.MaxUploadBytes,
		publicBaseURL:  strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		downloadTTL:    ttl,
		now:            now,
		newID:          newID,
		logger:         logging.WithComponent(cfg.Logger, "api"),
		metrics:        cfg.Metrics,
	}, nil
}

// CreateUpload stores the original, records a pending video and enqueues
// exactly one transcode job for it.
func (s *Service) CreateUpload(ctx context.Context, req UploadRequest) (models.Video, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return models.Video{}, errs.New(errs.Unauthenticated, "authentication required")
	}
	title, err := validTitle(req.Title)
	if err != nil {
		return models.Video{}, err
	}
	if _, err := ValidateAsset(AssetVideo, req.Video, s.maxUploadBytes); err != nil {
		return models.Video{}, err
	}
	if req.Poster != nil {
		if _, err := ValidateAsset(AssetImage, *req.Poster, 0); err != nil {
			return models.Video{}, err
		}
	}

	storageType, gateway := s.storage.Default()
	original, err := s.storeAsset(ctx, gateway, AssetVideo, req.UserID, req.Video)
	if err != nil {
		return models.Video{}, err
	}
	stored := []string{original.Key}

	video := models.Video{
		ID:               s.newID(),
		UserID:           req.UserID,
		Title:            title,
		OriginalFilename: original.Filename,
		OriginalSize:     original.Size,
		MimeType:         original.ContentType,
		VideoType:        models.VideoTypeUpload,
		Status:           models.StatusPending,
		StorageType:      storageType,
		OriginalKey:      original.Key,
		OriginalURL:      original.URL,
		UploadedAt:       s.now(),
	}
	if req.Poster != nil {
		poster, err := s.storeAsset(ctx, gateway, AssetImage, req.UserID, *req.Poster)
		if err != nil {
			s.cleanup(ctx, gateway, stored)
			return models.Video{}, err
		}
		stored = append(stored, poster.Key)
		video.ThumbnailKey, video.ThumbnailURL = poster.Key, poster.URL
	}

	created, err := s.store.Create(ctx, video)
	if err != nil {
		s.cleanup(ctx, gateway, stored)
		return models.Video{}, err
	}
	logger := logging.WithContext(logging.ContextWithVideoID(ctx, created.ID), s.logger)

	job := models.NewTranscodeJob(created, s.policy, s.now())
	if err := s.queue.Enqueue(ctx, job); err != nil {
		logger.Error("enqueue transcode job", "error", err)
		if _, markErr := s.store.MarkFailed(ctx, created.ID, "enqueue failed: "+err.Error(), s.now()); markErr != nil {
			logger.Error("mark video failed after enqueue error", "error", markErr)
		}
		return models.Video{}, errs.Wrap(errs.Transient, err, "enqueue transcode job")
	}
	s.metrics.VideoAccepted(string(models.VideoTypeUpload))
	logger.Info("upload accepted", "key", created.OriginalKey, "bytes", created.OriginalSize)
	return created, nil
}

// CreateExternal records a completed video that references media hosted
// elsewhere. No job is enqueued.
func (s *Service) CreateExternal(ctx context.Context, req ExternalRequest) (models.Video, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return models.Video{}, errs.New(errs.Unauthenticated, "authentication required")
	}
	title, err := validTitle(req.Title)
	if err != nil {
		return models.Video{}, err
	}
	ref, err := ValidateExternalURL(req.Kind, req.URL)
	if err != nil {
		return models.Video{}, err
	}
	now := s.now()
	video := models.Video{
		ID:          s.newID(),
		UserID:      req.UserID,
		Title:       title,
		VideoType:   req.Kind,
		Status:      models.StatusCompleted,
		ExternalURL: ref,
		UploadedAt:  now,
		ProcessedAt: &now,
	}
	created, err := s.store.Create(ctx, video)
	if err != nil {
		return models.Video{}, err
	}
	s.metrics.VideoAccepted(string(req.Kind))
	logging.WithContext(ctx, s.logger).Info("external video registered", "video_id", created.ID, "type", created.VideoType)
	return created, nil
}

// Get returns the video with playback fields prepared for the caller.
func (s *Service) Get(ctx context.Context, id string) (models.Video, error) {
	video, err := s.store.Get(ctx, id)
	if err != nil {
		return models.Video{}, err
	}
	return s.present(ctx, video, true), nil
}

// List returns videos matching filter, newest first.
func (s *Service) List(ctx context.Context, filter videostore.ListFilter) ([]models.Video, error) {
	videos, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range videos {
		videos[i] = s.present(ctx, videos[i], false)
	}
	return videos, nil
}

// present points S3-backed renditions at the signer endpoint and, when
// withDownload is set, attaches a presigned URL for the original.
func (s *Service) present(ctx context.Context, video models.Video, withDownload bool) models.Video {
	if video.VideoType != models.VideoTypeUpload || video.StorageType != models.StorageS3 {
		return video
	}
	if video.HLS720Key != "" {
		video.HLS720URL = s.PlaylistURL(video.ID, models.Rendition720p)
	}
	if video.HLS1080Key != "" {
		video.HLS1080URL = s.PlaylistURL(video.ID, models.Rendition1080p)
	}
	if !withDownload || !video.HasRendition() || video.OriginalKey == "" {
		return video
	}
	gateway, err := s.storage.For(video.StorageType)
	if err != nil {
		logging.WithContext(ctx, s.logger).Warn("resolve storage for download url", "video_id", video.ID, "error", err)
		return video
	}
	download, err := gateway.PresignDownload(ctx, video.OriginalKey, s.downloadTTL)
	if err != nil {
		logging.WithContext(ctx, s.logger).Warn("presign original download", "video_id", video.ID, "error", err)
		return video
	}
	video.DownloadURL = download
	return video
}

// PlaylistURL returns the signer endpoint for one rendition of id.
func (s *Service) PlaylistURL(id, rendition string) string {
	u := s.publicBaseURL + "/videos/" + url.PathEscape(id) + "/playlist.m3u8"
	if rendition != "" {
		u += "?rendition=" + url.QueryEscape(rendition)
	}
	return u
}

// Delete removes the video and its stored objects. Only the owner may
// delete; deleting a missing video succeeds.
func (s *Service) Delete(ctx context.Context, id, requesterID string) error {
	video, err := s.store.Get(ctx, id)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil
		}
		return err
	}
	if requesterID == "" || video.UserID != requesterID {
		return errs.New(errs.Authorization, "only the owner may delete this video")
	}
	if video.VideoType == models.VideoTypeUpload {
		if err := s.deleteObjects(ctx, video); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, id); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	logging.WithContext(ctx, s.logger).Info("video deleted", "video_id", id)
	return nil
}

// deleteObjects removes every rendition segment and manifest, the
// thumbnail and the original. Segment names are read from each manifest.
func (s *Service) deleteObjects(ctx context.Context, video models.Video) error {
	gateway, err := s.storage.For(video.StorageType)
	if err != nil {
		return err
	}
	var keys []string
	for _, manifestKey := range []string{video.HLS720Key, video.HLS1080Key} {
		if manifestKey == "" {
			continue
		}
		segments, err := s.segmentKeys(ctx, gateway, manifestKey)
		if err != nil {
			return err
		}
		keys = append(keys, segments...)
		keys = append(keys, manifestKey)
	}
	if video.ThumbnailKey != "" {
		keys = append(keys, video.ThumbnailKey)
	}
	if video.OriginalKey != "" {
		keys = append(keys, video.OriginalKey)
	}
	for _, key := range keys {
		if err := gateway.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

func (s *Service) segmentKeys(ctx context.Context, gateway objectstore.Gateway, manifestKey string) ([]string, error) {
	body, err := gateway.Open(ctx, manifestKey)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer body.Close()
	data, err := readLimited(body, 4<<20)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, err, "read manifest")
	}
	names := playlist.SegmentFiles(data)
	keys := make([]string, 0, len(names))
	for _, name := range names {
		keys = append(keys, objectstore.SiblingKey(manifestKey, name))
	}
	return keys, nil
}

func (s *Service) cleanup(ctx context.Context, gateway objectstore.Gateway, keys []string) {
	for _, key := range keys {
		if err := gateway.Delete(ctx, key); err != nil {
			logging.WithContext(ctx, s.logger).Warn("cleanup stored asset", "key", key, "error", err)
		}
	}
}

func validTitle(raw string) (string, error) {
	title := NormalizeTitle(raw)
	if title == "" {
		return "", errs.New(errs.Validation, "title is required")
	}
	if len([]rune(title)) > maxTitleLength {
		return "", errs.New(errs.Validation, fmt.Sprintf("title must be at most %d characters", maxTitleLength))
	}
	return title, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("exceeds %d bytes", limit)
	}
	return data, nil
}
