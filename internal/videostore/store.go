// Package videostore persists Video records and enforces their status
// lifecycle. Every backend rejects transitions that would regress an
// upload's status.
package videostore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
)

// Store is the metadata repository contract.
type Store interface {
	Create(ctx context.Context, video models.Video) (models.Video, error)
	Get(ctx context.Context, id string) (models.Video, error)
	List(ctx context.Context, filter ListFilter) ([]models.Video, error)
	MarkProcessing(ctx context.Context, id string) (models.Video, error)
	MarkCompleted(ctx context.Context, id string, result models.TranscodeResult, at time.Time) (models.Video, error)
	MarkFailed(ctx context.Context, id string, message string, at time.Time) (models.Video, error)
	Delete(ctx context.Context, id string) error
	Close(ctx context.Context) error
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	UserID string
	Status models.Status
	Limit  int
}

func (f ListFilter) matches(video models.Video) bool {
	if f.UserID != "" && video.UserID != f.UserID {
		return false
	}
	if f.Status != "" && video.Status != f.Status {
		return false
	}
	return true
}

func notFound(id string) error {
	return errs.New(errs.NotFound, fmt.Sprintf("video %s not found", id))
}

func invalidTransition(id string, from, to models.Status) error {
	return errs.New(errs.Conflict, fmt.Sprintf("video %s cannot move from %s to %s", id, from, to))
}

// validateNew checks creation invariants and fills defaults.
func validateNew(video models.Video, now time.Time) (models.Video, error) {
	video.ID = strings.TrimSpace(video.ID)
	if video.ID == "" {
		return video, errs.New(errs.Validation, "video id is required")
	}
	if strings.TrimSpace(video.UserID) == "" {
		return video, errs.New(errs.Validation, "video owner is required")
	}
	if strings.TrimSpace(video.Title) == "" {
		return video, errs.New(errs.Validation, "video title is required")
	}
	switch video.VideoType {
	case models.VideoTypeUpload:
		if video.Status == "" {
			video.Status = models.StatusPending
		}
		if video.Status != models.StatusPending {
			return video, errs.New(errs.Validation, "uploads must start pending")
		}
	case models.VideoTypeYouTube, models.VideoTypeExternalHLS:
		if video.Status == "" {
			video.Status = models.StatusCompleted
		}
		if video.Status != models.StatusCompleted {
			return video, errs.New(errs.Validation, "external references are completed on creation")
		}
		if strings.TrimSpace(video.ExternalURL) == "" {
			return video, errs.New(errs.Validation, "external reference url is required")
		}
	default:
		return video, errs.New(errs.Validation, fmt.Sprintf("unknown video type %q", video.VideoType))
	}
	if video.UploadedAt.IsZero() {
		video.UploadedAt = now
	}
	video.UploadedAt = video.UploadedAt.UTC()
	return video, nil
}

// applyCompleted writes result onto video.
func applyCompleted(video *models.Video, result models.TranscodeResult, at time.Time) error {
	if len(result.Renditions) == 0 {
		return errs.New(errs.Validation, "completed uploads need at least one rendition")
	}
	video.HLS720Key, video.HLS720URL = "", ""
	video.HLS1080Key, video.HLS1080URL = "", ""
	for _, rendition := range result.Renditions {
		switch rendition.Name {
		case models.Rendition720p:
			video.HLS720Key, video.HLS720URL = rendition.ManifestKey, rendition.ManifestURL
		case models.Rendition1080p:
			video.HLS1080Key, video.HLS1080URL = rendition.ManifestKey, rendition.ManifestURL
		}
	}
	if !video.HasRendition() {
		return errs.New(errs.Validation, "completed uploads need a 720p or 1080p rendition")
	}
	video.Status = models.StatusCompleted
	video.ProcessingError = ""
	video.DurationSeconds = result.DurationSeconds
	if result.ThumbnailKey != "" {
		video.ThumbnailKey, video.ThumbnailURL = result.ThumbnailKey, result.ThumbnailURL
	}
	processed := at.UTC()
	video.ProcessedAt = &processed
	return nil
}

// applyFailed marks video failed and drops any rendition references.
func applyFailed(video *models.Video, message string, at time.Time) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "transcode failed"
	}
	video.Status = models.StatusFailed
	video.ProcessingError = message
	video.HLS720Key, video.HLS720URL = "", ""
	video.HLS1080Key, video.HLS1080URL = "", ""
	processed := at.UTC()
	video.ProcessedAt = &processed
}
