package models

import (
	"path"
	"sort"
	"strings"
	"time"
)

type VideoType string

const (
	VideoTypeUpload      VideoType = "upload"
	VideoTypeYouTube     VideoType = "youtube"
	VideoTypeExternalHLS VideoType = "external-hls"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type StorageType string

const (
	StorageLocal StorageType = "local"
	StorageS3    StorageType = "s3"
)

// Nominal rendition names.
const (
	Rendition720p  = "720p"
	Rendition1080p = "1080p"
)

// Video is one asset owned by the pipeline.
type Video struct {
	ID               string      `json:"id"`
	UserID           string      `json:"userId"`
	Title            string      `json:"title"`
	OriginalFilename string      `json:"originalFilename,omitempty"`
	OriginalSize     int64       `json:"originalSize,omitempty"`
	MimeType         string      `json:"mimeType,omitempty"`
	VideoType        VideoType   `json:"videoType"`
	Status           Status      `json:"status"`
	ProcessingError  string      `json:"processingError,omitempty"`
	StorageType      StorageType `json:"storageType,omitempty"`
	OriginalKey      string      `json:"originalKey,omitempty"`
	OriginalURL      string      `json:"originalUrl,omitempty"`
	HLS720Key        string      `json:"hls720Key,omitempty"`
	HLS720URL        string      `json:"hls720Url,omitempty"`
	HLS1080Key       string      `json:"hls1080Key,omitempty"`
	HLS1080URL       string      `json:"hls1080Url,omitempty"`
	ExternalURL      string      `json:"externalUrl,omitempty"`
	DurationSeconds  float64     `json:"duration,omitempty"`
	ThumbnailKey     string      `json:"thumbnailKey,omitempty"`
	ThumbnailURL     string      `json:"thumbnailUrl,omitempty"`
	DownloadURL      string      `json:"downloadUrl,omitempty"`
	UploadedAt       time.Time   `json:"uploadedAt"`
	ProcessedAt      *time.Time  `json:"processedAt,omitempty"`
}

// HasRendition reports whether any rendition key is recorded.
func (v Video) HasRendition() bool {
	return v.HLS720Key != "" || v.HLS1080Key != ""
}

// RenditionKey returns the manifest key recorded for name.
func (v Video) RenditionKey(name string) string {
	switch name {
	case Rendition720p:
		return v.HLS720Key
	case Rendition1080p:
		return v.HLS1080Key
	default:
		return ""
	}
}

// Result returns the transcode outcome recorded on the video.
func (v Video) Result() TranscodeResult {
	result := TranscodeResult{
		DurationSeconds: v.DurationSeconds,
		ThumbnailKey:    v.ThumbnailKey,
		ThumbnailURL:    v.ThumbnailURL,
	}
	if v.HLS720Key != "" {
		result.Renditions = append(result.Renditions, RenditionOutput{Name: Rendition720p, ManifestKey: v.HLS720Key, ManifestURL: v.HLS720URL})
	}
	if v.HLS1080Key != "" {
		result.Renditions = append(result.Renditions, RenditionOutput{Name: Rendition1080p, ManifestKey: v.HLS1080Key, ManifestURL: v.HLS1080URL})
	}
	return result
}

// RetryPolicy travels with each job so a backend can schedule retries
// without consulting process configuration.
type RetryPolicy struct {
	Attempts      int           `json:"attempts"`
	BackoffBase   time.Duration `json:"backoffBase"`
	BackoffFactor float64       `json:"backoffFactor"`
	BackoffCap    time.Duration `json:"backoffCap"`
}

// TranscodeJob is the queue payload for one upload video.
type TranscodeJob struct {
	ID               string      `json:"id"`
	VideoID          string      `json:"videoId"`
	UserID           string      `json:"userId"`
	Input            string      `json:"input"`
	OriginalFilename string      `json:"originalFilename"`
	BaseFilename     string      `json:"baseFilename"`
	StorageType      StorageType `json:"storageType"`
	Policy           RetryPolicy `json:"policy"`
	EnqueuedAt       time.Time   `json:"enqueuedAt"`
}

// RenditionOutput locates one uploaded rendition manifest.
type RenditionOutput struct {
	Name        string `json:"name"`
	ManifestKey string `json:"manifestKey"`
	ManifestURL string `json:"manifestUrl,omitempty"`
	Segments    int    `json:"segments"`
}

// TranscodeResult is what a successful job hands to the completion callback.
type TranscodeResult struct {
	Renditions      []RenditionOutput `json:"renditions"`
	DurationSeconds float64           `json:"duration"`
	ThumbnailKey    string            `json:"thumbnailKey,omitempty"`
	ThumbnailURL    string            `json:"thumbnailUrl,omitempty"`
}

// Rendition returns the output named name.
func (r TranscodeResult) Rendition(name string) (RenditionOutput, bool) {
	for _, rendition := range r.Renditions {
		if rendition.Name == name {
			return rendition, true
		}
	}
	return RenditionOutput{}, false
}

// CanTransition reports whether an upload may move from one status to
// another. Repeating a terminal or processing status is allowed so that
// redelivered jobs can re-apply the same state. Pending may fail directly:
// an enqueue failure does this, as does a job that dies before any attempt
// marked the video processing.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed || to == StatusPending
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusCompleted
	case StatusFailed:
		return to == StatusFailed
	default:
		return false
	}
}

// SortNewestFirst orders videos by upload time, newest first, then by id.
func SortNewestFirst(videos []Video) {
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].UploadedAt.Equal(videos[j].UploadedAt) {
			return videos[i].ID < videos[j].ID
		}
		return videos[i].UploadedAt.After(videos[j].UploadedAt)
	})
}

// NewTranscodeJob builds the queue payload for an upload video. The base
// filename is the stored original's name without directory or extension.
func NewTranscodeJob(v Video, policy RetryPolicy, now time.Time) TranscodeJob {
	file := path.Base(v.OriginalKey)
	return TranscodeJob{
		ID:               "job-" + v.ID,
		VideoID:          v.ID,
		UserID:           v.UserID,
		Input:            v.OriginalKey,
		OriginalFilename: v.OriginalFilename,
		BaseFilename:     strings.TrimSuffix(file, path.Ext(file)),
		StorageType:      v.StorageType,
		Policy:           policy,
		EnqueuedAt:       now.UTC(),
	}
}
