// Package objectstore stores pipeline artifacts and issues time-limited URLs
// for them. Two backends are provided: S3-compatible storage through the AWS
// SDK and a local filesystem tree served by MediaHandler.
package objectstore

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

const (
	// DefaultUploadTTL bounds presigned upload URLs.
	DefaultUploadTTL = time.Hour
	// DefaultPlaybackTTL bounds presigned segment and manifest URLs.
	DefaultPlaybackTTL = 2 * time.Hour
)

// Object identifies a stored object. URL is empty when the backend has no
// public endpoint configured.
type Object struct {
	Key string
	URL string
}

// Gateway is the storage contract used by intake, the worker and the signer.
// Implementations are safe for concurrent use; presigning never mutates
// shared state.
type Gateway interface {
	// Upload writes body under key, replacing any existing object.
	Upload(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) (Object, error)
	// Open streams the object stored under key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
	PresignUpload(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ContentTypeFor returns the content type used when storing name.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

func applyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func joinURL(base, key string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return base
	}
	return base + "/" + trimmedKey
}

func ttlOrDefault(ttl, fallback time.Duration) time.Duration {
	if ttl <= 0 {
		return fallback
	}
	return ttl
}
