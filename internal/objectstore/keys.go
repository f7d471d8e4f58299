package objectstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// UploadKey returns uploads/{userId}/{timestamp}-{random}.{ext}.
func UploadKey(userID string, now time.Time, random, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	name := fmt.Sprintf("%d-%s", now.UTC().UnixMilli(), random)
	if ext != "" {
		name += "." + ext
	}
	return path.Join("uploads", keySegment(userID), name)
}

// VideoPrefix returns videos/{userId}/{baseFilename}, the directory that
// holds every rendition of one upload.
func VideoPrefix(userID, base string) string {
	return path.Join("videos", keySegment(userID), keySegment(base))
}

// RenditionKey returns the key of file inside rendition's directory.
func RenditionKey(userID, base, rendition, file string) string {
	return path.Join(VideoPrefix(userID, base), keySegment(rendition), path.Base(file))
}

// ThumbnailKey derives the thumbnail key for assetKey: same directory, base
// filename prefixed with thumb-, jpeg extension.
func ThumbnailKey(assetKey string) string {
	dir, file := path.Split(strings.TrimSpace(assetKey))
	return dir + "thumb-" + BaseName(file) + ".jpg"
}

// SiblingKey returns the key of filename in the same directory as key.
func SiblingKey(key, filename string) string {
	dir := path.Dir(key)
	if dir == "." || dir == "/" {
		return path.Base(filename)
	}
	return dir + "/" + path.Base(filename)
}

// BaseName strips the directory and extension from key.
func BaseName(key string) string {
	file := path.Base(strings.TrimSpace(key))
	return strings.TrimSuffix(file, path.Ext(file))
}

// RandomToken returns n random bytes hex encoded.
func RandomToken(n int) (string, error) {
	if n <= 0 {
		n = 4
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func keySegment(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	segment := b.String()
	if strings.Trim(segment, ".") == "" {
		return "_"
	}
	return segment
}
