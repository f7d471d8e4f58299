// Package intake validates incoming media, stores it and creates the
// matching video records. Uploaded binaries of every kind go through the
// same asset pipeline; kinds only differ in the rules they apply.
package intake

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"vodpipe/internal/errs"
	"vodpipe/internal/objectstore"
)

// AssetKind names a class of uploaded binary.
type AssetKind string

const (
	AssetVideo AssetKind = "video"
	AssetImage AssetKind = "image"
)

type assetRule struct {
	extensions  []string
	types       []string
	defaultType string
	maxBytes    int64
}

var assetRules = map[AssetKind]assetRule{
	AssetVideo: {
		extensions:  []string{".mp4"},
		types:       []string{"video/mp4", "application/mp4"},
		defaultType: "video/mp4",
		maxBytes:    2 << 30,
	},
	AssetImage: {
		extensions:  []string{".jpg", ".jpeg", ".png"},
		types:       []string{"image/jpeg", "image/png"},
		defaultType: "image/jpeg",
		maxBytes:    10 << 20,
	},
}

// Asset is one uploaded file as received from the client.
type Asset struct {
	Filename    string
	ContentType string
	Data        []byte
}

// StoredAsset describes an asset after it has been written to storage.
type StoredAsset struct {
	Kind        AssetKind
	Key         string
	URL         string
	Filename    string
	BaseName    string
	ContentType string
	Size        int64
}

// ValidateAsset checks asset against kind's rules and returns the content
// type it will be stored with. limit overrides the kind's size ceiling when
// positive.
func ValidateAsset(kind AssetKind, asset Asset, limit int64) (string, error) {
	rule, ok := assetRules[kind]
	if !ok {
		return "", errs.New(errs.Validation, fmt.Sprintf("unsupported asset kind %q", kind))
	}
	if strings.TrimSpace(asset.Filename) == "" || len(asset.Data) == 0 {
		return "", errs.New(errs.Validation, fmt.Sprintf("%s file is required", kind))
	}
	max := rule.maxBytes
	if limit > 0 && limit < max {
		max = limit
	}
	if int64(len(asset.Data)) > max {
		return "", errs.New(errs.Validation, fmt.Sprintf("%s exceeds %d bytes", kind, max))
	}
	ext := strings.ToLower(path.Ext(asset.Filename))
	if !contains(rule.extensions, ext) {
		return "", errs.New(errs.Validation, fmt.Sprintf("%s must have one of the extensions %s", kind, strings.Join(rule.extensions, ", ")))
	}
	declared := mediaType(asset.ContentType)
	if declared != "" && declared != "application/octet-stream" && !contains(rule.types, declared) {
		return "", errs.New(errs.Validation, fmt.Sprintf("content type %s is not a supported %s type", declared, kind))
	}
	sniffed := mediaType(http.DetectContentType(asset.Data))
	if sniffed != "application/octet-stream" && !contains(rule.types, sniffed) {
		return "", errs.New(errs.Validation, fmt.Sprintf("file content is %s, not a supported %s", sniffed, kind))
	}
	switch {
	case contains(rule.types, sniffed):
		return sniffed, nil
	case contains(rule.types, declared):
		return declared, nil
	default:
		return rule.defaultType, nil
	}
}

// storeAsset validates asset and writes it to uploads/{userId}/. The
// returned BaseName is the stored filename without its extension.
func (s *Service) storeAsset(ctx context.Context, gateway objectstore.Gateway, kind AssetKind, userID string, asset Asset) (StoredAsset, error) {
	contentType, err := ValidateAsset(kind, asset, s.limitFor(kind))
	if err != nil {
		return StoredAsset{}, err
	}
	random, err := objectstore.RandomToken(6)
	if err != nil {
		return StoredAsset{}, errs.Wrap(errs.Internal, err, "generate asset key")
	}
	ext := strings.ToLower(path.Ext(asset.Filename))
	if ext == ".jpeg" {
		ext = ".jpg"
	}
	key := objectstore.UploadKey(userID, s.now(), random, ext)
	filename := NormalizeFilename(asset.Filename)
	obj, err := gateway.Upload(ctx, key, asset.Data, contentType, map[string]string{
		"original-filename": filename,
		"asset-kind":        string(kind),
		"owner":             userID,
	})
	if err != nil {
		return StoredAsset{}, err
	}
	return StoredAsset{
		Kind:        kind,
		Key:         obj.Key,
		URL:         obj.URL,
		Filename:    filename,
		BaseName:    objectstore.BaseName(obj.Key),
		ContentType: contentType,
		Size:        int64(len(asset.Data)),
	}, nil
}

func (s *Service) limitFor(kind AssetKind) int64 {
	if kind == AssetVideo {
		return s.maxUploadBytes
	}
	return 0
}

// MaxBytes returns the effective size ceiling for kind.
func (s *Service) MaxBytes(kind AssetKind) int64 {
	rule, ok := assetRules[kind]
	if !ok {
		return 0
	}
	if limit := s.limitFor(kind); limit > 0 && limit < rule.maxBytes {
		return limit
	}
	return rule.maxBytes
}

// NormalizeTitle folds title to NFC, turns control characters into spaces
// and collapses runs of whitespace.
func NormalizeTitle(title string) string {
	t := transform.Chain(norm.NFC, runes.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}))
	out, _, err := transform.String(t, title)
	if err != nil {
		out = title
	}
	return strings.Join(strings.Fields(out), " ")
}

// NormalizeFilename reduces name to its base and removes diacritics and
// control characters so it is safe to echo back in metadata headers.
func NormalizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), runes.Remove(runes.In(unicode.Cc)), norm.NFC)
	out, _, err := transform.String(t, name)
	if err != nil {
		return name
	}
	var b strings.Builder
	for _, r := range out {
		if r > unicode.MaxASCII {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func mediaType(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return strings.ToLower(parsed)
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
