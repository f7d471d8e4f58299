// Package playlist serves HLS manifests whose segment references are
// re-signed on every request.
package playlist

import (
	"bytes"
	"path"
	"strings"

	"vodpipe/internal/objectstore"
)

// ContentType is the media type of every manifest response.
const ContentType = "application/vnd.apple.mpegurl"

// PresignFunc returns a time-limited URL for key.
type PresignFunc func(key string) (string, error)

// Rewrite replaces every segment line of manifest with a presigned URL for
// the sibling object of manifestKey that carries the same filename. Tags,
// comments, blank lines and unrecognised URI lines are copied unchanged, as
// is each line's trailing carriage return. Any presign failure aborts the
// whole rewrite.
func Rewrite(manifest []byte, manifestKey string, presign PresignFunc) ([]byte, error) {
	lines := bytes.Split(manifest, []byte("\n"))
	out := make([][]byte, len(lines))
	for i, line := range lines {
		body, cr := splitCR(line)
		name, ok := segmentName(string(body))
		if !ok {
			out[i] = line
			continue
		}
		signed, err := presign(objectstore.SiblingKey(manifestKey, name))
		if err != nil {
			return nil, err
		}
		replaced := make([]byte, 0, len(signed)+1)
		replaced = append(replaced, signed...)
		if cr {
			replaced = append(replaced, '\r')
		}
		out[i] = replaced
	}
	return bytes.Join(out, []byte("\n")), nil
}

// SegmentFiles lists the segment filenames referenced by manifest in order.
func SegmentFiles(manifest []byte) []string {
	var names []string
	for _, line := range bytes.Split(manifest, []byte("\n")) {
		body, _ := splitCR(line)
		if name, ok := segmentName(string(body)); ok {
			names = append(names, name)
		}
	}
	return names
}

func splitCR(line []byte) ([]byte, bool) {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1], true
	}
	return line, false
}

// segmentName reports whether line ends in ".ts" and returns its filename.
// Lines carrying a query or fragment do not match.
func segmentName(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	if !strings.HasSuffix(trimmed, ".ts") {
		return "", false
	}
	name := path.Base(trimmed)
	if name == "." || name == "/" || name == ".ts" {
		return "", false
	}
	return name, true
}
