package playlist

import (
	"fmt"
	"strings"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
)

// preference lists renditions from most to least preferred.
var preference = []string{models.Rendition1080p, models.Rendition720p}

// SelectRendition picks the rendition to serve for video. An empty
// requested name selects the best available rendition.
func SelectRendition(video models.Video, requested string) (string, string, error) {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested != "" {
		if requested != models.Rendition720p && requested != models.Rendition1080p {
			return "", "", errs.New(errs.Validation, fmt.Sprintf("unknown rendition %q", requested))
		}
		key := video.RenditionKey(requested)
		if key == "" {
			return "", "", errs.New(errs.NotFound, fmt.Sprintf("rendition %s not available", requested))
		}
		return requested, key, nil
	}
	for _, name := range preference {
		if key := video.RenditionKey(name); key != "" {
			return name, key, nil
		}
	}
	return "", "", errs.New(errs.NotFound, "no rendition available")
}
