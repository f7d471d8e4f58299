package intake

import (
	"net/url"
	"regexp"
	"strings"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
)

var youTubeID = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

var youTubeHosts = map[string]bool{
	"youtube.com":              true,
	"www.youtube.com":          true,
	"m.youtube.com":            true,
	"music.youtube.com":        true,
	"youtube-nocookie.com":     true,
	"www.youtube-nocookie.com": true,
}

// YouTubeVideoID extracts the 11 character video id from the recognised
// YouTube URL shapes: watch?v=, youtu.be/, embed/, shorts/, v/ and live/.
func YouTubeVideoID(raw string) (string, bool) {
	u, err := parseHTTPURL(raw)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")

	var id string
	switch {
	case host == "youtu.be" || host == "www.youtu.be":
		if len(segments) >= 1 {
			id = segments[0]
		}
	case youTubeHosts[host]:
		switch {
		case len(segments) == 1 && segments[0] == "watch":
			id = u.Query().Get("v")
		case len(segments) >= 2:
			switch segments[0] {
			case "embed", "shorts", "v", "live":
				id = segments[1]
			}
		}
	}
	if !youTubeID.MatchString(id) {
		return "", false
	}
	return id, true
}

// ValidateExternalURL checks raw for the given external video type.
func ValidateExternalURL(kind models.VideoType, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case models.VideoTypeExternalHLS:
		u, err := parseHTTPURL(raw)
		if err != nil {
			return "", errs.New(errs.Validation, "hlsUrl must be an absolute http(s) url")
		}
		// Literal suffix on the whole url: a query after it or ".M3U8" is rejected.
		if !strings.HasSuffix(strings.TrimSpace(raw), ".m3u8") {
			return "", errs.New(errs.Validation, "hlsUrl must end in .m3u8")
		}
		return u.String(), nil
	case models.VideoTypeYouTube:
		if _, ok := YouTubeVideoID(raw); !ok {
			return "", errs.New(errs.Validation, "youtubeUrl is not a recognised YouTube video url")
		}
		return raw, nil
	default:
		return "", errs.New(errs.Validation, "unsupported external video type")
	}
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errs.New(errs.Validation, "url must be absolute http(s)")
	}
	return u, nil
}
