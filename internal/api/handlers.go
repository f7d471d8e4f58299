package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"vodpipe/internal/auth"
	"vodpipe/internal/errs"
	"vodpipe/internal/intake"
	"vodpipe/internal/models"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/playlist"
	"vodpipe/internal/videostore"
)

const (
	VideosRoute      = "/videos"
	VideoPrefixRoute = "/videos/"
	playlistFile     = "playlist.m3u8"
	multipartSlack   = 1 << 20
	maxListLimit     = 500
)

type HandlerConfig struct {
	Intake *intake.Service
	Signer *playlist.Signer
	// Probes are reported by Health, keyed by component name.
	Probes map[string]Probe
	Logger *slog.Logger
}

// Handler serves the video endpoints.
type Handler struct {
	intake *intake.Service
	signer *playlist.Signer
	probes map[string]Probe
	logger *slog.Logger
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Intake == nil {
		return nil, errs.New(errs.FatalConfig, "api requires the intake service")
	}
	if cfg.Signer == nil {
		return nil, errs.New(errs.FatalConfig, "api requires the playlist signer")
	}
	probes := make(map[string]Probe, len(cfg.Probes))
	for name, probe := range cfg.Probes {
		if probe != nil {
			probes[name] = probe
		}
	}
	return &Handler{
		intake: cfg.Intake,
		signer: cfg.Signer,
		probes: probes,
		logger: logging.WithComponent(cfg.Logger, "api"),
	}, nil
}

func requireIdentity(r *http.Request) (auth.Identity, error) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity.UserID == "" {
		return auth.Identity{}, errs.New(errs.Unauthenticated, "authentication required")
	}
	return identity, nil
}

// Videos handles /videos: POST uploads a file, GET lists every video for
// privileged callers.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createUpload(w, r)
	case http.MethodGet:
		h.listAll(w, r)
	default:
		writeMethodNotAllowed(w, r, "GET, POST")
	}
}

// VideoByID handles everything below /videos/.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, VideoPrefixRoute), "/")
	if path == "" {
		h.Videos(w, r)
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] == "mine":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, r, "GET")
			return
		}
		h.listMine(w, r)
		return
	case len(parts) == 1 && parts[0] == string(models.VideoTypeExternalHLS):
		h.createExternal(w, r, models.VideoTypeExternalHLS)
		return
	case len(parts) == 1 && parts[0] == string(models.VideoTypeYouTube):
		h.createExternal(w, r, models.VideoTypeYouTube)
		return
	}

	id := strings.TrimSpace(parts[0])
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			h.getVideo(w, r, id)
		case http.MethodDelete:
			h.deleteVideo(w, r, id)
		default:
			writeMethodNotAllowed(w, r, "GET, DELETE")
		}
	case len(parts) == 2 && parts[1] == playlistFile:
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeMethodNotAllowed(w, r, "GET, HEAD")
			return
		}
		h.playlist(w, r, id)
	default:
		WriteError(w, errs.New(errs.NotFound, "route not found"))
	}
}

func (h *Handler) createUpload(w http.ResponseWriter, r *http.Request) {
	identity, err := requireIdentity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	req, err := h.readUpload(w, r)
	if err != nil {
		WriteError(w, err)
		return
	}
	req.UserID = identity.UserID
	video, err := h.intake.CreateUpload(r.Context(), req)
	if err != nil {
		h.logFailure(r.Context(), "create upload", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, video)
}

// readUpload collects the title, video and optional poster parts.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (intake.UploadRequest, error) {
	contentType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		return intake.UploadRequest{}, errs.New(errs.Validation, "multipart/form-data payload required")
	}
	videoLimit := h.intake.MaxBytes(intake.AssetVideo)
	posterLimit := h.intake.MaxBytes(intake.AssetImage)
	r.Body = http.MaxBytesReader(w, r.Body, videoLimit+posterLimit+multipartSlack)

	reader, err := r.MultipartReader()
	if err != nil {
		return intake.UploadRequest{}, errs.Wrap(errs.Validation, err, "invalid multipart payload")
	}
	var req intake.UploadRequest
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return intake.UploadRequest{}, multipartError(err)
		}
		name := part.FormName()
		switch name {
		case "video", "poster":
			limit := videoLimit
			if name == "poster" {
				limit = posterLimit
			}
			data, err := io.ReadAll(io.LimitReader(part, limit+1))
			_ = part.Close()
			if err != nil {
				return intake.UploadRequest{}, multipartError(err)
			}
			asset := intake.Asset{
				Filename:    part.FileName(),
				ContentType: part.Header.Get("Content-Type"),
				Data:        data,
			}
			if name == "video" {
				req.Video = asset
			} else {
				req.Poster = &asset
			}
		case "title":
			payload, err := io.ReadAll(io.LimitReader(part, 4096))
			_ = part.Close()
			if err != nil {
				return intake.UploadRequest{}, multipartError(err)
			}
			req.Title = string(payload)
		default:
			_ = part.Close()
		}
	}
	return req, nil
}

func multipartError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errs.New(errs.Validation, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}
	return errs.Wrap(errs.Validation, err, "read multipart data")
}

type createExternalRequest struct {
	Title      string `json:"title"`
	HLSURL     string `json:"hlsUrl,omitempty"`
	YouTubeURL string `json:"youtubeUrl,omitempty"`
}

func (h *Handler) createExternal(w http.ResponseWriter, r *http.Request, kind models.VideoType) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, "POST")
		return
	}
	identity, err := requireIdentity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var body createExternalRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, err)
		return
	}
	ref := body.HLSURL
	if kind == models.VideoTypeYouTube {
		ref = body.YouTubeURL
	}
	video, err := h.intake.CreateExternal(r.Context(), intake.ExternalRequest{
		UserID: identity.UserID,
		Title:  body.Title,
		URL:    ref,
		Kind:   kind,
	})
	if err != nil {
		h.logFailure(r.Context(), "create external video", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, video)
}

func (h *Handler) getVideo(w http.ResponseWriter, r *http.Request, id string) {
	ctx := logging.ContextWithVideoID(r.Context(), id)
	video, err := h.intake.Get(ctx, id)
	if err != nil {
		h.logFailure(ctx, "get video", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, video)
}

func (h *Handler) deleteVideo(w http.ResponseWriter, r *http.Request, id string) {
	identity, err := requireIdentity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	ctx := logging.ContextWithVideoID(r.Context(), id)
	if err := h.intake.Delete(ctx, id, identity.UserID); err != nil {
		h.logFailure(ctx, "delete video", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (h *Handler) playlist(w http.ResponseWriter, r *http.Request, id string) {
	ctx := logging.ContextWithVideoID(r.Context(), id)
	rendition := strings.TrimSpace(r.URL.Query().Get("rendition"))
	manifest, err := h.signer.Sign(ctx, id, rendition)
	if err != nil {
		h.logFailure(ctx, "sign playlist", err)
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", playlist.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(manifest.Body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(manifest.Body)
}

func (h *Handler) listAll(w http.ResponseWriter, r *http.Request) {
	identity, err := requireIdentity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !identity.Admin {
		WriteError(w, errs.New(errs.Authorization, "forbidden"))
		return
	}
	filter, err := listFilter(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	filter.UserID = strings.TrimSpace(r.URL.Query().Get("userId"))
	h.writeList(w, r, filter)
}

func (h *Handler) listMine(w http.ResponseWriter, r *http.Request) {
	identity, err := requireIdentity(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	filter, err := listFilter(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	filter.UserID = identity.UserID
	h.writeList(w, r, filter)
}

func (h *Handler) writeList(w http.ResponseWriter, r *http.Request, filter videostore.ListFilter) {
	videos, err := h.intake.List(r.Context(), filter)
	if err != nil {
		h.logFailure(r.Context(), "list videos", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, videos)
}

func listFilter(r *http.Request) (videostore.ListFilter, error) {
	query := r.URL.Query()
	var filter videostore.ListFilter
	if status := strings.TrimSpace(query.Get("status")); status != "" {
		switch models.Status(status) {
		case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
			filter.Status = models.Status(status)
		default:
			return filter, errs.New(errs.Validation, fmt.Sprintf("unknown status %q", status))
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errs.New(errs.Validation, "limit must be a positive integer")
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (h *Handler) logFailure(ctx context.Context, op string, err error) {
	logger := logging.WithContext(ctx, h.logger)
	if errs.HTTPStatus(errs.KindOf(err)) >= http.StatusInternalServerError {
		logger.Error(op+" failed", "error", err)
		return
	}
	logger.Debug(op+" rejected", "error", err)
}
