package videostore

import (
	"context"
	"testing"
	"time"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func uploadVideo(id, owner string, uploadedAt time.Time) models.Video {
	return models.Video{
		ID:               id,
		UserID:           owner,
		Title:            "Clip " + id,
		OriginalFilename: id + ".mp4",
		OriginalSize:     2048,
		MimeType:         "video/mp4",
		VideoType:        models.VideoTypeUpload,
		StorageType:      models.StorageLocal,
		OriginalKey:      "uploads/" + owner + "/" + id + ".mp4",
		UploadedAt:       uploadedAt,
	}
}

func sampleResult() models.TranscodeResult {
	return models.TranscodeResult{
		Renditions: []models.RenditionOutput{
			{Name: models.Rendition720p, ManifestKey: "videos/u1/clip/720p/playlist.m3u8", ManifestURL: "http://cdn/720"},
			{Name: models.Rendition1080p, ManifestKey: "videos/u1/clip/1080p/playlist.m3u8", ManifestURL: "http://cdn/1080"},
		},
		DurationSeconds: 12.5,
		ThumbnailKey:    "videos/u1/clip/thumb-clip.jpg",
	}
}

// runStoreSuite exercises the lifecycle contract shared by every backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateDefaultsPending", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		video, err := store.Create(ctx, uploadVideo("v-create", "u1", time.Time{}))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if video.Status != models.StatusPending {
			t.Fatalf("expected pending, got %s", video.Status)
		}
		if video.UploadedAt.IsZero() {
			t.Fatalf("expected uploadedAt to be filled")
		}
		if _, err := store.Create(ctx, uploadVideo("v-create", "u1", fixedNow)); !errs.Is(err, errs.Conflict) {
			t.Fatalf("expected conflict on duplicate id, got %v", err)
		}
	})

	t.Run("CreateValidates", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		missingTitle := uploadVideo("v-bad", "u1", fixedNow)
		missingTitle.Title = "  "
		if _, err := store.Create(ctx, missingTitle); !errs.Is(err, errs.Validation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		external := models.Video{ID: "v-ext", UserID: "u1", Title: "Talk", VideoType: models.VideoTypeYouTube}
		if _, err := store.Create(ctx, external); !errs.Is(err, errs.Validation) {
			t.Fatalf("expected validation error for missing external url, got %v", err)
		}
		external.ExternalURL = "https://youtu.be/dQw4w9WgXcQ"
		created, err := store.Create(ctx, external)
		if err != nil {
			t.Fatalf("Create external: %v", err)
		}
		if created.Status != models.StatusCompleted {
			t.Fatalf("expected external reference to be completed, got %s", created.Status)
		}
		if _, err := store.MarkProcessing(ctx, created.ID); !errs.Is(err, errs.Conflict) {
			t.Fatalf("expected external reference transitions to be rejected, got %v", err)
		}
	})

	t.Run("CompletedLifecycle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.Create(ctx, uploadVideo("v-life", "u1", fixedNow)); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := store.MarkProcessing(ctx, "v-life"); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		if _, err := store.MarkProcessing(ctx, "v-life"); err != nil {
			t.Fatalf("repeat MarkProcessing: %v", err)
		}
		done, err := store.MarkCompleted(ctx, "v-life", sampleResult(), fixedNow.Add(time.Minute))
		if err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
		if done.Status != models.StatusCompleted || done.HLS720Key == "" || done.HLS1080Key == "" {
			t.Fatalf("unexpected completed video %+v", done)
		}
		if done.ProcessedAt == nil || !done.ProcessedAt.Equal(fixedNow.Add(time.Minute)) {
			t.Fatalf("unexpected processedAt %v", done.ProcessedAt)
		}
		if done.DurationSeconds != 12.5 {
			t.Fatalf("expected duration 12.5, got %v", done.DurationSeconds)
		}

		if _, err := store.MarkProcessing(ctx, "v-life"); !errs.Is(err, errs.Conflict) {
			t.Fatalf("expected completed -> processing to be rejected, got %v", err)
		}
		if _, err := store.MarkFailed(ctx, "v-life", "late failure", fixedNow); !errs.Is(err, errs.Conflict) {
			t.Fatalf("expected completed -> failed to be rejected, got %v", err)
		}
		got, err := store.Get(ctx, "v-life")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != models.StatusCompleted || got.HLS720Key != done.HLS720Key {
			t.Fatalf("expected completed video to be unchanged, got %+v", got)
		}
	})

	t.Run("CompletedRequiresRendition", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.Create(ctx, uploadVideo("v-empty", "u1", fixedNow)); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := store.MarkProcessing(ctx, "v-empty"); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		if _, err := store.MarkCompleted(ctx, "v-empty", models.TranscodeResult{}, fixedNow); !errs.Is(err, errs.Validation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		got, err := store.Get(ctx, "v-empty")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != models.StatusProcessing {
			t.Fatalf("expected video to stay processing, got %s", got.Status)
		}
	})

	t.Run("FailedClearsRenditions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.Create(ctx, uploadVideo("v-fail", "u1", fixedNow)); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := store.MarkProcessing(ctx, "v-fail"); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		failed, err := store.MarkFailed(ctx, "v-fail", "", fixedNow)
		if err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		if failed.Status != models.StatusFailed || failed.ProcessingError != "transcode failed" {
			t.Fatalf("unexpected failed video %+v", failed)
		}
		if failed.HasRendition() {
			t.Fatalf("expected no rendition references on failed video")
		}
		if _, err := store.MarkCompleted(ctx, "v-fail", sampleResult(), fixedNow); !errs.Is(err, errs.Conflict) {
			t.Fatalf("expected failed -> completed to be rejected, got %v", err)
		}
	})

	t.Run("PendingMayFailDirectly", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.Create(ctx, uploadVideo("v-enqueue", "u1", fixedNow)); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := store.MarkFailed(ctx, "v-enqueue", "enqueue failed", fixedNow); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
	})

	t.Run("MissingVideo", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.Get(ctx, "nope"); !errs.Is(err, errs.NotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := store.MarkProcessing(ctx, "nope"); !errs.Is(err, errs.NotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if err := store.Delete(ctx, "nope"); !errs.Is(err, errs.NotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("ListFiltersAndOrders", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"v-old", "v-mid", "v-new"} {
			if _, err := store.Create(ctx, uploadVideo(id, "u1", fixedNow.Add(time.Duration(i)*time.Hour))); err != nil {
				t.Fatalf("Create %s: %v", id, err)
			}
		}
		if _, err := store.Create(ctx, uploadVideo("v-other", "u2", fixedNow)); err != nil {
			t.Fatalf("Create other: %v", err)
		}
		mine, err := store.List(ctx, ListFilter{UserID: "u1"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(mine) != 3 || mine[0].ID != "v-new" || mine[2].ID != "v-old" {
			t.Fatalf("unexpected order %v", ids(mine))
		}
		limited, err := store.List(ctx, ListFilter{Limit: 2})
		if err != nil {
			t.Fatalf("List limited: %v", err)
		}
		if len(limited) != 2 {
			t.Fatalf("expected 2 videos, got %d", len(limited))
		}
		if _, err := store.MarkProcessing(ctx, "v-mid"); err != nil {
			t.Fatalf("MarkProcessing: %v", err)
		}
		processing, err := store.List(ctx, ListFilter{Status: models.StatusProcessing})
		if err != nil {
			t.Fatalf("List processing: %v", err)
		}
		if len(processing) != 1 || processing[0].ID != "v-mid" {
			t.Fatalf("unexpected processing list %v", ids(processing))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if _, err := store.Create(ctx, uploadVideo("v-del", "u1", fixedNow)); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := store.Delete(ctx, "v-del"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.Get(ctx, "v-del"); !errs.Is(err, errs.NotFound) {
			t.Fatalf("expected deleted video to be gone, got %v", err)
		}
	})
}

func ids(videos []models.Video) []string {
	out := make([]string, 0, len(videos))
	for _, v := range videos {
		out = append(out, v.ID)
	}
	return out
}
