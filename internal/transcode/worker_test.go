package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/objectstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

var sourceBytes = []byte("\x00\x00\x00\x18ftypmp42source-video-bytes")

// fakeEncoder writes a small HLS tree per rendition instead of running
// ffmpeg.
type fakeEncoder struct {
	mu     sync.Mutex
	calls  int
	inputs [][]byte
	fail   func(call int) error
}

func (e *fakeEncoder) Encode(ctx context.Context, req EncodeRequest) (EncodeOutput, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	fail := e.fail
	e.mu.Unlock()

	data, err := os.ReadFile(req.Input)
	if err != nil {
		return EncodeOutput{}, err
	}
	e.mu.Lock()
	e.inputs = append(e.inputs, data)
	e.mu.Unlock()
	if fail != nil {
		if err := fail(call); err != nil {
			return EncodeOutput{}, err
		}
	}
	for _, r := range req.Renditions {
		dir := filepath.Join(req.OutputDir, r.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return EncodeOutput{}, err
		}
		manifest := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n"
		for i := 0; i < 2; i++ {
			name := fmt.Sprintf("segment_%05d.ts", i)
			if err := os.WriteFile(filepath.Join(dir, name), []byte(r.Name+name), 0o644); err != nil {
				return EncodeOutput{}, err
			}
			manifest += "#EXTINF:2.000000,\n" + name + "\n"
		}
		manifest += "#EXT-X-ENDLIST\n"
		if err := os.WriteFile(filepath.Join(dir, manifestName), []byte(manifest), 0o644); err != nil {
			return EncodeOutput{}, err
		}
	}
	if err := os.WriteFile(filepath.Join(req.OutputDir, thumbnailName), []byte("jpeg"), 0o644); err != nil {
		return EncodeOutput{}, err
	}
	output, err := CollectOutput(req.OutputDir, req.Renditions)
	if err != nil {
		return EncodeOutput{}, err
	}
	output.DurationSeconds = 4
	return output, nil
}

func (e *fakeEncoder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// recordingGateway logs upload order and can fail a chosen key.
type recordingGateway struct {
	objectstore.Gateway

	mu      sync.Mutex
	uploads []string
	failKey func(key string) bool
}

func (g *recordingGateway) Upload(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) (objectstore.Object, error) {
	g.mu.Lock()
	fail := g.failKey != nil && g.failKey(key)
	g.uploads = append(g.uploads, key)
	g.mu.Unlock()
	if fail {
		return objectstore.Object{}, errs.New(errs.Transient, "storage unavailable")
	}
	return g.Gateway.Upload(ctx, key, body, contentType, metadata)
}

func (g *recordingGateway) Uploads() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.uploads...)
}

type workerFixture struct {
	worker   *Worker
	encoder  *fakeEncoder
	gateway  *recordingGateway
	registry *objectstore.Registry
	tempDir  string
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	local, err := objectstore.NewLocalGateway(objectstore.LocalConfig{
		Root:          t.TempDir(),
		PublicBaseURL: "http://media.test",
		SigningSecret: "worker-secret",
	})
	if err != nil {
		t.Fatalf("NewLocalGateway: %v", err)
	}
	gateway := &recordingGateway{Gateway: local}
	registry, err := objectstore.NewRegistry(models.StorageLocal, map[models.StorageType]objectstore.Gateway{models.StorageLocal: gateway})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := local.Upload(context.Background(), "uploads/user-1/1700000000000-ab12.mp4", sourceBytes, "video/mp4", nil); err != nil {
		t.Fatalf("seed original: %v", err)
	}
	encoder := &fakeEncoder{}
	tempDir := t.TempDir()
	worker, err := NewWorker(WorkerConfig{
		Storage: registry,
		Encoder: encoder,
		TempDir: tempDir,
		Logger:  discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return &workerFixture{worker: worker, encoder: encoder, gateway: gateway, registry: registry, tempDir: tempDir}
}

func testJob(videoID string) models.TranscodeJob {
	video := models.Video{
		ID:          videoID,
		UserID:      "user-1",
		OriginalKey: "uploads/user-1/1700000000000-ab12.mp4",
		StorageType: models.StorageLocal,
	}
	return models.NewTranscodeJob(video, models.RetryPolicy{Attempts: 3, BackoffBase: time.Millisecond, BackoffFactor: 2}, time.Now())
}

func indexOf(list []string, value string) int {
	for i, item := range list {
		if item == value {
			return i
		}
	}
	return -1
}

func TestWorkerRunPublishesRenditions(t *testing.T) {
	fx := newWorkerFixture(t)
	job := testJob("vid-1")

	result, err := fx.worker.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fx.encoder.inputs) != 1 || !bytes.Equal(fx.encoder.inputs[0], sourceBytes) {
		t.Fatalf("encoder did not receive the original bytes")
	}
	if len(result.Renditions) != 2 {
		t.Fatalf("expected two renditions, got %+v", result.Renditions)
	}
	uploads := fx.gateway.Uploads()
	for _, name := range []string{models.Rendition720p, models.Rendition1080p} {
		rendition, ok := result.Rendition(name)
		if !ok {
			t.Fatalf("missing rendition %s", name)
		}
		wantKey := objectstore.RenditionKey("user-1", job.BaseFilename, name, "index.m3u8")
		if rendition.ManifestKey != wantKey {
			t.Fatalf("expected manifest key %q, got %q", wantKey, rendition.ManifestKey)
		}
		if !strings.HasPrefix(rendition.ManifestURL, "http://media.test/media/") {
			t.Fatalf("unexpected manifest url %q", rendition.ManifestURL)
		}
		if rendition.Segments != 2 {
			t.Fatalf("expected 2 segments, got %d", rendition.Segments)
		}
		manifestAt := indexOf(uploads, wantKey)
		for i := 0; i < 2; i++ {
			segment := objectstore.RenditionKey("user-1", job.BaseFilename, name, fmt.Sprintf("segment_%05d.ts", i))
			at := indexOf(uploads, segment)
			if at < 0 || at > manifestAt {
				t.Fatalf("segment %s must be uploaded before its manifest: %v", segment, uploads)
			}
		}
	}
	if result.ThumbnailKey != ThumbnailKey(job) {
		t.Fatalf("unexpected thumbnail key %q", result.ThumbnailKey)
	}
	if want := "videos/user-1/" + job.BaseFilename + "/thumb-" + job.BaseFilename + ".jpg"; result.ThumbnailKey != want {
		t.Fatalf("expected thumbnail key %q, got %q", want, result.ThumbnailKey)
	}
	if result.DurationSeconds != 4 {
		t.Fatalf("expected duration 4, got %v", result.DurationSeconds)
	}
	entries, err := os.ReadDir(fx.tempDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected work directory to be removed, found %d entries", len(entries))
	}
}

func TestWorkerRunFailsFastOnUpload(t *testing.T) {
	fx := newWorkerFixture(t)
	job := testJob("vid-2")
	failing := objectstore.RenditionKey("user-1", job.BaseFilename, models.Rendition720p, "segment_00001.ts")
	fx.gateway.failKey = func(key string) bool { return key == failing }

	_, err := fx.worker.Run(context.Background(), job)
	if err == nil {
		t.Fatal("expected upload failure")
	}
	if !errs.Is(err, errs.Transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "uploading: ") {
		t.Fatalf("expected stage prefix, got %q", err.Error())
	}
	uploads := fx.gateway.Uploads()
	if uploads[len(uploads)-1] != failing {
		t.Fatalf("expected no uploads after the failed one, got %v", uploads)
	}
	manifest := objectstore.RenditionKey("user-1", job.BaseFilename, models.Rendition720p, "index.m3u8")
	if indexOf(uploads, manifest) >= 0 {
		t.Fatalf("manifest must not be uploaded after a segment failure")
	}
}

func TestWorkerRunMissingOriginal(t *testing.T) {
	fx := newWorkerFixture(t)
	job := testJob("vid-3")
	job.Input = "uploads/user-1/missing.mp4"

	_, err := fx.worker.Run(context.Background(), job)
	if !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "encoding: ") {
		t.Fatalf("expected encoding stage prefix, got %q", err.Error())
	}
	if fx.encoder.Calls() != 0 {
		t.Fatalf("encoder must not run without input")
	}
}

func TestWorkerRunUnknownStorage(t *testing.T) {
	fx := newWorkerFixture(t)
	job := testJob("vid-4")
	job.StorageType = models.StorageS3
	if _, err := fx.worker.Run(context.Background(), job); !errs.Is(err, errs.FatalConfig) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func TestNewWorkerRequiresDependencies(t *testing.T) {
	if _, err := NewWorker(WorkerConfig{Encoder: &fakeEncoder{}}); !errs.Is(err, errs.FatalConfig) {
		t.Fatalf("expected fatal config without storage, got %v", err)
	}
	fx := newWorkerFixture(t)
	if _, err := NewWorker(WorkerConfig{Storage: fx.registry}); !errs.Is(err, errs.FatalConfig) {
		t.Fatalf("expected fatal config without encoder, got %v", err)
	}
}
