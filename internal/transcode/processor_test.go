package transcode

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/queue"
	"vodpipe/internal/videostore"
)

type processorFixture struct {
	*workerFixture
	store     *videostore.MemoryStore
	queue     *queue.MemoryQueue
	processor *Processor
	metrics   *metrics.Recorder
}

type processorOption func(*ProcessorConfig)

func newProcessorFixture(t *testing.T, opts ...processorOption) *processorFixture {
	t.Helper()
	wf := newWorkerFixture(t)
	store, err := videostore.NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	q := queue.NewMemoryQueue(queue.MemoryConfig{Logger: discardLogger()})
	recorder := metrics.New(metrics.Options{})
	cfg := ProcessorConfig{
		Store:   store,
		Queue:   q,
		Runner:  wf.worker,
		Slots:   2,
		Policy:  models.RetryPolicy{Attempts: 3, BackoffBase: time.Millisecond, BackoffFactor: 2},
		Logger:  discardLogger(),
		Metrics: recorder,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	processor, err := NewProcessor(cfg)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := processor.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return &processorFixture{workerFixture: wf, store: store, queue: q, processor: processor, metrics: recorder}
}

func (fx *processorFixture) seed(t *testing.T, id string) models.TranscodeJob {
	t.Helper()
	video := models.Video{
		ID:               id,
		UserID:           "user-1",
		Title:            "Clip " + id,
		OriginalFilename: "clip.mp4",
		VideoType:        models.VideoTypeUpload,
		StorageType:      models.StorageLocal,
		OriginalKey:      "uploads/user-1/1700000000000-ab12.mp4",
	}
	if _, err := fx.store.Create(context.Background(), video); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return testJob(id)
}

func (fx *processorFixture) status(t *testing.T, id string) models.Status {
	t.Helper()
	video, err := fx.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return video.Status
}

func TestProcessorCompletesUpload(t *testing.T) {
	fx := newProcessorFixture(t)
	job := fx.seed(t, "vid-1")
	fx.processor.Start()
	if err := fx.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return fx.status(t, "vid-1") == models.StatusCompleted })
	video, _ := fx.store.Get(context.Background(), "vid-1")
	if video.HLS720Key == "" || video.HLS1080Key == "" {
		t.Fatalf("expected both renditions, got %+v", video)
	}
	if !strings.HasSuffix(video.HLS1080Key, "/1080p/index.m3u8") {
		t.Fatalf("unexpected 1080p key %q", video.HLS1080Key)
	}
	if video.ThumbnailKey == "" || video.DurationSeconds != 4 || video.ProcessedAt == nil {
		t.Fatalf("expected thumbnail, duration and processed time, got %+v", video)
	}
	if video.ProcessingError != "" {
		t.Fatalf("unexpected processing error %q", video.ProcessingError)
	}
	waitFor(t, time.Second, func() bool { return fx.queue.Stats().Completed == 1 })
	expected := `
# HELP vodpipe_transcode_jobs_total Transcode deliveries by outcome.
# TYPE vodpipe_transcode_jobs_total counter
vodpipe_transcode_jobs_total{outcome="completed"} 1
`
	if err := testutil.GatherAndCompare(fx.metrics.Registry(), strings.NewReader(expected), "vodpipe_transcode_jobs_total"); err != nil {
		t.Fatalf("unexpected job metrics: %v", err)
	}
}

func TestProcessorRetriesThenFails(t *testing.T) {
	fx := newProcessorFixture(t)
	fx.encoder.fail = func(int) error { return errs.New(errs.Transient, "encoder crashed") }
	job := fx.seed(t, "vid-2")
	fx.processor.Start()
	if err := fx.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return fx.status(t, "vid-2") == models.StatusFailed })
	if calls := fx.encoder.Calls(); calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	video, _ := fx.store.Get(context.Background(), "vid-2")
	if video.HLS720Key != "" || video.HLS1080Key != "" {
		t.Fatalf("failed video must not reference renditions: %+v", video)
	}
	if !strings.Contains(video.ProcessingError, "encoder crashed") {
		t.Fatalf("expected cause in processing error, got %q", video.ProcessingError)
	}
	waitFor(t, time.Second, func() bool { return len(fx.queue.DeadJobs()) == 1 })
}

func TestProcessorRecoversAfterTransientFailure(t *testing.T) {
	fx := newProcessorFixture(t)
	fx.encoder.fail = func(call int) error {
		if call == 1 {
			return errs.New(errs.Transient, "disk full")
		}
		return nil
	}
	job := fx.seed(t, "vid-3")
	fx.processor.Start()
	if err := fx.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fx.status(t, "vid-3") == models.StatusCompleted })
	if calls := fx.encoder.Calls(); calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestProcessorValidationFailureIsTerminal(t *testing.T) {
	fx := newProcessorFixture(t)
	fx.encoder.fail = func(int) error { return errs.New(errs.Validation, "input has no video stream") }
	job := fx.seed(t, "vid-4")
	fx.processor.Start()
	if err := fx.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fx.status(t, "vid-4") == models.StatusFailed })
	if calls := fx.encoder.Calls(); calls != 1 {
		t.Fatalf("validation errors must not be retried, got %d attempts", calls)
	}
}

func TestProcessorRedeliveryOfCompletedVideo(t *testing.T) {
	fx := newProcessorFixture(t)
	job := fx.seed(t, "vid-5")
	fx.processor.Start()
	ctx := context.Background()
	if err := fx.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fx.queue.Stats().Completed == 1 })
	before, _ := fx.store.Get(ctx, "vid-5")

	if err := fx.queue.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fx.queue.Stats().Completed == 2 })
	if calls := fx.encoder.Calls(); calls != 1 {
		t.Fatalf("completed video must not be re-encoded, got %d calls", calls)
	}
	after, _ := fx.store.Get(ctx, "vid-5")
	if after.Status != models.StatusCompleted || after.HLS720Key != before.HLS720Key || after.HLS1080Key != before.HLS1080Key {
		t.Fatalf("redelivery changed the video: before %+v after %+v", before, after)
	}
}

func TestProcessorSkipsDeletedVideo(t *testing.T) {
	fx := newProcessorFixture(t)
	job := testJob("vid-gone")
	fx.processor.Start()
	if err := fx.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(fx.queue.DeadJobs()) == 1 })
	if fx.encoder.Calls() != 0 {
		t.Fatalf("deleted video must not be encoded")
	}
	expected := `
# HELP vodpipe_transcode_jobs_total Transcode deliveries by outcome.
# TYPE vodpipe_transcode_jobs_total counter
vodpipe_transcode_jobs_total{outcome="skipped"} 1
`
	if err := testutil.GatherAndCompare(fx.metrics.Registry(), strings.NewReader(expected), "vodpipe_transcode_jobs_total"); err != nil {
		t.Fatalf("unexpected job metrics: %v", err)
	}
}

type blockingRunner struct {
	mu      sync.Mutex
	started int
}

func (r *blockingRunner) Run(ctx context.Context, job models.TranscodeJob) (models.TranscodeResult, error) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	<-ctx.Done()
	return models.TranscodeResult{}, errs.Wrap(errs.Transient, ctx.Err(), "encoding interrupted")
}

func (r *blockingRunner) Started() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func TestProcessorTimeoutFailsJob(t *testing.T) {
	runner := &blockingRunner{}
	fx := newProcessorFixture(t, func(cfg *ProcessorConfig) {
		cfg.Runner = runner
		cfg.Timeout = 20 * time.Millisecond
	})
	job := fx.seed(t, "vid-6")
	job.Policy = models.RetryPolicy{Attempts: 1, BackoffBase: time.Millisecond, BackoffFactor: 2}
	fx.processor.Start()
	if err := fx.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return fx.status(t, "vid-6") == models.StatusFailed })
	video, _ := fx.store.Get(context.Background(), "vid-6")
	if !strings.Contains(video.ProcessingError, "exceeded") {
		t.Fatalf("expected timeout in processing error, got %q", video.ProcessingError)
	}
}

func TestProcessorShutdownRequeuesInFlight(t *testing.T) {
	runner := &blockingRunner{}
	store, err := videostore.NewMemoryStore()
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	q := queue.NewMemoryQueue(queue.MemoryConfig{Logger: discardLogger()})
	processor, err := NewProcessor(ProcessorConfig{Store: store, Queue: q, Runner: runner, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	fx := &processorFixture{store: store}
	job := fx.seed(t, "vid-7")
	processor.Start()
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return runner.Started() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := processor.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if stats := q.Stats(); stats.Ready != 1 || stats.Dead != 0 {
		t.Fatalf("expected interrupted job back on the queue, got %+v", stats)
	}
	if status := fx.status(t, "vid-7"); status != models.StatusProcessing {
		t.Fatalf("interrupted video must stay processing, got %s", status)
	}
}

func TestProcessorRecoverPending(t *testing.T) {
	fx := newProcessorFixture(t, func(cfg *ProcessorConfig) { cfg.Recover = true })
	fx.seed(t, "vid-8")
	if _, err := fx.store.Create(context.Background(), models.Video{
		ID:          "ext-1",
		UserID:      "user-1",
		Title:       "External",
		VideoType:   models.VideoTypeExternalHLS,
		ExternalURL: "https://cdn.test/live.m3u8",
	}); err != nil {
		t.Fatalf("Create external: %v", err)
	}
	fx.processor.Start()
	waitFor(t, 2*time.Second, func() bool { return fx.status(t, "vid-8") == models.StatusCompleted })
	if calls := fx.encoder.Calls(); calls != 1 {
		t.Fatalf("expected exactly one recovered job, got %d", calls)
	}
}

func TestNewProcessorRequiresDependencies(t *testing.T) {
	if _, err := NewProcessor(ProcessorConfig{}); !errs.Is(err, errs.FatalConfig) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

type brokenQueue struct{ err error }

func (q brokenQueue) Enqueue(context.Context, models.TranscodeJob) error { return nil }
func (q brokenQueue) Consume(context.Context, queue.Consumer) error { return q.err }
func (q brokenQueue) Close() error { return nil }

func TestProcessorDoneReportsConsumerFailure(t *testing.T) {
	fx := newProcessorFixture(t, func(cfg *ProcessorConfig) {
		cfg.Queue = brokenQueue{err: errs.New(errs.Transient, "redis unavailable")}
	})
	fx.processor.Start()
	select {
	case <-fx.processor.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected consumer failure to close Done")
	}
	if err := fx.processor.Err(); err == nil || !strings.Contains(err.Error(), "redis unavailable") {
		t.Fatalf("expected consumer error, got %v", err)
	}
}

func TestProcessorDoneAfterShutdownCarriesNoError(t *testing.T) {
	fx := newProcessorFixture(t)
	fx.processor.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fx.processor.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-fx.processor.Done():
	default:
		t.Fatalf("expected Done to be closed after shutdown")
	}
	if err := fx.processor.Err(); err != nil {
		t.Fatalf("expected no error after shutdown, got %v", err)
	}
}

func TestProcessorDeadJobFailsPendingVideo(t *testing.T) {
	fx := newProcessorFixture(t)
	job := fx.seed(t, "never-started")
	fx.processor.dead(context.Background(), job, 3, errs.New(errs.Transient, "store unavailable"))
	if got := fx.status(t, "never-started"); got != models.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}
