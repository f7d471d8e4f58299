package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/observability/logging"
	"vodpipe/internal/observability/metrics"
	"vodpipe/internal/queue"
	"vodpipe/internal/videostore"
)

// Runner executes one transcode job. *Worker implements it.
type Runner interface {
	Run(ctx context.Context, job models.TranscodeJob) (models.TranscodeResult, error)
}

// ProcessorConfig wires a Processor. Store, Queue and Runner are required.
type ProcessorConfig struct {
	Store  videostore.Store
	Queue  queue.Queue
	Runner Runner
	// Slots bounds concurrent jobs.
	Slots   int
	Timeout time.Duration
	// Recover re-enqueues pending and processing uploads on Start. Enable
	// it for queues that lose deliveries on restart.
	Recover bool
	Policy  models.RetryPolicy
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Processor consumes transcode jobs and records their outcome on the video.
type Processor struct {
	store   videostore.Store
	queue   queue.Queue
	runner  Runner
	slots   int
	timeout time.Duration
	recover bool
	policy  models.RetryPolicy
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Recorder

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}

	mu      sync.Mutex
	started bool
	err     error
}

const (
	defaultSlots   = 2
	defaultTimeout = 30 * time.Minute
)

// errSkipped marks deliveries for videos that no longer need work.
var errSkipped = errors.New("transcode skipped")

// NewProcessor validates cfg and applies slot, timeout and retry defaults.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errs.New(errs.FatalConfig, "processor requires a video store")
	}
	if cfg.Queue == nil {
		return nil, errs.New(errs.FatalConfig, "processor requires a queue")
	}
	if cfg.Runner == nil {
		return nil, errs.New(errs.FatalConfig, "processor requires a runner")
	}
	slots := cfg.Slots
	if slots <= 0 {
		slots = defaultSlots
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:   cfg.Store,
		queue:   cfg.Queue,
		runner:  cfg.Runner,
		slots:   slots,
		timeout: timeout,
		recover: cfg.Recover,
		policy:  queue.NormalizePolicy(cfg.Policy),
		now:     now,
		logger:  logging.WithComponent(cfg.Logger, "processor"),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}, nil
}

// Start begins consuming. Calling it twice has no effect.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.stopped)
		err := p.queue.Consume(p.ctx, p.consumer())
		if p.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errs.New(errs.Transient, "queue consumer returned while running")
		}
		p.logger.Error("queue consumer stopped", "error", err)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()

	if p.recover {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.recoverPending()
		}()
	}
}

// Shutdown stops taking deliveries and waits for in-flight jobs. Jobs
// interrupted by the cancellation are handed back to the queue.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the consumer has returned, either after Shutdown or
// because the queue failed. Err tells the two apart.
func (p *Processor) Done() <-chan struct{} {
	return p.stopped
}

// Err returns the error that stopped the consumer, if any.
func (p *Processor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Processor) consumer() queue.Consumer {
	return queue.Consumer{
		Slots:     p.slots,
		Handler:   p.handle,
		Completed: p.complete,
		Dead:      p.dead,
		Retrying:  p.retrying,
	}
}

func (p *Processor) handle(ctx context.Context, job models.TranscodeJob, attempt int) (models.TranscodeResult, error) {
	ctx = logging.ContextWithVideoID(ctx, job.VideoID)
	logger := logging.WithContext(ctx, p.logger).With("job_id", job.ID, "attempt", attempt)

	video, err := p.store.Get(ctx, job.VideoID)
	switch {
	case errs.Is(err, errs.NotFound):
		logger.Info("video deleted before processing")
		p.metrics.JobStarted()
		p.metrics.JobFinished(metrics.OutcomeSkipped)
		return models.TranscodeResult{}, errs.Wrap(errs.NotFound, errSkipped, "video deleted")
	case err != nil:
		return models.TranscodeResult{}, err
	}
	switch video.Status {
	case models.StatusCompleted:
		logger.Info("video already completed")
		return video.Result(), nil
	case models.StatusFailed:
		logger.Info("video already failed")
		p.metrics.JobStarted()
		p.metrics.JobFinished(metrics.OutcomeSkipped)
		return models.TranscodeResult{}, errs.Wrap(errs.Conflict, errSkipped, "video already failed")
	}

	if _, err := p.store.MarkProcessing(ctx, job.VideoID); err != nil {
		return models.TranscodeResult{}, err
	}

	p.metrics.JobStarted()
	jobCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	result, err := p.runner.Run(jobCtx, job)
	if err != nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errs.Wrap(errs.Transient, err, fmt.Sprintf("job exceeded %s", p.timeout))
	}
	if err != nil {
		p.metrics.JobFinished(metrics.OutcomeFailed)
		logger.Warn("transcode attempt failed", "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return models.TranscodeResult{}, err
	}
	p.metrics.JobFinished(metrics.OutcomeCompleted)
	logger.Info("transcode finished", "duration_ms", time.Since(start).Milliseconds(), "renditions", len(result.Renditions))
	return result, nil
}

// complete records a successful job. Videos deleted or finalized while the
// job ran are acknowledged without change.
func (p *Processor) complete(ctx context.Context, job models.TranscodeJob, result models.TranscodeResult) error {
	ctx = logging.ContextWithVideoID(ctx, job.VideoID)
	logger := logging.WithContext(ctx, p.logger).With("job_id", job.ID)
	return runStage(ctx, logger, p.metrics, StageFinalizing, func(ctx context.Context) error {
		_, err := p.store.MarkCompleted(ctx, job.VideoID, result, p.now())
		switch {
		case err == nil:
			return nil
		case errs.Is(err, errs.NotFound), errs.Is(err, errs.Conflict):
			logger.Warn("completion not recorded", "error", err)
			return nil
		default:
			return err
		}
	})
}

func (p *Processor) dead(ctx context.Context, job models.TranscodeJob, attempts int, cause error) {
	ctx = logging.ContextWithVideoID(context.WithoutCancel(ctx), job.VideoID)
	logger := logging.WithContext(ctx, p.logger).With("job_id", job.ID, "attempts", attempts)
	if errors.Is(cause, errSkipped) {
		return
	}
	p.metrics.JobDead()
	if _, err := p.store.MarkFailed(ctx, job.VideoID, cause.Error(), p.now()); err != nil {
		logger.Error("record failed transcode", "error", err)
		return
	}
	logger.Error("transcode failed permanently", "error", cause)
}

func (p *Processor) retrying(job models.TranscodeJob, attempt int, delay time.Duration, cause error) {
	p.logger.Warn("transcode retry scheduled", "video_id", job.VideoID, "job_id", job.ID, "attempt", attempt, "delay", delay, "error", cause)
}

// recoverPending re-enqueues uploads that never reached a terminal status.
// Both statuses are listed before anything is enqueued so a job picked up
// during recovery is not enqueued twice.
func (p *Processor) recoverPending() {
	var unfinished []models.Video
	for _, status := range []models.Status{models.StatusPending, models.StatusProcessing} {
		videos, err := p.store.List(p.ctx, videostore.ListFilter{Status: status})
		if err != nil {
			p.logger.Error("list unfinished videos", "status", status, "error", err)
			continue
		}
		unfinished = append(unfinished, videos...)
	}
	for _, video := range unfinished {
		if p.ctx.Err() != nil {
			return
		}
		if video.VideoType != models.VideoTypeUpload {
			continue
		}
		job := models.NewTranscodeJob(video, p.policy, p.now())
		if err := p.queue.Enqueue(p.ctx, job); err != nil {
			p.logger.Error("re-enqueue video", "video_id", video.ID, "error", err)
			continue
		}
		p.logger.Info("re-enqueued unfinished video", "video_id", video.ID, "status", video.Status)
	}
}
