package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/observability/logging"
)

// TaskTranscodeVideo is the asynq task type of transcode jobs.
const TaskTranscodeVideo = "video:transcode"

const defaultAsynqQueue = "transcode"

// AsynqConfig configures the asynq backend.
type AsynqConfig struct {
	Redis asynq.RedisConnOpt
	Queue string
	// ShutdownTimeout bounds how long Consume waits for active handlers.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// AsynqQueue delegates storage, retry scheduling and dead-lettering
// ("archived" tasks) to asynq. The job's own policy drives MaxRetry and the
// retry delay.
type AsynqQueue struct {
	cfg    AsynqConfig
	queue  string
	client *asynq.Client
	logger *slog.Logger
}

// NewAsynqQueue returns a queue backed by asynq.
func NewAsynqQueue(cfg AsynqConfig) (*AsynqQueue, error) {
	if cfg.Redis == nil {
		return nil, errs.New(errs.FatalConfig, "asynq queue requires a redis connection")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		name = defaultAsynqQueue
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &AsynqQueue{
		cfg:    cfg,
		queue:  name,
		client: asynq.NewClient(cfg.Redis),
		logger: logging.WithComponent(cfg.Logger, "queue"),
	}, nil
}

// NewTranscodeTask encodes job as an asynq task with options derived from
// its retry policy.
func NewTranscodeTask(job models.TranscodeJob, queueName string) (*asynq.Task, []asynq.Option, error) {
	job.Policy = NormalizePolicy(job.Policy)
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(job.Policy.Attempts - 1),
	}
	if job.ID != "" {
		opts = append(opts, asynq.TaskID(job.ID))
	}
	return asynq.NewTask(TaskTranscodeVideo, payload), opts, nil
}

func (q *AsynqQueue) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	if err := validateJob(job); err != nil {
		return err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	task, opts, err := NewTranscodeTask(job, q.queue)
	if err != nil {
		return err
	}
	if _, err := q.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return errs.Wrap(errs.Transient, err, "enqueue transcode task")
	}
	return nil
}

// RetryDelay computes the delay after the n-th retry count reported by
// asynq from the policy embedded in the task payload.
func RetryDelay(n int, _ error, task *asynq.Task) time.Duration {
	var job models.TranscodeJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return Backoff(DefaultPolicy(), n+1)
	}
	return Backoff(NormalizePolicy(job.Policy), n+1)
}

func (q *AsynqQueue) Consume(ctx context.Context, consumer Consumer) error {
	if err := consumer.validate(); err != nil {
		return err
	}
	srv := asynq.NewServer(q.cfg.Redis, asynq.Config{
		Concurrency:     consumer.slots(),
		Queues:          map[string]int{q.queue: 1},
		RetryDelayFunc:  RetryDelay,
		ShutdownTimeout: q.cfg.ShutdownTimeout,
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTranscodeVideo, func(taskCtx context.Context, task *asynq.Task) error {
		var job models.TranscodeJob
		if err := json.Unmarshal(task.Payload(), &job); err != nil {
			return fmt.Errorf("decode job: %v: %w", err, asynq.SkipRetry)
		}
		retried, _ := asynq.GetRetryCount(taskCtx)
		maxRetry, _ := asynq.GetMaxRetry(taskCtx)
		attempt := retried + 1

		result, err := consumer.Handler(taskCtx, job, attempt)
		if err == nil && consumer.Completed != nil {
			err = consumer.Completed(taskCtx, job, result)
		}
		if err == nil {
			return nil
		}
		if taskCtx.Err() != nil {
			return err
		}
		if !errs.Retryable(err) || retried >= maxRetry {
			q.logger.Error("transcode job dead", "video_id", job.VideoID, "attempts", attempt, "error", err)
			if consumer.Dead != nil {
				consumer.Dead(taskCtx, job, attempt, err)
			}
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if consumer.Retrying != nil {
			consumer.Retrying(job, attempt, RetryDelay(retried, err, task), err)
		}
		q.logger.Warn("transcode job failed, retry scheduled", "video_id", job.VideoID, "attempt", attempt, "error", err)
		return err
	})

	if err := srv.Start(mux); err != nil {
		return errs.Wrap(errs.Transient, err, "start asynq server")
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}
