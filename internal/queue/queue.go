// Package queue distributes transcode jobs with at-least-once delivery and
// per-job retry policies. Backends: an in-process queue, Redis Streams and
// asynq.
package queue

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
)

// Default retry policy values.
const (
	DefaultAttempts      = 3
	DefaultBackoffBase   = 5 * time.Second
	DefaultBackoffFactor = 2.0
	DefaultBackoffCap    = 5 * time.Minute
)

// DefaultPolicy returns the policy used when a job carries none.
func DefaultPolicy() models.RetryPolicy {
	return models.RetryPolicy{
		Attempts:      DefaultAttempts,
		BackoffBase:   DefaultBackoffBase,
		BackoffFactor: DefaultBackoffFactor,
		BackoffCap:    DefaultBackoffCap,
	}
}

// NormalizePolicy fills unset fields from DefaultPolicy. A negative
// BackoffCap is kept and disables the cap.
func NormalizePolicy(policy models.RetryPolicy) models.RetryPolicy {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultAttempts
	}
	if policy.BackoffBase <= 0 {
		policy.BackoffBase = DefaultBackoffBase
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = DefaultBackoffFactor
	}
	if policy.BackoffCap == 0 {
		policy.BackoffCap = DefaultBackoffCap
	}
	return policy
}

// Backoff returns the delay scheduled after failed attempt k (1-based):
// min(base * factor^(k-1), cap). A cap of zero or less means uncapped.
func Backoff(policy models.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(policy.BackoffBase) * math.Pow(policy.BackoffFactor, float64(attempt-1))
	limit := float64(policy.BackoffCap)
	if policy.BackoffCap > 0 && delay > limit {
		return policy.BackoffCap
	}
	if math.IsInf(delay, 0) || delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Handler processes one delivery of job. attempt starts at 1.
type Handler func(ctx context.Context, job models.TranscodeJob, attempt int) (models.TranscodeResult, error)

// Consumer wires a handler and its lifecycle callbacks into a queue.
type Consumer struct {
	// Slots is the number of jobs processed concurrently.
	Slots   int
	Handler Handler
	// Completed receives the result of every successful handler call before
	// the delivery is acknowledged. An error sends the delivery down the
	// failure path.
	Completed func(ctx context.Context, job models.TranscodeJob, result models.TranscodeResult) error
	// Dead is called once when a job will not be attempted again.
	Dead func(ctx context.Context, job models.TranscodeJob, attempts int, cause error)
	// Retrying is an optional observer of scheduled retries.
	Retrying func(job models.TranscodeJob, attempt int, delay time.Duration, cause error)
}

func (c Consumer) validate() error {
	if c.Handler == nil {
		return fmt.Errorf("queue consumer handler is required")
	}
	return nil
}

func (c Consumer) slots() int {
	if c.Slots <= 0 {
		return 1
	}
	return c.Slots
}

// Queue is implemented by every backend.
type Queue interface {
	Enqueue(ctx context.Context, job models.TranscodeJob) error
	// Consume blocks, dispatching deliveries to consumer until ctx is done.
	Consume(ctx context.Context, consumer Consumer) error
	Close() error
}

func validateJob(job models.TranscodeJob) error {
	if strings.TrimSpace(job.VideoID) == "" {
		return errs.New(errs.Validation, "job video id is required")
	}
	if strings.TrimSpace(job.Input) == "" {
		return errs.New(errs.Validation, "job input is required")
	}
	return nil
}

// outcome is shared by the backends that drive retries themselves.
type outcome int

const (
	outcomeAcked outcome = iota
	outcomeRetry
	outcomeDead
	outcomeInterrupted
)

// execute runs one delivery and decides what the backend must do next.
func execute(ctx context.Context, consumer Consumer, job models.TranscodeJob, attempt int) (outcome, time.Duration, error) {
	policy := NormalizePolicy(job.Policy)
	result, err := consumer.Handler(ctx, job, attempt)
	if err == nil && consumer.Completed != nil {
		err = consumer.Completed(ctx, job, result)
	}
	if err == nil {
		return outcomeAcked, 0, nil
	}
	if ctx.Err() != nil {
		return outcomeInterrupted, 0, err
	}
	if errs.Retryable(err) && attempt < policy.Attempts {
		delay := Backoff(policy, attempt)
		if consumer.Retrying != nil {
			consumer.Retrying(job, attempt, delay, err)
		}
		return outcomeRetry, delay, err
	}
	if consumer.Dead != nil {
		consumer.Dead(ctx, job, attempt, err)
	}
	return outcomeDead, 0, err
}
