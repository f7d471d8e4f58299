package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"vodpipe/internal/models"
	"vodpipe/internal/observability/logging"
)

// ErrClosed is returned when enqueueing onto a closed queue.
var ErrClosed = errors.New("queue closed")

// MemoryConfig configures NewMemoryQueue.
type MemoryConfig struct {
	Clock  Clock
	Logger *slog.Logger
}

// MemoryQueue keeps deliveries in process. Jobs do not survive a restart;
// the processor re-enqueues pending videos on start to compensate.
type MemoryQueue struct {
	clock  Clock
	logger *slog.Logger

	mu        sync.Mutex
	items     deliveryHeap
	seq       uint64
	inFlight  int
	completed int
	dead      []DeadJob
	closed    bool
	wake      chan struct{}
}

// DeadJob records a job that exhausted its attempts.
type DeadJob struct {
	Job      models.TranscodeJob
	Attempts int
	Err      string
}

// Stats is a point-in-time view of a MemoryQueue.
type Stats struct {
	Ready     int
	Delayed   int
	InFlight  int
	Completed int
	Dead      int
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock()
	}
	return &MemoryQueue{
		clock:  clock,
		logger: logging.WithComponent(cfg.Logger, "queue"),
		wake:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	if err := validateJob(job); err != nil {
		return err
	}
	job.Policy = NormalizePolicy(job.Policy)
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clock.Now().UTC()
	}
	q.pushLocked(job, 1, q.clock.Now())
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) pushLocked(job models.TranscodeJob, attempt int, due time.Time) {
	q.seq++
	heap.Push(&q.items, &delivery{job: job, attempt: attempt, due: due, seq: q.seq})
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Consume dispatches due deliveries to at most consumer.Slots concurrent
// handler calls. It returns once ctx is done and in-flight calls finished.
func (q *MemoryQueue) Consume(ctx context.Context, consumer Consumer) error {
	if err := consumer.validate(); err != nil {
		return err
	}
	slots := int64(consumer.slots())
	sem := semaphore.NewWeighted(slots)
	defer func() {
		_ = sem.Acquire(context.Background(), slots)
	}()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		next, ok := q.waitForDue(ctx)
		if !ok {
			sem.Release(1)
			return nil
		}
		go func(d *delivery) {
			defer sem.Release(1)
			q.run(ctx, consumer, d)
		}(next)
	}
}

// waitForDue blocks until a delivery is due or ctx is done.
func (q *MemoryQueue) waitForDue(ctx context.Context) (*delivery, bool) {
	for {
		q.mu.Lock()
		now := q.clock.Now()
		var wait <-chan time.Time
		if q.items.Len() > 0 {
			top := q.items[0]
			if !top.due.After(now) {
				d := heap.Pop(&q.items).(*delivery)
				q.inFlight++
				q.mu.Unlock()
				return d, true
			}
			wait = q.clock.At(top.due)
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		case <-wait:
		}
	}
}

func (q *MemoryQueue) run(ctx context.Context, consumer Consumer, d *delivery) {
	result, delay, err := execute(ctx, consumer, d.job, d.attempt)

	q.mu.Lock()
	q.inFlight--
	switch result {
	case outcomeAcked:
		q.completed++
	case outcomeRetry:
		q.pushLocked(d.job, d.attempt+1, q.clock.Now().Add(delay))
	case outcomeInterrupted:
		q.pushLocked(d.job, d.attempt, q.clock.Now())
	case outcomeDead:
		q.dead = append(q.dead, DeadJob{Job: d.job, Attempts: d.attempt, Err: err.Error()})
	}
	q.mu.Unlock()

	switch result {
	case outcomeRetry:
		q.logger.Warn("transcode job failed, retry scheduled", "video_id", d.job.VideoID, "attempt", d.attempt, "delay", delay, "error", err)
		q.signal()
	case outcomeInterrupted:
		q.logger.Info("transcode job interrupted, requeued", "video_id", d.job.VideoID, "attempt", d.attempt)
		q.signal()
	case outcomeDead:
		q.logger.Error("transcode job dead", "video_id", d.job.VideoID, "attempts", d.attempt, "error", err)
	}
}

// Stats reports queue depth.
func (q *MemoryQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	stats := Stats{InFlight: q.inFlight, Completed: q.completed, Dead: len(q.dead)}
	for _, d := range q.items {
		if d.due.After(now) {
			stats.Delayed++
		} else {
			stats.Ready++
		}
	}
	return stats
}

// DeadJobs returns a copy of the dead list.
func (q *MemoryQueue) DeadJobs() []DeadJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadJob, len(q.dead))
	copy(out, q.dead)
	return out
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

type delivery struct {
	job     models.TranscodeJob
	attempt int
	due     time.Time
	seq     uint64
}

type deliveryHeap []*delivery

func (h deliveryHeap) Len() int { return len(h) }

func (h deliveryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h deliveryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deliveryHeap) Push(x any) { *h = append(*h, x.(*delivery)) }

func (h *deliveryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
