package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
	"vodpipe/internal/observability/logging"
)

const (
	defaultRedisStream       = "vodpipe:transcode"
	defaultRedisGroup        = "transcoders"
	defaultBlockTimeout      = 2 * time.Second
	defaultPollInterval      = 500 * time.Millisecond
	defaultVisibilityTimeout = 45 * time.Minute
	promoteBatch             = 64
)

// RedisConfig configures a Redis Streams backed queue. The client is owned
// by the caller.
type RedisConfig struct {
	Client   redis.UniversalClient
	Stream   string
	Group    string
	Consumer string
	// BlockTimeout bounds each XREADGROUP call.
	BlockTimeout time.Duration
	// PollInterval is how often due retries are promoted back onto the
	// stream and stale deliveries reclaimed.
	PollInterval time.Duration
	// VisibilityTimeout is how long a delivery may stay unacknowledged
	// before another consumer reclaims it. It must exceed the job timeout.
	VisibilityTimeout time.Duration
	Clock             Clock
	Logger            *slog.Logger
}

// RedisQueue stores ready jobs in a stream consumed by a consumer group,
// scheduled retries in a sorted set scored by due time, and dead jobs in a
// separate stream.
type RedisQueue struct {
	client       redis.UniversalClient
	stream       string
	delayed      string
	dead         string
	group        string
	consumer     string
	blockTimeout time.Duration
	pollInterval time.Duration
	visibility   time.Duration
	clock        Clock
	logger       *slog.Logger

	groupMu    sync.Mutex
	groupReady atomic.Bool
}

// RedisStats reports the lengths of the queue's keys.
type RedisStats struct {
	Stream  int64
	Delayed int64
	Dead    int64
}

type redisEnvelope struct {
	Job     models.TranscodeJob `json:"job"`
	Attempt int                 `json:"attempt"`
	Nonce   string              `json:"nonce,omitempty"`
}

// NewRedisQueue creates the consumer group if needed.
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Client == nil {
		return nil, errs.New(errs.FatalConfig, "redis queue requires a client")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = defaultRedisStream
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = defaultRedisGroup
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = randomConsumerID()
	}
	q := &RedisQueue{
		client:       cfg.Client,
		stream:       stream,
		delayed:      stream + ":delayed",
		dead:         stream + ":dead",
		group:        group,
		consumer:     consumer,
		blockTimeout: cfg.BlockTimeout,
		pollInterval: cfg.PollInterval,
		visibility:   cfg.VisibilityTimeout,
		clock:        cfg.Clock,
		logger:       logging.WithComponent(cfg.Logger, "queue"),
	}
	if q.blockTimeout <= 0 {
		q.blockTimeout = defaultBlockTimeout
	}
	if q.pollInterval <= 0 {
		q.pollInterval = defaultPollInterval
	}
	if q.visibility <= 0 {
		q.visibility = defaultVisibilityTimeout
	}
	if q.clock == nil {
		q.clock = RealClock()
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady.Load() {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return errs.Wrap(errs.Transient, err, "create redis consumer group")
	}
	q.groupReady.Store(true)
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	if err := validateJob(job); err != nil {
		return err
	}
	job.Policy = NormalizePolicy(job.Policy)
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clock.Now().UTC()
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	return q.add(ctx, job, 1)
}

func (q *RedisQueue) add(ctx context.Context, job models.TranscodeJob, attempt int) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job": string(payload), "attempt": attempt},
	}).Err()
	if err != nil {
		return errs.Wrap(errs.Transient, err, "enqueue transcode job")
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, consumer Consumer) error {
	if err := consumer.validate(); err != nil {
		return err
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	slots := int64(consumer.slots())
	sem := semaphore.NewWeighted(slots)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.maintain(ctx)
	}()
	defer func() {
		_ = sem.Acquire(context.Background(), slots)
		wg.Wait()
	}()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		msg, ok, err := q.read(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if isNoGroup(err) {
				q.groupReady.Store(false)
				_ = q.ensureGroup(ctx)
			}
			q.logger.Error("read transcode stream", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.pollInterval):
			}
			continue
		}
		if !ok {
			sem.Release(1)
			continue
		}
		go func(msg redis.XMessage) {
			defer sem.Release(1)
			q.handle(ctx, consumer, msg)
		}(msg)
	}
}

func (q *RedisQueue) read(ctx context.Context) (redis.XMessage, bool, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.blockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return redis.XMessage{}, false, nil
	}
	if err != nil {
		return redis.XMessage{}, false, err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			return msg, true, nil
		}
	}
	return redis.XMessage{}, false, nil
}

func (q *RedisQueue) handle(ctx context.Context, consumer Consumer, msg redis.XMessage) {
	job, attempt, err := decodeMessage(msg)
	if err != nil {
		q.logger.Error("drop malformed transcode entry", "entry_id", msg.ID, "error", err)
		q.bury(context.Background(), msg.ID, models.TranscodeJob{}, attempt, err)
		return
	}

	result, delay, err := execute(ctx, consumer, job, attempt)
	switch result {
	case outcomeAcked:
		if ackErr := q.client.XAck(context.Background(), q.stream, q.group, msg.ID).Err(); ackErr != nil {
			q.logger.Error("ack transcode entry", "entry_id", msg.ID, "error", ackErr)
		}
	case outcomeRetry:
		q.logger.Warn("transcode job failed, retry scheduled", "video_id", job.VideoID, "attempt", attempt, "delay", delay, "error", err)
		if schedErr := q.schedule(context.Background(), msg.ID, job, attempt+1, delay); schedErr != nil {
			q.logger.Error("schedule transcode retry", "video_id", job.VideoID, "error", schedErr)
		}
	case outcomeInterrupted:
		q.logger.Info("transcode job interrupted, requeued", "video_id", job.VideoID, "attempt", attempt)
		q.requeue(msg.ID, job, attempt)
	case outcomeDead:
		q.logger.Error("transcode job dead", "video_id", job.VideoID, "attempts", attempt, "error", err)
		q.bury(context.Background(), msg.ID, job, attempt, err)
	}
}

// schedule moves a failed delivery into the delayed set and acknowledges it
// in one transaction.
func (q *RedisQueue) schedule(ctx context.Context, entryID string, job models.TranscodeJob, attempt int, delay time.Duration) error {
	member, err := json.Marshal(redisEnvelope{Job: job, Attempt: attempt, Nonce: entryID})
	if err != nil {
		return fmt.Errorf("marshal retry: %w", err)
	}
	due := q.clock.Now().Add(delay)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: string(member)})
		pipe.XAck(ctx, q.stream, q.group, entryID)
		return nil
	})
	return err
}

func (q *RedisQueue) requeue(entryID string, job models.TranscodeJob, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.add(ctx, job, attempt); err != nil {
		q.logger.Error("requeue transcode entry", "entry_id", entryID, "error", err)
		return
	}
	if err := q.client.XAck(ctx, q.stream, q.group, entryID).Err(); err != nil {
		q.logger.Error("ack requeued transcode entry", "entry_id", entryID, "error", err)
	}
}

func (q *RedisQueue) bury(ctx context.Context, entryID string, job models.TranscodeJob, attempts int, cause error) {
	payload, _ := json.Marshal(job)
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.dead,
			Values: map[string]any{"job": string(payload), "attempts": attempts, "error": message},
		})
		pipe.XAck(ctx, q.stream, q.group, entryID)
		return nil
	})
	if err != nil {
		q.logger.Error("record dead transcode job", "entry_id", entryID, "error", err)
	}
}

// maintain promotes due retries and reclaims stale deliveries until ctx is
// done.
func (q *RedisQueue) maintain(ctx context.Context) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("promote due retries", "error", err)
		}
		if err := q.reclaimStale(ctx); err != nil && ctx.Err() == nil {
			q.logger.Debug("reclaim stale deliveries", "error", err)
		}
	}
}

// PromoteDue moves every retry whose due time has passed back onto the
// stream and returns how many were moved.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	now := q.clock.Now().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayed, member).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		var env redisEnvelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			q.logger.Error("drop malformed retry", "error", err)
			continue
		}
		if err := q.add(ctx, env.Job, env.Attempt); err != nil {
			q.client.ZAdd(ctx, q.delayed, redis.Z{Score: float64(now), Member: member})
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// reclaimStale re-adds deliveries left unacknowledged past the visibility
// timeout, typically because a worker died mid-job.
func (q *RedisQueue) reclaimStale(ctx context.Context) error {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    16,
	}).Result()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		job, attempt, err := decodeMessage(msg)
		if err != nil {
			q.bury(ctx, msg.ID, models.TranscodeJob{}, attempt, err)
			continue
		}
		q.logger.Warn("reclaimed stale transcode delivery", "video_id", job.VideoID, "entry_id", msg.ID)
		q.requeue(msg.ID, job, attempt)
	}
	return nil
}

// Stats reports key lengths.
func (q *RedisQueue) Stats(ctx context.Context) (RedisStats, error) {
	var stats RedisStats
	var streamLen, delayedLen, deadLen *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		streamLen = pipe.XLen(ctx, q.stream)
		delayedLen = pipe.ZCard(ctx, q.delayed)
		deadLen = pipe.XLen(ctx, q.dead)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return stats, err
	}
	stats.Stream = streamLen.Val()
	stats.Delayed = delayedLen.Val()
	stats.Dead = deadLen.Val()
	return stats, nil
}

func (q *RedisQueue) Close() error { return nil }

func decodeMessage(msg redis.XMessage) (models.TranscodeJob, int, error) {
	var job models.TranscodeJob
	raw, ok := msg.Values["job"]
	if !ok {
		return job, 1, fmt.Errorf("entry %s has no job field", msg.ID)
	}
	if err := json.Unmarshal([]byte(asString(raw)), &job); err != nil {
		return job, 1, fmt.Errorf("decode job: %w", err)
	}
	attempt := 1
	if rawAttempt, ok := msg.Values["attempt"]; ok {
		if parsed, err := strconv.Atoi(asString(rawAttempt)); err == nil && parsed > 0 {
			attempt = parsed
		}
	}
	return job, attempt, nil
}

func asString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return "consumer-" + hex.EncodeToString(buf)
}
