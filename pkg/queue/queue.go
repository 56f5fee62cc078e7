package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	popPollInterval = 250 * time.Millisecond
	backoffBase     = 30 * time.Second
	backoffCap      = 5 * time.Minute
)

// ErrMaxRetries is returned by Nack when a job has exhausted its
// retries and was moved to the dead-letter list
var ErrMaxRetries = errors.New("job exceeded max retries")

// Delivery is a popped entry plus the raw payload needed to ack it
type Delivery struct {
	Entry *types.QueueEntry
	raw   string
}

// Queue is a per-environment FIFO with priority bands, at-least-once
// delivery, and a processing list recovered by the sweeper.
type Queue struct {
	client *redis.Client
	env    types.Environment
	cfg    config.QueueConfig
	logger zerolog.Logger
}

// NewQueue creates a queue for one environment
func NewQueue(client *redis.Client, env types.Environment, cfg config.QueueConfig) *Queue {
	return &Queue{
		client: client,
		env:    env,
		cfg:    cfg,
		logger: log.WithComponent("queue").With().Str("environment", string(env)).Logger(),
	}
}

func (q *Queue) pendingKey(band int) string {
	return fmt.Sprintf("caravel:queue:%s:pending:%d", q.env, band)
}

func (q *Queue) processingKey() string {
	return fmt.Sprintf("caravel:queue:%s:processing", q.env)
}

func (q *Queue) deadlineKey() string {
	return fmt.Sprintf("caravel:queue:%s:deadlines", q.env)
}

func (q *Queue) delayedKey() string {
	return fmt.Sprintf("caravel:queue:%s:delayed", q.env)
}

func (q *Queue) deadKey() string {
	return fmt.Sprintf("caravel:queue:%s:dead", q.env)
}

func (q *Queue) band(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= q.cfg.PriorityBands {
		return q.cfg.PriorityBands - 1
	}
	return priority
}

// Push enqueues a job. When the job carries no deployment id, the queue
// mints one before the entry is serialized, so every downstream record
// references a single id.
func (q *Queue) Push(ctx context.Context, job *types.DeploymentJob) (string, error) {
	if job.DeploymentID == "" {
		job.DeploymentID = types.NewULID()
	}
	if job.JobID == "" {
		job.JobID = types.NewULID()
	}

	entry := &types.QueueEntry{
		EnvelopeID: uuid.NewString(),
		Job:        *job,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queue entry: %w", err)
	}

	if err := q.client.LPush(ctx, q.pendingKey(q.band(job.Priority)), data).Err(); err != nil {
		return "", fmt.Errorf("failed to push job: %w", err)
	}

	q.logger.Info().
		Str("deployment_id", job.DeploymentID).
		Str("repository", job.Repository).
		Int("band", q.band(job.Priority)).
		Msg("job enqueued")
	return job.DeploymentID, nil
}

// Pop moves the next entry (highest band first, FIFO within a band)
// into the processing list and stamps its visibility deadline. It polls
// until blockFor elapses and returns (nil, nil) on timeout.
func (q *Queue) Pop(ctx context.Context, owner string, blockFor time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(blockFor)
	for {
		for band := q.cfg.PriorityBands - 1; band >= 0; band-- {
			raw, err := q.client.LMove(ctx, q.pendingKey(band), q.processingKey(), "RIGHT", "LEFT").Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to pop job: %w", err)
			}
			return q.claim(ctx, raw, owner)
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(popPollInterval):
		}
	}
}

func (q *Queue) claim(ctx context.Context, raw, owner string) (*Delivery, error) {
	var entry types.QueueEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// Poison payload: drop it from processing rather than loop on it.
		q.client.LRem(ctx, q.processingKey(), 1, raw)
		return nil, fmt.Errorf("failed to unmarshal queue entry: %w", err)
	}
	entry.ProcessingOwner = owner
	entry.VisibleAfter = time.Now().Add(q.cfg.VisibilityTimeout)

	if err := q.client.HSet(ctx, q.deadlineKey(), entry.EnvelopeID,
		entry.VisibleAfter.UnixMilli()).Err(); err != nil {
		return nil, fmt.Errorf("failed to stamp visibility deadline: %w", err)
	}
	return &Delivery{Entry: &entry, raw: raw}, nil
}

// Ack removes a delivered entry from the processing list
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	if err := q.client.HDel(ctx, q.deadlineKey(), d.Entry.EnvelopeID).Err(); err != nil {
		return fmt.Errorf("failed to clear deadline: %w", err)
	}
	return nil
}

// Nack returns a failed delivery to the queue with exponential backoff.
// Retries are capped: past max_retries the entry lands on the
// dead-letter list and ErrMaxRetries is returned.
func (q *Queue) Nack(ctx context.Context, d *Delivery) error {
	if err := q.Ack(ctx, d); err != nil {
		return err
	}

	job := d.Entry.Job
	if job.RetryCount >= q.cfg.MaxRetries {
		data, _ := json.Marshal(d.Entry)
		if err := q.client.LPush(ctx, q.deadKey(), data).Err(); err != nil {
			return fmt.Errorf("failed to dead-letter: %w", err)
		}
		q.logger.Warn().
			Str("deployment_id", job.DeploymentID).
			Int("retry_count", job.RetryCount).
			Msg("job dead-lettered")
		return ErrMaxRetries
	}

	job.RetryCount++
	job.TriggeredBy = types.TriggerRetry
	return q.pushDelayed(ctx, &job, Backoff(job.RetryCount))
}

// Requeue parks a delivery on the delayed set without touching its
// retry budget or trigger. Used when the job never started, such as
// when the target instance is locked by another deployment; waiting
// out contention is not a failure of the job.
func (q *Queue) Requeue(ctx context.Context, d *Delivery, delay time.Duration) error {
	if err := q.Ack(ctx, d); err != nil {
		return err
	}
	job := d.Entry.Job
	return q.pushDelayed(ctx, &job, delay)
}

// Backoff returns the requeue delay for the nth retry (exponential,
// capped)
func Backoff(retry int) time.Duration {
	d := backoffBase << uint(retry-1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

// pushDelayed parks an entry on the delayed zset until its ready time
func (q *Queue) pushDelayed(ctx context.Context, job *types.DeploymentJob, delay time.Duration) error {
	entry := &types.QueueEntry{
		EnvelopeID: uuid.NewString(),
		Job:        *job,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	ready := time.Now().Add(delay)
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(ready.UnixMilli()),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("failed to delay job: %w", err)
	}
	q.logger.Info().
		Str("deployment_id", job.DeploymentID).
		Dur("delay", delay).
		Int("retry_count", job.RetryCount).
		Msg("job requeued with backoff")
	return nil
}

// Depth returns the number of pending entries across all bands
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var total int64
	for band := 0; band < q.cfg.PriorityBands; band++ {
		n, err := q.client.LLen(ctx, q.pendingKey(band)).Result()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Sweep performs one recovery pass: processing entries whose visibility
// deadline passed are returned to pending, and delayed entries whose
// ready time arrived are promoted. Returns how many entries moved.
func (q *Queue) Sweep(ctx context.Context) (int, error) {
	moved := 0
	now := time.Now().UnixMilli()

	// Recover abandoned processing entries.
	raws, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing list: %w", err)
	}
	for _, raw := range raws {
		var entry types.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.client.LRem(ctx, q.processingKey(), 1, raw)
			continue
		}
		deadlineStr, err := q.client.HGet(ctx, q.deadlineKey(), entry.EnvelopeID).Result()
		if err == redis.Nil {
			// Claimed but never stamped: the worker died between LMOVE
			// and HSET. Treat as expired.
			deadlineStr = "0"
		} else if err != nil {
			return moved, fmt.Errorf("failed to read deadline: %w", err)
		}
		var deadlineMs int64
		fmt.Sscanf(deadlineStr, "%d", &deadlineMs)
		if deadlineMs > now {
			continue
		}

		if err := q.client.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
			return moved, fmt.Errorf("failed to reclaim entry: %w", err)
		}
		q.client.HDel(ctx, q.deadlineKey(), entry.EnvelopeID)

		job := entry.Job
		if job.RetryCount >= q.cfg.MaxRetries {
			data, _ := json.Marshal(&entry)
			if err := q.client.LPush(ctx, q.deadKey(), data).Err(); err != nil {
				return moved, fmt.Errorf("failed to dead-letter: %w", err)
			}
			metrics.QueueDeadLettered.Inc()
			q.logger.Warn().
				Str("deployment_id", job.DeploymentID).
				Int("retry_count", job.RetryCount).
				Msg("abandoned job dead-lettered")
			continue
		}
		job.RetryCount++
		if _, err := q.Push(ctx, &job); err != nil {
			return moved, err
		}
		moved++
		q.logger.Warn().
			Str("deployment_id", job.DeploymentID).
			Str("owner", entry.ProcessingOwner).
			Msg("recovered abandoned job")
	}

	// Promote due delayed entries.
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return moved, fmt.Errorf("failed to scan delayed set: %w", err)
	}
	for _, raw := range due {
		var entry types.QueueEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			q.client.ZRem(ctx, q.delayedKey(), raw)
			continue
		}
		if err := q.client.ZRem(ctx, q.delayedKey(), raw).Err(); err != nil {
			return moved, err
		}
		job := entry.Job
		if _, err := q.Push(ctx, &job); err != nil {
			return moved, err
		}
		moved++
	}

	return moved, nil
}
