package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/types"
)

func testQueue(t *testing.T, cfg config.QueueConfig) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueue(client, types.EnvStaging, cfg), client
}

func testJob(repo string) *types.DeploymentJob {
	return &types.DeploymentJob{
		Repository:  repo,
		Ref:         "main",
		Environment: types.EnvStaging,
		Strategy:    types.StrategyRolling,
		InstanceID:  "i-abc",
		TriggeredBy: types.TriggerCLI,
		Port:        8080,
		HealthPath:  "/healthz",
	}
}

func TestPushMintsDeploymentID(t *testing.T) {
	q, _ := testQueue(t, config.Default().Queue)
	ctx := context.Background()

	job := testJob("acme/api")
	id, err := q.Push(ctx, job)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, job.DeploymentID)

	// An id supplied by the caller is preserved.
	job2 := testJob("acme/api")
	job2.DeploymentID = "01HZXKQJ9WP4R8T2M6N3V5B7CD"
	id2, err := q.Push(ctx, job2)
	require.NoError(t, err)
	assert.Equal(t, "01HZXKQJ9WP4R8T2M6N3V5B7CD", id2)
}

func TestPopFIFOWithinBand(t *testing.T) {
	q, _ := testQueue(t, config.Default().Queue)
	ctx := context.Background()

	first, err := q.Push(ctx, testJob("acme/first"))
	require.NoError(t, err)
	second, err := q.Push(ctx, testJob("acme/second"))
	require.NoError(t, err)

	d1, err := q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)
	require.NotNil(t, d1)
	assert.Equal(t, first, d1.Entry.Job.DeploymentID)
	assert.Equal(t, "worker-1", d1.Entry.ProcessingOwner)

	d2, err := q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, second, d2.Entry.Job.DeploymentID)
}

func TestPopPrefersHigherBand(t *testing.T) {
	q, _ := testQueue(t, config.Default().Queue)
	ctx := context.Background()

	low := testJob("acme/low")
	low.Priority = 0
	_, err := q.Push(ctx, low)
	require.NoError(t, err)

	high := testJob("acme/high")
	high.Priority = 3
	_, err = q.Push(ctx, high)
	require.NoError(t, err)

	d, err := q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "acme/high", d.Entry.Job.Repository)
}

func TestPopTimesOutEmpty(t *testing.T) {
	q, _ := testQueue(t, config.Default().Queue)

	d, err := q.Pop(context.Background(), "worker-1", 0)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestAckClearsProcessing(t *testing.T) {
	q, client := testQueue(t, config.Default().Queue)
	ctx := context.Background()

	_, err := q.Push(ctx, testJob("acme/api"))
	require.NoError(t, err)
	d, err := q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, q.Ack(ctx, d))

	n, err := client.LLen(ctx, q.processingKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestNackParksWithBackoff(t *testing.T) {
	q, client := testQueue(t, config.Default().Queue)
	ctx := context.Background()

	_, err := q.Push(ctx, testJob("acme/api"))
	require.NoError(t, err)
	d, err := q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)

	require.NoError(t, q.Nack(ctx, d))

	// Not immediately poppable: the entry sits on the delayed set.
	again, err := q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)
	assert.Nil(t, again)

	parked, err := client.ZCard(ctx, q.delayedKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), parked)
}

func TestNackDeadLettersAtMaxRetries(t *testing.T) {
	q, client := testQueue(t, config.Default().Queue)
	ctx := context.Background()

	job := testJob("acme/api")
	job.RetryCount = 3
	_, err := q.Push(ctx, job)
	require.NoError(t, err)
	d, err := q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)

	err = q.Nack(ctx, d)
	assert.ErrorIs(t, err, ErrMaxRetries)

	dead, err := client.LLen(ctx, q.deadKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)
}

func TestRequeueKeepsRetryBudget(t *testing.T) {
	q, client := testQueue(t, config.Default().Queue)
	ctx := context.Background()

	_, err := q.Push(ctx, testJob("acme/api"))
	require.NoError(t, err)

	// Cycle the entry through pop/requeue well past max_retries; a job
	// waiting out instance contention must never dead-letter.
	for i := 0; i < q.cfg.MaxRetries+2; i++ {
		d, err := q.Pop(ctx, "worker-1", 0)
		require.NoError(t, err)
		require.NotNil(t, d)
		require.NoError(t, q.Requeue(ctx, d, 0))

		moved, err := q.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, moved)
	}

	d, err := q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Zero(t, d.Entry.Job.RetryCount)
	assert.Equal(t, types.TriggerCLI, d.Entry.Job.TriggeredBy)

	dead, err := client.LLen(ctx, q.deadKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
}

func TestSweepRecoversAbandonedEntry(t *testing.T) {
	cfg := config.Default().Queue
	cfg.VisibilityTimeout = time.Millisecond
	q, _ := testQueue(t, cfg)
	ctx := context.Background()

	id, err := q.Push(ctx, testJob("acme/api"))
	require.NoError(t, err)
	_, err = q.Pop(ctx, "worker-dead", 0)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	moved, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	d, err := q.Pop(ctx, "worker-2", 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, id, d.Entry.Job.DeploymentID)
	assert.Equal(t, 1, d.Entry.Job.RetryCount)
}

func TestSweepDeadLettersExhaustedEntry(t *testing.T) {
	cfg := config.Default().Queue
	cfg.VisibilityTimeout = time.Millisecond
	q, client := testQueue(t, cfg)
	ctx := context.Background()

	job := testJob("acme/api")
	job.RetryCount = cfg.MaxRetries
	_, err := q.Push(ctx, job)
	require.NoError(t, err)
	_, err = q.Pop(ctx, "worker-crashy", 0)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	// A worker crashing on this job forever must not recycle it forever.
	moved, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	dead, err := client.LLen(ctx, q.deadKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dead)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSweepIgnoresLiveEntry(t *testing.T) {
	q, _ := testQueue(t, config.Default().Queue)
	ctx := context.Background()

	_, err := q.Push(ctx, testJob("acme/api"))
	require.NoError(t, err)
	_, err = q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)

	moved, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestSweepPromotesDueDelayed(t *testing.T) {
	q, client := testQueue(t, config.Default().Queue)
	ctx := context.Background()

	entry := &types.QueueEntry{
		EnvelopeID: "env-1",
		Job:        *testJob("acme/api"),
		EnqueuedAt: time.Now(),
	}
	entry.Job.DeploymentID = types.NewULID()
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixMilli()),
		Member: data,
	}).Err())

	moved, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	d, err := q.Pop(ctx, "worker-1", 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, entry.Job.DeploymentID, d.Entry.Job.DeploymentID)
}

func TestBandClamping(t *testing.T) {
	q, _ := testQueue(t, config.Default().Queue)

	tests := []struct {
		name     string
		priority int
		want     int
	}{
		{"negative clamps to zero", -1, 0},
		{"zero stays", 0, 0},
		{"top band", 3, 3},
		{"beyond top clamps", 9, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, q.band(tt.priority))
		})
	}
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(1))
	assert.Equal(t, time.Minute, Backoff(2))
	assert.Equal(t, 2*time.Minute, Backoff(3))
	assert.Equal(t, backoffCap, Backoff(10))
	assert.Equal(t, backoffCap, Backoff(60))
}
