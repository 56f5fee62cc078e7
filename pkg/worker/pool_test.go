package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/lock"
	"github.com/caravelhq/caravel/pkg/queue"
	"github.com/caravelhq/caravel/pkg/types"
	"github.com/caravelhq/caravel/pkg/workflow"
)

type fakePipeline struct {
	mu      sync.Mutex
	jobs    []*types.DeploymentJob
	outcome workflow.Outcome
	ran     chan struct{}
}

func newFakePipeline(out workflow.Outcome) *fakePipeline {
	return &fakePipeline{outcome: out, ran: make(chan struct{}, 16)}
}

func (f *fakePipeline) Run(ctx context.Context, job *types.DeploymentJob) *workflow.Outcome {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	f.ran <- struct{}{}
	out := f.outcome
	return &out
}

func (f *fakePipeline) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func poolFixture(t *testing.T, out workflow.Outcome) (*Pool, *queue.Queue, *redis.Client, *fakePipeline) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	qcfg := config.QueueConfig{
		VisibilityTimeout: time.Minute,
		MaxRetries:        3,
		PriorityBands:     4,
	}
	q := queue.NewQueue(client, types.EnvStaging, qcfg)
	pipe := newFakePipeline(out)
	lcfg := config.LockConfig{TTL: time.Minute, RenewFraction: 1.0 / 3.0}
	p := NewPool(q, lock.NewLocker(client), pipe, types.EnvStaging, 1, lcfg)
	return p, q, client, pipe
}

func stagingJob(instance string) *types.DeploymentJob {
	return &types.DeploymentJob{
		Repository:  "acme/api",
		Ref:         "main",
		InstanceID:  instance,
		Environment: types.EnvStaging,
		Strategy:    types.StrategyRolling,
		Port:        8080,
		HealthPath:  "/healthz",
		TriggeredBy: types.TriggerCLI,
	}
}

func TestPoolProcessesAndAcks(t *testing.T) {
	p, q, client, pipe := poolFixture(t, workflow.Outcome{Status: types.StatusDeployed, Ack: true})

	ctx := context.Background()
	id, err := q.Push(ctx, stagingJob("i-abc"))
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	select {
	case <-pipe.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never ran")
	}

	require.Eventually(t, func() bool {
		n, _ := client.LLen(ctx, "caravel:queue:staging:processing").Result()
		return n == 0
	}, 2*time.Second, 20*time.Millisecond, "delivery not acked")

	require.Equal(t, 1, pipe.count())
	assert.Equal(t, id, pipe.jobs[0].DeploymentID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPoolParksOnLockContention(t *testing.T) {
	p, q, client, pipe := poolFixture(t, workflow.Outcome{Status: types.StatusDeployed, Ack: true})

	ctx := context.Background()
	locker := lock.NewLocker(client)
	held, err := locker.Acquire(ctx, lock.InstanceResource("i-busy"), "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	_, err = q.Push(ctx, stagingJob("i-busy"))
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	// The job lands on the delayed set without the pipeline running.
	require.Eventually(t, func() bool {
		n, _ := client.ZCard(ctx, "caravel:queue:staging:delayed").Result()
		return n == 1
	}, 5*time.Second, 20*time.Millisecond, "job not parked")
	assert.Zero(t, pipe.count())
}

func TestPoolContentionKeepsRetryBudget(t *testing.T) {
	p, q, client, pipe := poolFixture(t, workflow.Outcome{Status: types.StatusDeployed, Ack: true})

	ctx := context.Background()
	locker := lock.NewLocker(client)
	held, err := locker.Acquire(ctx, lock.InstanceResource("i-busy"), "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	job := stagingJob("i-busy")
	job.RetryCount = 2 // one short of the budget
	_, err = q.Push(ctx, job)
	require.NoError(t, err)

	d, err := q.Pop(ctx, "worker-test", 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	p.process(ctx, p.logger, d)

	assert.Zero(t, pipe.count())

	// Parked, not failed: the budget and trigger stay untouched and the
	// dead-letter list stays empty no matter how long the contention.
	members, err := client.ZRange(ctx, "caravel:queue:staging:delayed", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	var entry types.QueueEntry
	require.NoError(t, json.Unmarshal([]byte(members[0]), &entry))
	assert.Equal(t, 2, entry.Job.RetryCount)
	assert.Equal(t, types.TriggerCLI, entry.Job.TriggeredBy)

	dead, err := client.LLen(ctx, "caravel:queue:staging:dead").Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
}

func TestPoolNacksWhenOutcomeSaysRetry(t *testing.T) {
	p, q, client, pipe := poolFixture(t, workflow.Outcome{Status: types.StatusScanning, Ack: false})

	ctx := context.Background()
	_, err := q.Push(ctx, stagingJob("i-abc"))
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	select {
	case <-pipe.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never ran")
	}

	require.Eventually(t, func() bool {
		n, _ := client.ZCard(ctx, "caravel:queue:staging:delayed").Result()
		return n == 1
	}, 2*time.Second, 20*time.Millisecond, "job not requeued")

	// The instance lock was released after the attempt.
	held, err := lock.NewLocker(client).Acquire(ctx, lock.InstanceResource("i-abc"), "probe", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestPoolStopIsClean(t *testing.T) {
	p, _, _, _ := poolFixture(t, workflow.Outcome{Ack: true})
	p.Start()

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
