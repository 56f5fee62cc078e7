package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/lock"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/queue"
	"github.com/caravelhq/caravel/pkg/types"
	"github.com/caravelhq/caravel/pkg/workflow"
)

const (
	popBlock      = 2 * time.Second
	depthInterval = 15 * time.Second
)

// Pipeline executes one deployment job end to end
type Pipeline interface {
	Run(ctx context.Context, job *types.DeploymentJob) *workflow.Outcome
}

// Pool consumes one environment's queue with a fixed number of workers.
// Each delivery is processed under the target instance's lock; the
// pipeline runs on the guard context so a lost lock cancels the work.
type Pool struct {
	queue    *queue.Queue
	locker   *lock.Locker
	pipeline Pipeline
	env      types.Environment
	workers  int
	lockCfg  config.LockConfig
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a worker pool for one environment
func NewPool(q *queue.Queue, locker *lock.Locker, pipeline Pipeline, env types.Environment, workers int, lockCfg config.LockConfig) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:    q,
		locker:   locker,
		pipeline: pipeline,
		env:      env,
		workers:  workers,
		lockCfg:  lockCfg,
		logger:   log.WithComponent("worker").With().Str("environment", string(env)).Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the workers and the queue depth reporter
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.wg.Add(1)
	go p.reportDepth()
	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")
}

// Stop cancels in-flight work and waits for the workers to exit
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", id).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		d, err := p.queue.Pop(ctx, fmt.Sprintf("worker-%s-%d", p.env, id), popBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("failed to pop job")
			continue
		}
		if d == nil {
			continue
		}
		p.process(ctx, logger, d)
	}
}

// process runs one delivery under the instance lock and settles it
func (p *Pool) process(ctx context.Context, logger zerolog.Logger, d *queue.Delivery) {
	job := &d.Entry.Job
	logger = logger.With().Str("deployment_id", job.DeploymentID).Logger()

	resource := lock.InstanceResource(job.InstanceID)
	owner := types.NewULID()
	interval := time.Duration(float64(p.lockCfg.TTL) * p.lockCfg.RenewFraction)

	guard, err := p.locker.Hold(ctx, resource, owner, p.lockCfg.TTL, interval)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			// Another deployment owns the instance. Park the job with a
			// delay so a later delivery finds the instance free; the
			// retry budget stays untouched, contention is not a failure.
			metrics.LockContention.Inc()
			logger.Info().Str("instance_id", job.InstanceID).Msg("instance locked, requeueing")
			p.requeue(ctx, logger, d)
			return
		}
		logger.Error().Err(err).Msg("failed to acquire instance lock")
		p.nack(ctx, logger, d)
		return
	}

	out := p.pipeline.Run(guard.Context(), job)
	guard.Close()

	if out.Ack {
		if err := p.queue.Ack(ctx, d); err != nil {
			logger.Error().Err(err).Msg("failed to ack job")
		}
		return
	}
	p.nack(ctx, logger, d)
}

func (p *Pool) requeue(ctx context.Context, logger zerolog.Logger, d *queue.Delivery) {
	// Settling must succeed even during shutdown.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	delay := queue.Backoff(d.Entry.Job.RetryCount + 1)
	if err := p.queue.Requeue(ctx, d, delay); err != nil {
		logger.Error().Err(err).Msg("failed to requeue job")
	}
}

func (p *Pool) nack(ctx context.Context, logger zerolog.Logger, d *queue.Delivery) {
	// Settling must succeed even during shutdown.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := p.queue.Nack(ctx, d); err != nil {
		if errors.Is(err, queue.ErrMaxRetries) {
			metrics.QueueDeadLettered.Inc()
			logger.Warn().Msg("job moved to dead letter")
			return
		}
		logger.Error().Err(err).Msg("failed to nack job")
	}
}

func (p *Pool) reportDepth() {
	defer p.wg.Done()
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := p.queue.Depth(ctx)
			cancel()
			if err != nil {
				p.logger.Warn().Err(err).Msg("failed to read queue depth")
				continue
			}
			metrics.QueueDepth.WithLabelValues(string(p.env)).Set(float64(n))
		case <-p.stopCh:
			return
		}
	}
}
