package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/audit"
	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/deploy"
	"github.com/caravelhq/caravel/pkg/lock"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/phases"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/storage"
	"github.com/caravelhq/caravel/pkg/types"
)

const securityPhaseTimeout = 5 * time.Minute

// Outcome tells the worker what to do with the queue delivery
type Outcome struct {
	Status types.DeploymentStatus
	Ack    bool // true: remove from queue; false: redeliver
}

// Coordinator drives one deployment through the pipeline state machine.
// It is the sole writer of the DeploymentRecord; phases write only
// their own rows through the audit gateway.
type Coordinator struct {
	Store    ports.Store
	Audit    *audit.Gateway
	Sink     ports.EventSink
	Runner   *phases.Runner
	Security *phases.SecurityPhase
	Build    *phases.BuildPhase
	Deploy   *phases.DeployPhase
	Prober   ports.HealthProber
	Clock    ports.Clock
	Config   *config.Config

	// ScratchRoot hosts per-attempt clone directories
	ScratchRoot string

	logger zerolog.Logger
}

// New creates a coordinator
func New(c Coordinator) *Coordinator {
	c.logger = log.WithComponent("coordinator")
	if c.ScratchRoot == "" {
		c.ScratchRoot = os.TempDir()
	}
	return &c
}

// Run executes the pipeline for job and returns the terminal outcome.
// Redelivery of an already-terminal deployment acks immediately.
func (c *Coordinator) Run(ctx context.Context, job *types.DeploymentJob) *Outcome {
	logger := c.logger.With().Str("deployment_id", job.DeploymentID).Logger()
	attempt := job.RetryCount + 1

	rec, err := c.Store.GetDeployment(job.DeploymentID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error().Err(err).Msg("failed to load deployment record")
		return &Outcome{Status: types.StatusPending, Ack: false}
	}
	if rec != nil && rec.Status.Terminal() {
		logger.Info().Str("status", string(rec.Status)).Msg("redelivered terminal deployment, acking")
		return &Outcome{Status: rec.Status, Ack: true}
	}
	if rec == nil {
		rec = &types.DeploymentRecord{
			DeploymentID:   job.DeploymentID,
			JobID:          job.JobID,
			Repository:     job.Repository,
			InstanceID:     job.InstanceID,
			Environment:    job.Environment,
			Strategy:       job.Strategy,
			Status:         types.StatusPending,
			StartedAt:      c.Clock.Now(),
			PhaseDurations: make(map[types.Phase]time.Duration),
		}
		if err := c.Store.CreateDeployment(rec); err != nil {
			logger.Error().Err(err).Msg("failed to create deployment record")
			return &Outcome{Status: types.StatusPending, Ack: false}
		}
	}
	if rec.PhaseDurations == nil {
		rec.PhaseDurations = make(map[types.Phase]time.Duration)
	}

	// Secrets were sealed at submission; the pipeline needs plaintext.
	opened, err := c.Audit.OpenJob(job)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open sealed job")
		return c.terminal(rec, types.StatusFailed, "failed to open sealed job", phases.KindInternal)
	}
	job = opened

	metrics.DeploymentsActive.Inc()
	defer metrics.DeploymentsActive.Dec()

	scratch, err := os.MkdirTemp(c.ScratchRoot, fmt.Sprintf("dep-%s-%d-", job.DeploymentID, attempt))
	if err != nil {
		logger.Error().Err(err).Msg("failed to create scratch dir")
		return &Outcome{Status: rec.Status, Ack: false}
	}
	// Removed on every exit path, panic included.
	defer os.RemoveAll(scratch)

	// Scanning.
	if out := c.transition(rec, types.StatusScanning, "", ""); out != nil {
		return out
	}
	secStart := c.Clock.Now()
	secCtx, cancel := context.WithTimeout(ctx, securityPhaseTimeout)
	secRes, err := c.Runner.Execute(job.DeploymentID, types.PhaseSecurity, attempt, func() *phases.Result {
		return c.Security.Run(secCtx, job, scratch)
	})
	cancel()
	rec.PhaseDurations[types.PhaseSecurity] = c.Clock.Now().Sub(secStart)
	if err != nil {
		logger.Error().Err(err).Msg("security phase audit failure")
		return &Outcome{Status: rec.Status, Ack: false}
	}
	if secRes.Failed() {
		return c.failFrom(ctx, rec, secRes)
	}

	// Building.
	if out := c.transition(rec, types.StatusBuilding, "", ""); out != nil {
		return out
	}
	buildStart := c.Clock.Now()
	buildRes, err := c.Runner.Execute(job.DeploymentID, types.PhaseBuild, attempt, func() *phases.Result {
		return c.Build.Run(ctx, job, scratch)
	})
	rec.PhaseDurations[types.PhaseBuild] = c.Clock.Now().Sub(buildStart)
	if err != nil {
		logger.Error().Err(err).Msg("build phase audit failure")
		return &Outcome{Status: rec.Status, Ack: false}
	}
	if buildRes.Failed() {
		return c.failFrom(ctx, rec, buildRes)
	}
	artifact, ok := buildRes.Payload.(*types.BuildArtifact)
	if !ok {
		return c.terminal(rec, types.StatusFailed, "build produced no artifact", phases.KindInternal)
	}
	rec.CurrentImageTag = artifact.ImageTag
	if err := c.Store.UpdateDeployment(rec); err != nil {
		logger.Error().Err(err).Msg("failed to record image tag")
	}

	// Deploying.
	if out := c.transition(rec, types.StatusDeploying, "", ""); out != nil {
		return out
	}
	prevTag, err := c.Store.LatestDeployedTag(job.InstanceID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve previous image tag")
		return &Outcome{Status: rec.Status, Ack: false}
	}
	req := &deploy.Request{
		DeploymentID:     job.DeploymentID,
		InstanceID:       job.InstanceID,
		Environment:      job.Environment,
		ImageTag:         artifact.ImageTag,
		PreviousImageTag: prevTag,
		Port:             job.Port,
		HealthPath:       job.HealthPath,
		EnvVars:          job.EnvVars,
		Attempt:          attempt,
		BeforePromote: func(context.Context) error {
			// Persisted strictly before the old container is touched.
			rec.PreviousImageTag = prevTag
			return c.Store.UpdateDeployment(rec)
		},
	}
	deployStart := c.Clock.Now()
	deployCtx, cancelDeploy := context.WithTimeout(ctx, c.deployTimeout(job))
	deployRes, err := c.Runner.Execute(job.DeploymentID, types.PhaseDeploy, attempt, func() *phases.Result {
		return c.Deploy.Run(deployCtx, job, req)
	})
	cancelDeploy()
	rec.PhaseDurations[types.PhaseDeploy] = c.Clock.Now().Sub(deployStart)
	if err != nil {
		logger.Error().Err(err).Msg("deploy phase audit failure")
		return &Outcome{Status: rec.Status, Ack: false}
	}
	if deployRes.Failed() {
		if deployRes.Kind == phases.KindRolledBack {
			rec.RollbackReason = deployRes.Detail
			return c.terminal(rec, types.StatusRolledBack, deployRes.Detail, deployRes.Kind)
		}
		return c.failFrom(ctx, rec, deployRes)
	}

	// Verifying: the strategy's drain window has passed; one last probe
	// confirms the endpoint is still serving before we commit.
	if out := c.transition(rec, types.StatusVerifying, "", ""); out != nil {
		return out
	}
	if !c.verify(ctx, job) {
		if out := c.cancelled(ctx, rec); out != nil {
			return out
		}
		// The rollout already promoted, so the bad container is live;
		// restore the previous image before the terminal transition.
		reason := "post-deploy verification failed"
		if rec.PreviousImageTag != "" {
			c.Deploy.Rollback(ctx, job, req, reason)
			rec.RollbackReason = reason
			return c.terminal(rec, types.StatusRolledBack, reason, phases.KindRolledBack)
		}
		return c.terminal(rec, types.StatusFailed, reason, phases.KindDeployFailed)
	}

	return c.terminal(rec, types.StatusDeployed, "", "")
}

// deployTimeout bounds the deploy phase. Canary rollouts get the
// configured stage durations on top of the base budget.
func (c *Coordinator) deployTimeout(job *types.DeploymentJob) time.Duration {
	timeout := c.Config.Deploy.Timeout
	if job.Strategy == types.StrategyCanary {
		for _, stage := range c.Config.Canary.Stages {
			timeout += stage.Duration
		}
	}
	return timeout
}

// verify is a single probe with bounded retries against the live port
func (c *Coordinator) verify(ctx context.Context, job *types.DeploymentJob) bool {
	url := deploy.DefaultBaseURL(job.InstanceID, job.Port, job.HealthPath)
	for i := 0; i < 3; i++ {
		if i > 0 {
			if err := c.Clock.Sleep(ctx, 2*time.Second); err != nil {
				return false
			}
		}
		s := c.Prober.Probe(ctx, url, 2*time.Second)
		c.Audit.BufferHealthSample(job.DeploymentID, s)
		if s.Healthy {
			return true
		}
	}
	return false
}

// failFrom maps a failed phase result onto the deployment outcome
func (c *Coordinator) failFrom(ctx context.Context, rec *types.DeploymentRecord, res *phases.Result) *Outcome {
	if out := c.cancelled(ctx, rec); out != nil {
		return out
	}
	if res.Retryable {
		// The record stays non-terminal; the redelivered job resumes
		// from Pending with the next attempt index.
		c.logger.Warn().
			Str("deployment_id", rec.DeploymentID).
			Str("kind", res.Kind).
			Msg("retryable phase failure, requeueing")
		return &Outcome{Status: rec.Status, Ack: false}
	}
	if res.Kind == phases.KindSecurityRejected {
		return c.terminal(rec, types.StatusRejected, res.Detail, res.Kind)
	}
	return c.terminal(rec, types.StatusFailed, res.Detail, res.Kind)
}

// cancelled maps context termination onto Cancelled or LockLost-Failed.
// Returns nil when the context is still live.
func (c *Coordinator) cancelled(ctx context.Context, rec *types.DeploymentRecord) *Outcome {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), lock.ErrLockLost) {
		metrics.LocksLost.Inc()
		out := c.terminal(rec, types.StatusFailed, "LockLost", phases.KindLockLost)
		// Another worker may already own the instance; the job must be
		// redelivered so the pipeline can converge.
		out.Ack = false
		return out
	}
	return c.terminal(rec, types.StatusCancelled, "cancelled by operator", phases.KindCancelled)
}

// transition advances a non-terminal status and publishes the change.
// Returns a non-nil outcome only when the write fails.
func (c *Coordinator) transition(rec *types.DeploymentRecord, to types.DeploymentStatus, reason, kind string) *Outcome {
	if rec.Status == to {
		return nil
	}
	from := rec.Status
	rec.Status = to
	if err := c.Store.UpdateDeployment(rec); err != nil {
		c.logger.Error().Err(err).
			Str("deployment_id", rec.DeploymentID).
			Str("to", string(to)).
			Msg("failed to persist status transition")
		rec.Status = from
		return &Outcome{Status: from, Ack: false}
	}
	c.Sink.Publish(&types.DeploymentEvent{
		DeploymentID: rec.DeploymentID,
		Timestamp:    c.Clock.Now(),
		Type:         types.EventStatusChanged,
		Status:       &types.StatusPayload{From: from, To: to, Reason: reason, Kind: kind},
	})
	return nil
}

// terminal finalizes the record. Ordering is fixed: flush buffered
// samples, persist the terminal record, then publish the terminal
// StatusChanged as the very last action for this deployment.
func (c *Coordinator) terminal(rec *types.DeploymentRecord, to types.DeploymentStatus, reason, kind string) *Outcome {
	if err := c.Audit.FlushHealth(rec.DeploymentID); err != nil {
		c.logger.Error().Err(err).Str("deployment_id", rec.DeploymentID).Msg("failed to flush health samples")
	}

	from := rec.Status
	rec.Status = to
	rec.CompletedAt = c.Clock.Now()
	if to == types.StatusFailed || to == types.StatusRejected {
		rec.FailureReason = reason
	}
	if err := c.Store.UpdateDeployment(rec); err != nil {
		c.logger.Error().Err(err).
			Str("deployment_id", rec.DeploymentID).
			Str("to", string(to)).
			Msg("failed to persist terminal status")
		rec.Status = from
		return &Outcome{Status: from, Ack: false}
	}

	metrics.DeploymentsTotal.WithLabelValues(string(rec.Environment), string(to)).Inc()
	c.Sink.Publish(&types.DeploymentEvent{
		DeploymentID: rec.DeploymentID,
		Timestamp:    c.Clock.Now(),
		Type:         types.EventStatusChanged,
		Status:       &types.StatusPayload{From: from, To: to, Reason: reason, Kind: kind},
	})

	c.logger.Info().
		Str("deployment_id", rec.DeploymentID).
		Str("status", string(to)).
		Msg("deployment finished")
	return &Outcome{Status: to, Ack: true}
}
