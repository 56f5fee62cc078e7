package phases

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/deploy"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/types"
)

// DeployPhase dispatches to the rollout strategy selected by the job
// and returns its verdict unchanged
type DeployPhase struct {
	Rolling deploy.Deployer
	Canary  deploy.Deployer

	logger zerolog.Logger
}

// NewDeployPhase wires the deploy executor
func NewDeployPhase(rolling, canary deploy.Deployer) *DeployPhase {
	return &DeployPhase{
		Rolling: rolling,
		Canary:  canary,
		logger:  log.WithComponent("phase-deploy"),
	}
}

// deployPayload is what a successful deploy records
type deployPayload struct {
	ContainerID     string `json:"container_id,omitempty"`
	ElapsedMs       int64  `json:"elapsed_ms"`
	StagesCompleted int    `json:"stages_completed,omitempty"`
}

// Run executes the rollout. req must carry the artifact's image tag
// and the previous tag resolved by the coordinator.
func (p *DeployPhase) Run(ctx context.Context, job *types.DeploymentJob, req *deploy.Request) *Result {
	var deployer deploy.Deployer
	switch job.Strategy {
	case types.StrategyRolling:
		deployer = p.Rolling
	case types.StrategyCanary:
		deployer = p.Canary
	default:
		return Failed(KindInternal, fmt.Sprintf("unknown strategy %q", job.Strategy), false)
	}

	res, err := deployer.Deploy(ctx, req)
	if err != nil {
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return Failed(KindTimeout, "rollout timed out", true)
		case ctx.Err() != nil:
			return Failed(KindCancelled, "cancelled during rollout", false)
		}
		return Failed(KindDeployError, err.Error(), true)
	}

	payload := deployPayload{
		ContainerID:     res.ContainerID,
		ElapsedMs:       res.Elapsed.Milliseconds(),
		StagesCompleted: res.StagesCompleted,
	}
	switch res.Kind {
	case deploy.Succeeded:
		return Ok(payload)
	case deploy.FailedAndRolledBack:
		return Failed(KindRolledBack, res.Reason, false)
	case deploy.FailedNoRollback:
		return Failed(KindDeployFailed, res.Reason, false)
	}
	return Failed(KindInternal, fmt.Sprintf("unknown deploy result %q", res.Kind), false)
}

// Rollback undoes a completed rollout through the job's strategy; used
// when post-deploy verification fails on the promoted container
func (p *DeployPhase) Rollback(ctx context.Context, job *types.DeploymentJob, req *deploy.Request, reason string) {
	switch job.Strategy {
	case types.StrategyRolling:
		p.Rolling.Rollback(ctx, req, reason)
	case types.StrategyCanary:
		p.Canary.Rollback(ctx, req, reason)
	}
}
