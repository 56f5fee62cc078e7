package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/health"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/types"
)

// RollingDeployer replaces the live container via a health-gated
// side-port handover: the candidate starts on port+1, must pass a
// confirmation window there, then takes over the primary port and must
// pass a second window before the rollout counts as succeeded.
type RollingDeployer struct {
	deps   *Deps
	logger zerolog.Logger
}

// NewRollingDeployer creates the rolling strategy
func NewRollingDeployer(deps *Deps) *RollingDeployer {
	return &RollingDeployer{
		deps:   deps,
		logger: log.WithComponent("deploy-rolling"),
	}
}

// Deploy runs the rollout. An error return means infrastructure failed
// before the live container was at risk; once the candidate is up,
// failures resolve to FailedAndRolledBack or FailedNoRollback.
func (r *RollingDeployer) Deploy(ctx context.Context, req *Request) (*Result, error) {
	d := r.deps
	start := time.Now()
	logger := r.logger.With().Str("deployment_id", req.DeploymentID).Logger()

	// Preparing: nothing on the instance has changed yet, so failures
	// here surface as plain errors and stay retryable.
	d.progress(req.DeploymentID, req.Attempt, "preparing")
	if err := r.runStep(ctx, req, "prep", PullScript(req.ImageTag)); err != nil {
		return nil, err
	}

	// StartingNew: the candidate comes up on the side port.
	d.progress(req.DeploymentID, req.Attempt, "starting_new")
	stopSecs := int(d.Config.StopTimeout.Seconds())
	if err := r.runStep(ctx, req, "start", StartCandidateScript(req.ImageTag, req.Port, req.EnvVars)); err != nil {
		return r.rollback(ctx, req, fmt.Sprintf("candidate failed to start: %v", err), false, start), nil
	}

	// HealthChecking: pre-switch probe, then the confirmation window,
	// both against the side port.
	d.progress(req.DeploymentID, req.Attempt, "health_checking")
	sideURL := d.baseURL(req.InstanceID, req.Port+1, req.HealthPath)
	if !d.preSwitchCheck(ctx, req.DeploymentID, sideURL) {
		if err := ctx.Err(); err != nil {
			r.remediate(ctx, req, "cancelled during health check", false)
			return nil, err
		}
		return r.rollback(ctx, req, "pre-switch check failed", false, start), nil
	}
	monitor := &health.Monitor{Prober: d.Prober, Clock: d.Clock, Config: d.Config}
	window, err := monitor.Observe(ctx, sideURL, func(s types.HealthSample) {
		d.sample(req.DeploymentID, s)
	})
	if err != nil {
		r.remediate(ctx, req, "cancelled during health check", false)
		return nil, err
	}
	if !window.Passed {
		return r.rollback(ctx, req, window.Reason, false, start), nil
	}

	// Promoting: persist the previous tag first, then hand over the
	// primary port.
	d.progress(req.DeploymentID, req.Attempt, "promoting")
	if req.BeforePromote != nil {
		if err := req.BeforePromote(ctx); err != nil {
			return r.rollback(ctx, req, fmt.Sprintf("failed to persist rollback point: %v", err), false, start), nil
		}
	}
	promote := PromoteScript(req.ImageTag, req.Port, stopSecs, req.EnvVars)
	res, err := d.Exec.Run(ctx, req.InstanceID, commandID(req.DeploymentID, "promote", req.Attempt), promote, d.Config.Timeout)
	if err != nil || res.ExitCode != 0 {
		reason := "promote failed"
		if err != nil {
			reason = fmt.Sprintf("promote failed: %v", err)
		}
		return r.rollback(ctx, req, reason, true, start), nil
	}
	containerID := lastLine(res.Stdout)

	// Draining: the promoted container must hold a second window on the
	// primary port.
	d.progress(req.DeploymentID, req.Attempt, "draining")
	liveURL := d.baseURL(req.InstanceID, req.Port, req.HealthPath)
	window, err = monitor.Observe(ctx, liveURL, func(s types.HealthSample) {
		d.sample(req.DeploymentID, s)
	})
	if err != nil {
		r.remediate(ctx, req, "cancelled during drain", true)
		return nil, err
	}
	if !window.Passed {
		return r.rollback(ctx, req, window.Reason, true, start), nil
	}

	logger.Info().
		Str("image", req.ImageTag).
		Dur("elapsed", time.Since(start)).
		Msg("rolling deployment succeeded")
	return &Result{
		Kind:        Succeeded,
		ContainerID: containerID,
		Elapsed:     time.Since(start),
	}, nil
}

// Rollback restores the previous image after a completed rollout
func (r *RollingDeployer) Rollback(ctx context.Context, req *Request, reason string) {
	r.remediate(ctx, req, reason, true)
	metrics.RollbacksTotal.WithLabelValues(string(req.Environment)).Inc()
}

// runStep executes one remote script and folds a nonzero exit into the
// error
func (r *RollingDeployer) runStep(ctx context.Context, req *Request, step, script string) error {
	res, err := r.deps.Exec.Run(ctx, req.InstanceID,
		commandID(req.DeploymentID, step, req.Attempt), script, r.deps.Config.Timeout)
	if err != nil {
		return fmt.Errorf("%s failed: %w", step, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", step, res.ExitCode, lastLine(res.Stderr))
	}
	return nil
}

// rollback remediates and reports the terminal strategy outcome.
// promoted tells whether the old container may already be gone.
func (r *RollingDeployer) rollback(ctx context.Context, req *Request, reason string, promoted bool, start time.Time) *Result {
	r.remediate(ctx, req, reason, promoted)
	metrics.RollbacksTotal.WithLabelValues(string(req.Environment)).Inc()

	kind := FailedAndRolledBack
	if req.PreviousImageTag == "" {
		kind = FailedNoRollback
	}
	return &Result{Kind: kind, Reason: reason, Elapsed: time.Since(start)}
}

// remediate restores the instance to its pre-rollout shape. It runs on
// a detached context so cancellation cannot strand a half-switched
// instance.
func (r *RollingDeployer) remediate(ctx context.Context, req *Request, reason string, promoted bool) {
	d := r.deps
	d.rollbackStarted(req.DeploymentID, reason, req.PreviousImageTag)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.Config.Timeout)
	defer cancel()

	var script, step string
	switch {
	case req.PreviousImageTag == "":
		script, step = StopCandidateScript(req.ImageTag), "rbstop"
	case promoted:
		script = RollbackScript(req.PreviousImageTag, req.ImageTag, req.Port,
			int(d.Config.StopTimeout.Seconds()), req.EnvVars)
		step = "rollback"
	default:
		// Old container never stopped; removing the candidate restores
		// the previous shape.
		script, step = StopCandidateScript(req.ImageTag), "rbstop"
	}

	res, err := d.Exec.Run(rctx, req.InstanceID,
		commandID(req.DeploymentID, step, req.Attempt), script, d.Config.Timeout)
	if err != nil || res.ExitCode != 0 {
		r.logger.Error().Err(err).
			Str("deployment_id", req.DeploymentID).
			Str("step", step).
			Msg("rollback remediation failed")
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
