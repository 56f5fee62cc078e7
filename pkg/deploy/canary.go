package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/health"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/types"
)

// CanaryDeployer shifts traffic to the candidate in weighted stages
// before the handover. The candidate runs on the side port while the
// reverse proxy splits traffic between both containers; each stage must
// keep the error rate at or below the threshold and pass the
// confirmation rules before the next weight applies.
type CanaryDeployer struct {
	deps    *Deps
	rolling *RollingDeployer // shared step and remediation plumbing
	logger  zerolog.Logger
}

// NewCanaryDeployer creates the canary strategy
func NewCanaryDeployer(deps *Deps) *CanaryDeployer {
	return &CanaryDeployer{
		deps:    deps,
		rolling: NewRollingDeployer(deps),
		logger:  log.WithComponent("deploy-canary"),
	}
}

// Deploy runs the staged rollout
func (c *CanaryDeployer) Deploy(ctx context.Context, req *Request) (*Result, error) {
	d := c.deps
	start := time.Now()
	logger := c.logger.With().Str("deployment_id", req.DeploymentID).Logger()

	d.progress(req.DeploymentID, req.Attempt, "preparing")
	if err := c.rolling.runStep(ctx, req, "prep", PullScript(req.ImageTag)); err != nil {
		return nil, err
	}

	d.progress(req.DeploymentID, req.Attempt, "starting_new")
	if err := c.rolling.runStep(ctx, req, "start", StartCandidateScript(req.ImageTag, req.Port, req.EnvVars)); err != nil {
		return c.abort(ctx, req, fmt.Sprintf("candidate failed to start: %v", err), 0, start), nil
	}

	sideURL := d.baseURL(req.InstanceID, req.Port+1, req.HealthPath)
	if !d.preSwitchCheck(ctx, req.DeploymentID, sideURL) {
		if err := ctx.Err(); err != nil {
			c.remediate(ctx, req, "cancelled before traffic split")
			return nil, err
		}
		return c.abort(ctx, req, "pre-switch check failed", 0, start), nil
	}

	stagesCompleted := 0
	for i, stage := range d.Canary.Stages {
		d.progress(req.DeploymentID, req.Attempt, fmt.Sprintf("canary_stage_%d_weight_%d", i+1, stage.Weight))

		upstream := RenderUpstream("127.0.0.1", req.Port, req.Port+1, stage.Weight)
		step := fmt.Sprintf("upstream%d", i+1)
		if err := c.rolling.runStep(ctx, req, step, UpstreamApplyScript(upstream)); err != nil {
			return c.abort(ctx, req, fmt.Sprintf("traffic split failed: %v", err), stagesCompleted, start), nil
		}

		// The terminal full-weight stage holds no observation window;
		// promotion follows immediately.
		if stage.Weight == 100 && stage.Duration == 0 {
			stagesCompleted++
			break
		}

		verdict, err := c.observeStage(ctx, req, stage)
		if err != nil {
			c.remediate(ctx, req, "cancelled during canary stage")
			return nil, err
		}
		if verdict != "" {
			return c.abort(ctx, req, verdict, stagesCompleted, start), nil
		}
		stagesCompleted++
		logger.Info().Int("weight", stage.Weight).Int("stage", i+1).Msg("canary stage passed")
	}

	// Handover, mirroring the rolling promote: persist the rollback
	// point, swap containers, point the proxy back at the primary port.
	d.progress(req.DeploymentID, req.Attempt, "promoting")
	if req.BeforePromote != nil {
		if err := req.BeforePromote(ctx); err != nil {
			return c.abort(ctx, req, fmt.Sprintf("failed to persist rollback point: %v", err), stagesCompleted, start), nil
		}
	}
	stopSecs := int(d.Config.StopTimeout.Seconds())
	if err := c.rolling.runStep(ctx, req, "promote", PromoteScript(req.ImageTag, req.Port, stopSecs, req.EnvVars)); err != nil {
		return c.rollbackPromoted(ctx, req, fmt.Sprintf("promote failed: %v", err), stagesCompleted, start), nil
	}
	if err := c.rolling.runStep(ctx, req, "upstream-final", UpstreamApplyScript(RenderUpstream("127.0.0.1", req.Port, req.Port+1, 0))); err != nil {
		return c.rollbackPromoted(ctx, req, fmt.Sprintf("failed to restore upstream: %v", err), stagesCompleted, start), nil
	}

	d.progress(req.DeploymentID, req.Attempt, "draining")
	monitor := &health.Monitor{Prober: d.Prober, Clock: d.Clock, Config: d.Config}
	window, err := monitor.Observe(ctx, d.baseURL(req.InstanceID, req.Port, req.HealthPath), func(s types.HealthSample) {
		d.sample(req.DeploymentID, s)
	})
	if err != nil {
		c.rolling.remediate(ctx, req, "cancelled during drain", true)
		return nil, err
	}
	if !window.Passed {
		res := c.rolling.rollback(ctx, req, window.Reason, true, start)
		res.StagesCompleted = stagesCompleted
		return res, nil
	}

	logger.Info().
		Str("image", req.ImageTag).
		Int("stages", stagesCompleted).
		Dur("elapsed", time.Since(start)).
		Msg("canary deployment succeeded")
	return &Result{
		Kind:            Succeeded,
		Elapsed:         time.Since(start),
		StagesCompleted: stagesCompleted,
	}, nil
}

// Rollback restores the previous image after a completed rollout. By
// then the upstream is prod-only again, so the container swap is the
// same as the rolling one.
func (c *CanaryDeployer) Rollback(ctx context.Context, req *Request, reason string) {
	c.rolling.Rollback(ctx, req, reason)
}

// observeStage probes both server addresses for the stage duration and
// returns a non-empty failure reason when the stage flunks: error rate
// strictly above the threshold, or the confirmation rules failing on
// the canary samples.
func (c *CanaryDeployer) observeStage(ctx context.Context, req *Request, stage config.CanaryStage) (string, error) {
	d := c.deps
	prodURL := d.baseURL(req.InstanceID, req.Port, req.HealthPath)
	canaryURL := d.baseURL(req.InstanceID, req.Port+1, req.HealthPath)

	ticks := int(stage.Duration / d.Config.HealthInterval)
	if ticks < 1 {
		ticks = 1
	}

	total, failures := 0, 0
	canarySamples := make([]types.HealthSample, 0, ticks)
	streak := 0
	for i := 0; i < ticks; i++ {
		if i > 0 {
			if err := d.Clock.Sleep(ctx, d.Config.HealthInterval); err != nil {
				return "", err
			}
		}

		var prodSample, canarySample types.HealthSample
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			prodSample = d.Prober.Probe(gctx, prodURL, d.Config.HealthInterval)
			return nil
		})
		g.Go(func() error {
			canarySample = d.Prober.Probe(gctx, canaryURL, d.Config.HealthInterval)
			return nil
		})
		g.Wait()
		if err := ctx.Err(); err != nil {
			return "", err
		}

		prodSample.Attempt = i + 1
		canarySample.Attempt = i + 1
		d.sample(req.DeploymentID, prodSample)
		d.sample(req.DeploymentID, canarySample)

		total += 2
		for _, s := range []types.HealthSample{prodSample, canarySample} {
			if !s.Healthy {
				failures++
			}
		}
		canarySamples = append(canarySamples, canarySample)
		if canarySample.Healthy {
			streak = 0
		} else {
			streak++
			if streak >= d.Config.MaxConsecutiveFailures {
				break
			}
		}
	}

	rate := float64(failures) / float64(total)
	if rate > d.Canary.ErrorRateThreshold {
		return fmt.Sprintf("error rate %.3f above threshold %.3f", rate, d.Canary.ErrorRateThreshold), nil
	}
	if streak >= d.Config.MaxConsecutiveFailures {
		return fmt.Sprintf("%d consecutive canary probe failures", streak), nil
	}
	if win := health.EvaluateWindow(canarySamples, windowConfigFor(d.Config, len(canarySamples))); !win.Passed {
		return win.Reason, nil
	}
	return "", nil
}

// windowConfigFor scales the min-success requirement to the actual
// sample count of a stage while keeping the configured ratio
func windowConfigFor(cfg config.DeployConfig, samples int) config.DeployConfig {
	scaled := cfg
	if cfg.HealthSamples > 0 && samples > 0 {
		scaled.MinSuccess = (cfg.MinSuccess*samples + cfg.HealthSamples - 1) / cfg.HealthSamples
		scaled.HealthSamples = samples
	}
	return scaled
}

// abort rolls the traffic split back and stops the canary container
func (c *CanaryDeployer) abort(ctx context.Context, req *Request, reason string, stagesCompleted int, start time.Time) *Result {
	c.remediate(ctx, req, reason)
	metrics.RollbacksTotal.WithLabelValues(string(req.Environment)).Inc()

	kind := FailedAndRolledBack
	if req.PreviousImageTag == "" {
		kind = FailedNoRollback
	}
	return &Result{
		Kind:            kind,
		Reason:          reason,
		Elapsed:         time.Since(start),
		StagesCompleted: stagesCompleted,
	}
}

// remediate restores the prod-only upstream and removes the candidate.
// Runs detached from cancellation.
func (c *CanaryDeployer) remediate(ctx context.Context, req *Request, reason string) {
	d := c.deps
	d.rollbackStarted(req.DeploymentID, reason, req.PreviousImageTag)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.Config.Timeout)
	defer cancel()

	c.restoreUpstream(rctx, req)
	if res, err := d.Exec.Run(rctx, req.InstanceID,
		commandID(req.DeploymentID, "rbstop", req.Attempt), StopCandidateScript(req.ImageTag), d.Config.Timeout); err != nil || res.ExitCode != 0 {
		c.logger.Error().Err(err).Str("deployment_id", req.DeploymentID).Msg("failed to stop canary container")
	}
}

// rollbackPromoted remediates a failure after the handover began. The
// proxy must be pointed back at the primary port before the containers
// are restored: a container rollback alone would leave the weighted
// upstream sending traffic to the side port, which nothing serves once
// the candidate is gone.
func (c *CanaryDeployer) rollbackPromoted(ctx context.Context, req *Request, reason string, stagesCompleted int, start time.Time) *Result {
	d := c.deps
	d.rollbackStarted(req.DeploymentID, reason, req.PreviousImageTag)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.Config.Timeout)
	defer cancel()

	c.restoreUpstream(rctx, req)

	var script, step string
	if req.PreviousImageTag == "" {
		script, step = StopCandidateScript(req.ImageTag), "rbstop"
	} else {
		script = RollbackScript(req.PreviousImageTag, req.ImageTag, req.Port,
			int(d.Config.StopTimeout.Seconds()), req.EnvVars)
		step = "rollback"
	}
	if res, err := d.Exec.Run(rctx, req.InstanceID,
		commandID(req.DeploymentID, step, req.Attempt), script, d.Config.Timeout); err != nil || res.ExitCode != 0 {
		c.logger.Error().Err(err).
			Str("deployment_id", req.DeploymentID).
			Str("step", step).
			Msg("rollback remediation failed")
	}
	metrics.RollbacksTotal.WithLabelValues(string(req.Environment)).Inc()

	kind := FailedAndRolledBack
	if req.PreviousImageTag == "" {
		kind = FailedNoRollback
	}
	return &Result{
		Kind:            kind,
		Reason:          reason,
		Elapsed:         time.Since(start),
		StagesCompleted: stagesCompleted,
	}
}

// restoreUpstream reapplies the prod-only upstream block. rctx is
// expected to be detached from cancellation already.
func (c *CanaryDeployer) restoreUpstream(rctx context.Context, req *Request) {
	d := c.deps
	restore := UpstreamApplyScript(RenderUpstream("127.0.0.1", req.Port, req.Port+1, 0))
	if res, err := d.Exec.Run(rctx, req.InstanceID,
		commandID(req.DeploymentID, "upstream-restore", req.Attempt), restore, d.Config.Timeout); err != nil || res.ExitCode != 0 {
		c.logger.Error().Err(err).Str("deployment_id", req.DeploymentID).Msg("failed to restore upstream")
	}
}
