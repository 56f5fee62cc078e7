package phases

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/audit"
	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/scan"
	"github.com/caravelhq/caravel/pkg/types"
)

// SecurityPhase clones the source, scans it, and applies the security
// policy. On success the job carries the resolved commit sha and the
// worktree holds a checkout ready for the build phase.
type SecurityPhase struct {
	VCS     ports.VCS
	Scanner ports.ImageScanner
	Audit   *audit.Gateway
	Config  config.SecurityConfig

	logger zerolog.Logger
}

// NewSecurityPhase wires the security executor
func NewSecurityPhase(vcs ports.VCS, scanner ports.ImageScanner, gw *audit.Gateway, cfg config.SecurityConfig) *SecurityPhase {
	return &SecurityPhase{
		VCS:     vcs,
		Scanner: scanner,
		Audit:   gw,
		Config:  cfg,
		logger:  log.WithComponent("phase-security"),
	}
}

// Run clones into worktree (owned and cleaned by the caller), scans,
// and persists the decision. The resolved sha is written back into job.
func (p *SecurityPhase) Run(ctx context.Context, job *types.DeploymentJob, worktree string) *Result {
	clone, err := p.VCS.Clone(ctx, job.Repository, job.Ref, worktree)
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrEmptyRepo):
			return Failed(KindEmptyRepo, err.Error(), false)
		case errors.Is(err, ports.ErrUnreachable):
			return Failed(KindVCSError, err.Error(), true)
		case errors.Is(err, ports.ErrAuthDenied), errors.Is(err, ports.ErrNotFound):
			return Failed(KindVCSError, err.Error(), false)
		case ctx.Err() == context.DeadlineExceeded:
			return Failed(KindTimeout, "clone timed out", true)
		case ctx.Err() != nil:
			return Failed(KindCancelled, "cancelled during clone", false)
		}
		return Failed(KindVCSError, err.Error(), true)
	}
	job.CommitSHA = clone.ResolvedSHA

	policy := ports.ScanPolicy{
		Name:     p.Config.Policy,
		MaxHigh:  p.Config.MaxHigh,
		SkipDirs: p.Config.SkipDirs,
	}
	report, err := p.Scanner.ScanFilesystem(ctx, clone.WorktreePath, policy, p.Config.Timeout)
	if err != nil {
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return Failed(KindTimeout, "scan timed out", true)
		case ctx.Err() != nil:
			return Failed(KindCancelled, "cancelled during scan", false)
		}
		return Failed(KindScannerError, err.Error(), true)
	}
	if report.Partial {
		return Failed(KindScannerError, "scanner returned partial results", true)
	}

	decision := scan.Evaluate(job.DeploymentID, report, policy)
	if err := p.Audit.WriteDecision(decision); err != nil {
		return Failed(KindInternal, fmt.Sprintf("failed to persist decision: %v", err), true)
	}

	p.logger.Info().
		Str("deployment_id", job.DeploymentID).
		Str("sha", clone.ResolvedSHA).
		Str("decision", string(decision.Decision)).
		Int("risk_score", decision.RiskScore).
		Msg("scan evaluated")

	if decision.Decision == types.DecisionReject {
		return Failed(KindSecurityRejected, decision.Reasoning, false)
	}
	return Ok(decision)
}
