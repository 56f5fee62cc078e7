package phases

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/audit"
	"github.com/caravelhq/caravel/pkg/builder"
	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/types"
)

const basePullBackoff = 15 * time.Second

// BuildPhase turns the scanned worktree into a tagged container image.
// When the repository ships no Dockerfile one is generated from the
// detected language, and build output streams as rate-capped log
// events.
type BuildPhase struct {
	Builder ports.ContainerBuilder
	Audit   *audit.Gateway
	Sink    ports.EventSink
	Clock   ports.Clock
	Config  config.BuildConfig

	logger zerolog.Logger
}

// NewBuildPhase wires the build executor
func NewBuildPhase(b ports.ContainerBuilder, gw *audit.Gateway, sink ports.EventSink, clock ports.Clock, cfg config.BuildConfig) *BuildPhase {
	return &BuildPhase{
		Builder: b,
		Audit:   gw,
		Sink:    sink,
		Clock:   clock,
		Config:  cfg,
		logger:  log.WithComponent("phase-build"),
	}
}

// Run builds the image for job from worktree
func (p *BuildPhase) Run(ctx context.Context, job *types.DeploymentJob, worktree string) *Result {
	ctx, cancel := context.WithTimeout(ctx, p.Config.Timeout)
	defer cancel()

	det, err := p.Builder.Detect(ctx, worktree)
	if err != nil {
		return Failed(KindBuildError, fmt.Sprintf("detection failed: %v", err), false)
	}

	provenance := types.DockerfileRepository
	if !det.HasDockerfile {
		dockerfile, err := p.Builder.GenerateDockerfile(det)
		if err != nil {
			return Failed(KindBuildError, fmt.Sprintf("dockerfile generation failed: %v", err), false)
		}
		if err := os.WriteFile(filepath.Join(worktree, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
			return Failed(KindInternal, fmt.Sprintf("failed to write dockerfile: %v", err), true)
		}
		ignorePath := filepath.Join(worktree, ".dockerignore")
		if _, statErr := os.Stat(ignorePath); os.IsNotExist(statErr) {
			if err := os.WriteFile(ignorePath, []byte(builder.Dockerignore(det.Language)), 0o644); err != nil {
				return Failed(KindInternal, fmt.Sprintf("failed to write dockerignore: %v", err), true)
			}
		}
		provenance = types.DockerfileGenerated
	}

	if len(job.CommitSHA) < 8 {
		return Failed(KindInternal, "commit sha missing from job", false)
	}
	imageTag := fmt.Sprintf("%s:%s", types.SanitizeRepoName(job.Repository), job.CommitSHA[:8])
	if !types.ValidImageTag(imageTag) {
		return Failed(KindBuildError, fmt.Sprintf("image tag %q violates tag grammar", imageTag), false)
	}

	stream := newLogStream(p.Sink, job.DeploymentID, p.Config.LogLinesPerSec)
	var artifact *types.BuildArtifact
	attempts := p.Config.BaseImageRetries + 1
	for attempt := 1; ; attempt++ {
		artifact, err = p.Builder.Build(ctx, worktree, imageTag, "", stream.line)
		if err == nil {
			break
		}
		if errors.Is(err, builder.ErrBasePull) && attempt < attempts {
			p.logger.Warn().
				Str("deployment_id", job.DeploymentID).
				Int("attempt", attempt).
				Msg("base image fetch failed, retrying")
			if serr := p.Clock.Sleep(ctx, basePullBackoff); serr != nil {
				return Failed(KindCancelled, "cancelled during build backoff", false)
			}
			continue
		}
		stream.flush()
		switch {
		case ctx.Err() == context.DeadlineExceeded:
			return Failed(KindTimeout, fmt.Sprintf("build timed out after %s", p.Config.Timeout), true)
		case ctx.Err() != nil:
			return Failed(KindCancelled, "cancelled during build", false)
		case errors.Is(err, builder.ErrBasePull):
			return Failed(KindBuildError, err.Error(), true)
		}
		return Failed(KindBuildError, err.Error(), false)
	}
	stream.flush()

	artifact.DeploymentID = job.DeploymentID
	artifact.DockerfileProvenance = provenance
	artifact.DetectedLanguage = det.Language
	artifact.DetectedFramework = det.Framework
	if artifact.BaseImage == "" {
		artifact.BaseImage = det.BaseImage
	}
	if err := p.Audit.WriteArtifact(artifact); err != nil {
		return Failed(KindInternal, fmt.Sprintf("failed to persist artifact: %v", err), true)
	}

	p.logger.Info().
		Str("deployment_id", job.DeploymentID).
		Str("image", imageTag).
		Str("provenance", string(provenance)).
		Msg("image built")
	return Ok(artifact)
}

// logStream forwards build output as log.line events, capped at a
// per-second line rate with the overflow merged into a tail summary
type logStream struct {
	sink         ports.EventSink
	deploymentID string
	limit        int

	windowStart time.Time
	inWindow    int
	suppressed  int
}

func newLogStream(sink ports.EventSink, deploymentID string, linesPerSec int) *logStream {
	return &logStream{sink: sink, deploymentID: deploymentID, limit: linesPerSec}
}

func (s *logStream) line(line string) {
	now := time.Now()
	if now.Sub(s.windowStart) >= time.Second {
		s.windowStart = now
		s.inWindow = 0
	}
	s.inWindow++
	if s.limit > 0 && s.inWindow > s.limit {
		s.suppressed++
		return
	}
	s.publish(line)
}

func (s *logStream) flush() {
	if s.suppressed > 0 {
		s.publish(fmt.Sprintf("(%d lines suppressed by rate cap)", s.suppressed))
		s.suppressed = 0
	}
}

func (s *logStream) publish(line string) {
	s.sink.Publish(&types.DeploymentEvent{
		DeploymentID: s.deploymentID,
		Timestamp:    time.Now(),
		Type:         types.EventLogLine,
		Log:          &types.LogPayload{Phase: types.PhaseBuild, Line: line},
	})
}
