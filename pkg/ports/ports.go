package ports

import (
	"context"
	"errors"
	"time"

	"github.com/caravelhq/caravel/pkg/types"
)

// Failure classes surfaced by VCS implementations
var (
	ErrUnreachable = errors.New("remote unreachable")
	ErrAuthDenied  = errors.New("authentication denied")
	ErrNotFound    = errors.New("not found")
	ErrDirtyTarget = errors.New("target directory not empty")
	ErrEmptyRepo   = errors.New("repository is empty")
)

// CloneResult is what a successful clone yields
type CloneResult struct {
	ResolvedSHA  string
	WorktreePath string
}

// VCS clones and resolves source revisions
type VCS interface {
	Clone(ctx context.Context, repository, ref, targetDir string) (*CloneResult, error)
	ResolveSHA(ctx context.Context, repository, ref string) (string, error)
}

// ScanPolicy names the policy and its tunables
type ScanPolicy struct {
	Name     string // strict | balanced | permissive
	MaxHigh  int
	SkipDirs []string
}

// ScanReport is the scanner's raw severity tally. Partial marks reports
// produced despite a scanner error; callers treat those as retryable.
type ScanReport struct {
	Total    int
	Critical int
	High     int
	Medium   int
	Low      int
	Partial  bool
}

// ImageScanner scans filesystems and images for vulnerabilities. Given
// the same inputs and vulnerability DB snapshot, results must be
// deterministic.
type ImageScanner interface {
	ScanFilesystem(ctx context.Context, path string, policy ScanPolicy, timeout time.Duration) (*ScanReport, error)
	ScanImage(ctx context.Context, ref string, policy ScanPolicy, timeout time.Duration) (*ScanReport, error)
}

// DetectionResult describes what the builder found in a worktree
type DetectionResult struct {
	Language      string
	Framework     string
	Entrypoint    string
	BaseImage     string
	HasDockerfile bool
}

// ProgressFunc receives build output lines as they are produced
type ProgressFunc func(line string)

// ContainerBuilder detects project shape, generates Dockerfiles, and
// builds images. Build streams every output line to progress.
type ContainerBuilder interface {
	Detect(ctx context.Context, worktree string) (*DetectionResult, error)
	GenerateDockerfile(det *DetectionResult) (string, error)
	Build(ctx context.Context, contextDir, imageTag, dockerfile string, progress ProgressFunc) (*types.BuildArtifact, error)
}

// ExecResult is the outcome of one remote script run
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// RemoteExecutor runs a script on a compute instance. The caller
// supplies commandID; re-running with the same commandID must produce
// identical observable effects on the target.
type RemoteExecutor interface {
	Run(ctx context.Context, instanceID, commandID, script string, timeout time.Duration) (*ExecResult, error)
}

// HealthProber performs a single HTTP health probe
type HealthProber interface {
	Probe(ctx context.Context, url string, timeout time.Duration) types.HealthSample
}

// Clock abstracts time for tests. Sleep returns early with the context
// error on cancellation.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// EventSink receives pipeline events. Publish never blocks the caller
// beyond the bus's bounded buffers.
type EventSink interface {
	Publish(ev *types.DeploymentEvent)
}

// Store provides row-level persistence for the audit trail. Writes are
// idempotent by natural key and refuse updates once the deployment's
// status is terminal.
type Store interface {
	CreateDeployment(rec *types.DeploymentRecord) error
	UpdateDeployment(rec *types.DeploymentRecord) error
	GetDeployment(deploymentID string) (*types.DeploymentRecord, error)
	LatestDeployedTag(instanceID string) (string, error)

	PutPhase(rec *types.PhaseRecord) error
	ListPhases(deploymentID string) ([]*types.PhaseRecord, error)

	PutDecision(d *types.SecurityDecision) error
	GetDecision(deploymentID string) (*types.SecurityDecision, error)

	PutArtifact(a *types.BuildArtifact) error
	GetArtifact(deploymentID string) (*types.BuildArtifact, error)

	AppendHealthSamples(deploymentID string, samples []types.HealthSample) error

	AppendEvent(ev *types.DeploymentEvent) error
	ListEvents(deploymentID string, fromSeq uint64) ([]*types.DeploymentEvent, error)

	Close() error
}
