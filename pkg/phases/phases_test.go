package phases

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravelhq/caravel/pkg/audit"
	"github.com/caravelhq/caravel/pkg/builder"
	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/deploy"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/security"
	"github.com/caravelhq/caravel/pkg/storage"
	"github.com/caravelhq/caravel/pkg/types"
)

const (
	testSHA = "0123456789abcdef0123456789abcdef01234567"
	testDep = "01HZXKQJ9WP4R8T2M6N3V5B7CD"
)

func testGateway(t *testing.T) (*audit.Gateway, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	red, err := security.NewRedactor(nil)
	require.NoError(t, err)
	secrets, err := security.NewSecretsManagerFromPassword("test-password")
	require.NoError(t, err)
	return audit.NewGateway(store, red, secrets), store
}

func testJob() *types.DeploymentJob {
	return &types.DeploymentJob{
		JobID:        types.NewULID(),
		DeploymentID: testDep,
		Repository:   "acme/api",
		Ref:          "main",
		InstanceID:   "i-abc",
		Environment:  types.EnvStaging,
		Strategy:     types.StrategyRolling,
		Port:         8080,
		HealthPath:   "/healthz",
		TriggeredBy:  types.TriggerCLI,
	}
}

type captureSink struct {
	mu     sync.Mutex
	events []*types.DeploymentEvent
}

func (s *captureSink) Publish(ev *types.DeploymentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) count(t types.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type instantClock struct{}

func (instantClock) Now() time.Time                                   { return time.Now() }
func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// --- security phase ---

type fakeVCS struct {
	sha      string
	cloneErr error
}

func (f *fakeVCS) Clone(_ context.Context, _, _, targetDir string) (*ports.CloneResult, error) {
	if f.cloneErr != nil {
		return nil, f.cloneErr
	}
	return &ports.CloneResult{ResolvedSHA: f.sha, WorktreePath: targetDir}, nil
}

func (f *fakeVCS) ResolveSHA(context.Context, string, string) (string, error) {
	return f.sha, f.cloneErr
}

type fakeScanner struct {
	report  *ports.ScanReport
	scanErr error
}

func (f *fakeScanner) ScanFilesystem(context.Context, string, ports.ScanPolicy, time.Duration) (*ports.ScanReport, error) {
	return f.report, f.scanErr
}

func (f *fakeScanner) ScanImage(context.Context, string, ports.ScanPolicy, time.Duration) (*ports.ScanReport, error) {
	return f.report, f.scanErr
}

func TestSecurityPhaseApproves(t *testing.T) {
	gw, store := testGateway(t)
	p := NewSecurityPhase(&fakeVCS{sha: testSHA}, &fakeScanner{report: &ports.ScanReport{Low: 2}}, gw, config.Default().Security)
	job := testJob()

	res := p.Run(context.Background(), job, t.TempDir())
	require.False(t, res.Failed(), res.Detail)
	assert.Equal(t, testSHA, job.CommitSHA)

	decision, err := store.GetDecision(testDep)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionApprove, decision.Decision)
}

func TestSecurityPhaseRejectsCriticalUnderStrict(t *testing.T) {
	gw, store := testGateway(t)
	p := NewSecurityPhase(&fakeVCS{sha: testSHA}, &fakeScanner{report: &ports.ScanReport{Total: 1, Critical: 1}}, gw, config.Default().Security)

	res := p.Run(context.Background(), testJob(), t.TempDir())
	require.True(t, res.Failed())
	assert.Equal(t, KindSecurityRejected, res.Kind)
	assert.False(t, res.Retryable)

	// The decision row exists even though the deployment is rejected.
	decision, err := store.GetDecision(testDep)
	require.NoError(t, err)
	assert.Equal(t, types.DecisionReject, decision.Decision)
}

func TestSecurityPhaseFailureClasses(t *testing.T) {
	tests := []struct {
		name      string
		vcs       *fakeVCS
		scanner   *fakeScanner
		kind      string
		retryable bool
	}{
		{"empty repo", &fakeVCS{cloneErr: fmt.Errorf("acme/api: %w", ports.ErrEmptyRepo)},
			&fakeScanner{}, KindEmptyRepo, false},
		{"unreachable remote", &fakeVCS{cloneErr: fmt.Errorf("acme/api: %w", ports.ErrUnreachable)},
			&fakeScanner{}, KindVCSError, true},
		{"auth denied", &fakeVCS{cloneErr: fmt.Errorf("acme/api: %w", ports.ErrAuthDenied)},
			&fakeScanner{}, KindVCSError, false},
		{"scanner error", &fakeVCS{sha: testSHA},
			&fakeScanner{scanErr: errors.New("db download failed")}, KindScannerError, true},
		{"partial results", &fakeVCS{sha: testSHA},
			&fakeScanner{report: &ports.ScanReport{Total: 3, Partial: true}}, KindScannerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _ := testGateway(t)
			p := NewSecurityPhase(tt.vcs, tt.scanner, gw, config.Default().Security)
			res := p.Run(context.Background(), testJob(), t.TempDir())
			require.True(t, res.Failed())
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.retryable, res.Retryable)
		})
	}
}

func TestSecurityPhaseTimeoutIsRetryable(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	tests := []struct {
		name    string
		vcs     *fakeVCS
		scanner *fakeScanner
	}{
		{"clone deadline", &fakeVCS{cloneErr: context.DeadlineExceeded}, &fakeScanner{}},
		{"scan deadline", &fakeVCS{sha: testSHA}, &fakeScanner{scanErr: context.DeadlineExceeded}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _ := testGateway(t)
			p := NewSecurityPhase(tt.vcs, tt.scanner, gw, config.Default().Security)
			res := p.Run(ctx, testJob(), t.TempDir())
			require.True(t, res.Failed())
			assert.Equal(t, KindTimeout, res.Kind)
			assert.True(t, res.Retryable)
		})
	}
}

// --- build phase ---

type fakeBuilder struct {
	det       *ports.DetectionResult
	buildErrs []error // consumed per attempt; nil means success
	built     int
	lines     []string
}

func (f *fakeBuilder) Detect(context.Context, string) (*ports.DetectionResult, error) {
	return f.det, nil
}

func (f *fakeBuilder) GenerateDockerfile(det *ports.DetectionResult) (string, error) {
	return "FROM " + det.BaseImage + "\n", nil
}

func (f *fakeBuilder) Build(_ context.Context, _, imageTag, _ string, progress ports.ProgressFunc) (*types.BuildArtifact, error) {
	attempt := f.built
	f.built++
	for _, line := range f.lines {
		progress(line)
	}
	if attempt < len(f.buildErrs) && f.buildErrs[attempt] != nil {
		return nil, f.buildErrs[attempt]
	}
	return &types.BuildArtifact{ImageTag: imageTag, SizeBytes: 42, BuildDuration: time.Second}, nil
}

func TestBuildPhaseGeneratesDockerfile(t *testing.T) {
	gw, store := testGateway(t)
	fb := &fakeBuilder{det: &ports.DetectionResult{Language: "node", BaseImage: "node:22-alpine"}}
	sink := &captureSink{}
	p := NewBuildPhase(fb, gw, sink, instantClock{}, config.Default().Build)
	job := testJob()
	job.CommitSHA = testSHA
	worktree := t.TempDir()

	res := p.Run(context.Background(), job, worktree)
	require.False(t, res.Failed(), res.Detail)

	data, err := os.ReadFile(filepath.Join(worktree, "Dockerfile"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "node:22-alpine")
	_, err = os.Stat(filepath.Join(worktree, ".dockerignore"))
	assert.NoError(t, err)

	artifact, err := store.GetArtifact(testDep)
	require.NoError(t, err)
	assert.Equal(t, "acme-api:01234567", artifact.ImageTag)
	assert.Equal(t, types.DockerfileGenerated, artifact.DockerfileProvenance)
	assert.Equal(t, "node", artifact.DetectedLanguage)
}

func TestBuildPhaseKeepsRepositoryDockerfile(t *testing.T) {
	gw, store := testGateway(t)
	fb := &fakeBuilder{det: &ports.DetectionResult{Language: "go", HasDockerfile: true}}
	p := NewBuildPhase(fb, gw, &captureSink{}, instantClock{}, config.Default().Build)
	job := testJob()
	job.CommitSHA = testSHA

	res := p.Run(context.Background(), job, t.TempDir())
	require.False(t, res.Failed())

	artifact, err := store.GetArtifact(testDep)
	require.NoError(t, err)
	assert.Equal(t, types.DockerfileRepository, artifact.DockerfileProvenance)
}

func TestBuildPhaseRetriesBasePull(t *testing.T) {
	gw, _ := testGateway(t)
	fb := &fakeBuilder{
		det:       &ports.DetectionResult{Language: "go", HasDockerfile: true},
		buildErrs: []error{builder.ErrBasePull, builder.ErrBasePull, nil},
	}
	cfg := config.Default().Build // 2 retries
	p := NewBuildPhase(fb, gw, &captureSink{}, instantClock{}, cfg)
	job := testJob()
	job.CommitSHA = testSHA

	res := p.Run(context.Background(), job, t.TempDir())
	require.False(t, res.Failed(), res.Detail)
	assert.Equal(t, 3, fb.built)
}

func TestBuildPhaseExhaustsBasePullRetries(t *testing.T) {
	gw, _ := testGateway(t)
	fb := &fakeBuilder{
		det:       &ports.DetectionResult{Language: "go", HasDockerfile: true},
		buildErrs: []error{builder.ErrBasePull, builder.ErrBasePull, builder.ErrBasePull},
	}
	p := NewBuildPhase(fb, gw, &captureSink{}, instantClock{}, config.Default().Build)
	job := testJob()
	job.CommitSHA = testSHA

	res := p.Run(context.Background(), job, t.TempDir())
	require.True(t, res.Failed())
	assert.Equal(t, KindBuildError, res.Kind)
	assert.True(t, res.Retryable)
	assert.Equal(t, 3, fb.built)
}

func TestBuildPhaseLogRateCap(t *testing.T) {
	gw, _ := testGateway(t)
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = fmt.Sprintf("step %d", i)
	}
	fb := &fakeBuilder{
		det:   &ports.DetectionResult{Language: "go", HasDockerfile: true},
		lines: lines,
	}
	cfg := config.Default().Build
	cfg.LogLinesPerSec = 3
	sink := &captureSink{}
	p := NewBuildPhase(fb, gw, sink, instantClock{}, cfg)
	job := testJob()
	job.CommitSHA = testSHA

	res := p.Run(context.Background(), job, t.TempDir())
	require.False(t, res.Failed())
	// Three lines pass the cap, the remaining seven fold into one tail
	// summary.
	assert.Equal(t, 4, sink.count(types.EventLogLine))
}

// --- deploy phase ---

type fakeDeployer struct {
	result     *deploy.Result
	err        error
	called     bool
	rolledBack bool
}

func (f *fakeDeployer) Deploy(context.Context, *deploy.Request) (*deploy.Result, error) {
	f.called = true
	return f.result, f.err
}

func (f *fakeDeployer) Rollback(context.Context, *deploy.Request, string) {
	f.rolledBack = true
}

func TestDeployPhaseDispatch(t *testing.T) {
	rolling := &fakeDeployer{result: &deploy.Result{Kind: deploy.Succeeded}}
	canary := &fakeDeployer{result: &deploy.Result{Kind: deploy.Succeeded, StagesCompleted: 3}}
	p := NewDeployPhase(rolling, canary)

	job := testJob()
	job.Strategy = types.StrategyCanary
	res := p.Run(context.Background(), job, &deploy.Request{})
	require.False(t, res.Failed())
	assert.True(t, canary.called)
	assert.False(t, rolling.called)
}

func TestDeployPhaseResultMapping(t *testing.T) {
	tests := []struct {
		name string
		res  *deploy.Result
		kind string
	}{
		{"rolled back", &deploy.Result{Kind: deploy.FailedAndRolledBack, Reason: "window failed"}, KindRolledBack},
		{"no rollback", &deploy.Result{Kind: deploy.FailedNoRollback, Reason: "first deploy"}, KindDeployFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewDeployPhase(&fakeDeployer{result: tt.res}, &fakeDeployer{})
			res := p.Run(context.Background(), testJob(), &deploy.Request{})
			require.True(t, res.Failed())
			assert.Equal(t, tt.kind, res.Kind)
			assert.False(t, res.Retryable)
		})
	}
}

func TestDeployPhaseTimeoutIsRetryable(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	p := NewDeployPhase(&fakeDeployer{err: context.DeadlineExceeded}, &fakeDeployer{})

	res := p.Run(ctx, testJob(), &deploy.Request{})
	require.True(t, res.Failed())
	assert.Equal(t, KindTimeout, res.Kind)
	assert.True(t, res.Retryable)
}

func TestDeployPhaseRollbackDispatch(t *testing.T) {
	rolling := &fakeDeployer{}
	canary := &fakeDeployer{}
	p := NewDeployPhase(rolling, canary)

	job := testJob()
	job.Strategy = types.StrategyCanary
	p.Rollback(context.Background(), job, &deploy.Request{}, "verification failed")
	assert.True(t, canary.rolledBack)
	assert.False(t, rolling.rolledBack)
}

// --- runner ---

func TestRunnerBracketsExecution(t *testing.T) {
	gw, store := testGateway(t)
	sink := &captureSink{}
	r := NewRunner(gw, sink)

	res, err := r.Execute(testDep, types.PhaseSecurity, 1, func() *Result {
		return Ok(map[string]string{"hello": "world"})
	})
	require.NoError(t, err)
	assert.False(t, res.Failed())

	recs, err := store.ListPhases(testDep)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.PhaseSucceeded, recs[0].Status)
	assert.NotEmpty(t, recs[0].Payload)

	assert.Equal(t, 1, sink.count(types.EventPhaseStarted))
	assert.Equal(t, 1, sink.count(types.EventPhaseCompleted))
}

func TestRunnerPublishesFailure(t *testing.T) {
	gw, store := testGateway(t)
	sink := &captureSink{}
	r := NewRunner(gw, sink)

	res, err := r.Execute(testDep, types.PhaseBuild, 2, func() *Result {
		return Failed(KindBuildError, "compile exploded", false)
	})
	require.NoError(t, err)
	assert.True(t, res.Failed())

	recs, err := store.ListPhases(testDep)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.PhaseFailed, recs[0].Status)
	assert.Equal(t, 2, recs[0].Attempt)
	assert.Equal(t, "compile exploded", recs[0].Diagnostic)

	assert.Equal(t, 1, sink.count(types.EventPhaseFailed))
}
