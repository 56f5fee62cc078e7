package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/types"
)

// Request carries everything a strategy needs for one rollout
type Request struct {
	DeploymentID     string
	InstanceID       string
	Environment      types.Environment
	ImageTag         string
	PreviousImageTag string // empty on first deployment to this instance
	Port             int
	HealthPath       string
	EnvVars          []types.EnvVar
	Attempt          int

	// BeforePromote runs after the candidate is healthy and before the
	// old container is touched. The coordinator uses it to persist the
	// previous image tag while it is still recoverable.
	BeforePromote func(ctx context.Context) error
}

// ResultKind classifies a rollout outcome
type ResultKind string

const (
	Succeeded           ResultKind = "succeeded"
	FailedAndRolledBack ResultKind = "failed_and_rolled_back"
	// FailedNoRollback only occurs when no previous deployment exists
	FailedNoRollback ResultKind = "failed_no_rollback"
)

// Result is a strategy's verdict
type Result struct {
	Kind            ResultKind
	ContainerID     string
	Elapsed         time.Duration
	Reason          string
	StagesCompleted int // canary only
}

// Deployer executes one rollout strategy
type Deployer interface {
	Deploy(ctx context.Context, req *Request) (*Result, error)

	// Rollback restores the previous deployment after a completed
	// rollout, announcing it via a rollback event first. Used when
	// post-deploy verification fails on an already-promoted container.
	Rollback(ctx context.Context, req *Request, reason string)
}

// HealthRecorder receives probe samples for batched persistence
type HealthRecorder interface {
	BufferHealthSample(deploymentID string, s types.HealthSample)
}

// Deps bundles the collaborators shared by both strategies
type Deps struct {
	Exec   ports.RemoteExecutor
	Prober ports.HealthProber
	Clock  ports.Clock
	Sink   ports.EventSink
	Health HealthRecorder
	Config config.DeployConfig
	Canary config.CanaryConfig

	// BaseURL builds the probe endpoint; overridable in tests
	BaseURL func(instanceID string, port int, path string) string
}

// DefaultBaseURL probes the instance by hostname
func DefaultBaseURL(instanceID string, port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", instanceID, port, path)
}

func (d *Deps) baseURL(instanceID string, port int, path string) string {
	if d.BaseURL != nil {
		return d.BaseURL(instanceID, port, path)
	}
	return DefaultBaseURL(instanceID, port, path)
}

// progress publishes one rollout sub-state transition
func (d *Deps) progress(deploymentID string, attempt int, detail string) {
	d.Sink.Publish(&types.DeploymentEvent{
		DeploymentID: deploymentID,
		Timestamp:    d.Clock.Now(),
		Type:         types.EventPhaseProgress,
		Phase: &types.PhasePayload{
			Phase:   types.PhaseDeploy,
			Attempt: attempt,
			Detail:  detail,
		},
	})
}

// sample publishes and buffers one probe result
func (d *Deps) sample(deploymentID string, s types.HealthSample) {
	sc := s
	d.Sink.Publish(&types.DeploymentEvent{
		DeploymentID: deploymentID,
		Timestamp:    s.Timestamp,
		Type:         types.EventHealthSampled,
		Health:       &sc,
	})
	if d.Health != nil {
		d.Health.BufferHealthSample(deploymentID, s)
	}
}

// rollbackStarted announces remediation before any of it runs
func (d *Deps) rollbackStarted(deploymentID, reason, previousTag string) {
	d.Sink.Publish(&types.DeploymentEvent{
		DeploymentID: deploymentID,
		Timestamp:    d.Clock.Now(),
		Type:         types.EventRollbackStarted,
		Rollback: &types.RollbackPayload{
			Reason:           reason,
			PreviousImageTag: previousTag,
		},
	})
}

// preSwitchCheck is a single probe with bounded retries used before a
// confirmation window: 3 tries, 2 s timeout each, any success passes.
func (d *Deps) preSwitchCheck(ctx context.Context, deploymentID, url string) bool {
	for i := 0; i < 3; i++ {
		if i > 0 {
			if err := d.Clock.Sleep(ctx, 2*time.Second); err != nil {
				return false
			}
		}
		s := d.Prober.Probe(ctx, url, 2*time.Second)
		s.Attempt = i + 1
		d.sample(deploymentID, s)
		if s.Healthy {
			return true
		}
	}
	return false
}

// commandID formats the idempotency key for one remote step
func commandID(deploymentID, step string, attempt int) string {
	return fmt.Sprintf("dep-%s-%s-%d", deploymentID, step, attempt)
}
