package audit

import (
	"fmt"
	"sync"

	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/security"
	"github.com/caravelhq/caravel/pkg/types"
)

// Gateway is the append-only writer for the deployment audit trail.
// Every string that passes through is redacted first, and secret env
// values are encrypted before they ever reach the queue or the store.
type Gateway struct {
	store    ports.Store
	redactor *security.Redactor
	secrets  *security.SecretsManager

	mu            sync.Mutex
	pendingHealth map[string][]types.HealthSample
}

// NewGateway creates an audit gateway over the given store
func NewGateway(store ports.Store, redactor *security.Redactor, secrets *security.SecretsManager) *Gateway {
	return &Gateway{
		store:         store,
		redactor:      redactor,
		secrets:       secrets,
		pendingHealth: make(map[string][]types.HealthSample),
	}
}

// SealJob returns a copy of the job with secret env values encrypted.
// The plaintext values are registered with the redactor so they are
// scrubbed from any later output.
func (g *Gateway) SealJob(job *types.DeploymentJob) (*types.DeploymentJob, error) {
	for _, ev := range job.EnvVars {
		if ev.Secret {
			g.redactor.AddValue(ev.Value)
		}
	}
	sealed, err := g.secrets.SealEnvVars(job.EnvVars)
	if err != nil {
		return nil, fmt.Errorf("failed to seal job: %w", err)
	}
	cp := *job
	cp.EnvVars = sealed
	return &cp, nil
}

// OpenJob decrypts a sealed job for execution and registers the
// plaintext secret values with the redactor.
func (g *Gateway) OpenJob(job *types.DeploymentJob) (*types.DeploymentJob, error) {
	opened, err := g.secrets.OpenEnvVars(job.EnvVars)
	if err != nil {
		return nil, fmt.Errorf("failed to open job: %w", err)
	}
	for _, ev := range opened {
		if ev.Secret {
			g.redactor.AddValue(ev.Value)
		}
	}
	cp := *job
	cp.EnvVars = opened
	return &cp, nil
}

// Redact exposes the gateway's redaction filter
func (g *Gateway) Redact(s string) string {
	return g.redactor.Redact(s)
}

// WriteEvent redacts the event in place and appends it to the store.
// The bus calls this before fan-out, so subscribers only ever see the
// redacted form.
func (g *Gateway) WriteEvent(ev *types.DeploymentEvent) error {
	if ev.Log != nil {
		ev.Log.Line = g.redactor.Redact(ev.Log.Line)
	}
	if ev.Phase != nil {
		ev.Phase.Detail = g.redactor.Redact(ev.Phase.Detail)
	}
	if ev.Status != nil {
		ev.Status.Reason = g.redactor.Redact(ev.Status.Reason)
	}
	if ev.Health != nil {
		ev.Health.Error = g.redactor.Redact(ev.Health.Error)
	}
	if ev.Rollback != nil {
		ev.Rollback.Reason = g.redactor.Redact(ev.Rollback.Reason)
	}
	return g.store.AppendEvent(ev)
}

// WritePhase redacts and persists a phase record. Duplicate writes for
// the same (deployment, phase, attempt) after the record is final are
// no-ops at the store.
func (g *Gateway) WritePhase(rec *types.PhaseRecord) error {
	rec.Diagnostic = g.redactor.Redact(rec.Diagnostic)
	if len(rec.Payload) > 0 {
		rec.Payload = []byte(g.redactor.Redact(string(rec.Payload)))
	}
	return g.store.PutPhase(rec)
}

// WriteDecision redacts and persists the scan decision
func (g *Gateway) WriteDecision(d *types.SecurityDecision) error {
	d.Reasoning = g.redactor.Redact(d.Reasoning)
	return g.store.PutDecision(d)
}

// WriteArtifact persists the build artifact
func (g *Gateway) WriteArtifact(a *types.BuildArtifact) error {
	return g.store.PutArtifact(a)
}

// BufferHealthSample queues a probe sample for batched persistence
func (g *Gateway) BufferHealthSample(deploymentID string, s types.HealthSample) {
	s.Error = g.redactor.Redact(s.Error)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pendingHealth[deploymentID] = append(g.pendingHealth[deploymentID], s)
}

// FlushHealth writes the buffered samples for a deployment. Called on
// phase exit and always before a terminal status transition.
func (g *Gateway) FlushHealth(deploymentID string) error {
	g.mu.Lock()
	samples := g.pendingHealth[deploymentID]
	delete(g.pendingHealth, deploymentID)
	g.mu.Unlock()

	if len(samples) == 0 {
		return nil
	}
	if err := g.store.AppendHealthSamples(deploymentID, samples); err != nil {
		return fmt.Errorf("failed to flush health samples: %w", err)
	}
	return nil
}
