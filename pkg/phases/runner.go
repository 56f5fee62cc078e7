package phases

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/audit"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/metrics"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/types"
)

// Runner brackets every executor invocation with its audit trail: a
// running phase record on entry, the final record, buffered health
// samples, and the phase events on exit.
type Runner struct {
	Audit *audit.Gateway
	Sink  ports.EventSink

	logger zerolog.Logger
}

// NewRunner creates the phase runner
func NewRunner(gw *audit.Gateway, sink ports.EventSink) *Runner {
	return &Runner{Audit: gw, Sink: sink, logger: log.WithComponent("phases")}
}

// Execute runs fn for one (deployment, phase, attempt) and records its
// outcome. The returned result is fn's, unchanged; the error covers
// audit-trail writes only.
func (r *Runner) Execute(deploymentID string, phase types.Phase, attempt int, fn func() *Result) (*Result, error) {
	started := time.Now()
	if err := r.Audit.WritePhase(&types.PhaseRecord{
		DeploymentID: deploymentID,
		Phase:        phase,
		Status:       types.PhaseRunning,
		StartedAt:    started,
		Attempt:      attempt,
	}); err != nil {
		return nil, fmt.Errorf("failed to open phase record: %w", err)
	}
	r.Sink.Publish(&types.DeploymentEvent{
		DeploymentID: deploymentID,
		Timestamp:    started,
		Type:         types.EventPhaseStarted,
		Phase:        &types.PhasePayload{Phase: phase, Attempt: attempt},
	})

	timer := metrics.NewTimer()
	res := fn()
	timer.ObservePhase(string(phase), string(res.Status))

	var payload []byte
	if res.Payload != nil {
		data, err := json.Marshal(res.Payload)
		if err != nil {
			r.logger.Error().Err(err).Str("phase", string(phase)).Msg("failed to marshal phase payload")
		} else {
			payload = data
		}
	}

	if err := r.Audit.FlushHealth(deploymentID); err != nil {
		r.logger.Error().Err(err).Str("deployment_id", deploymentID).Msg("failed to flush health samples")
	}
	if err := r.Audit.WritePhase(&types.PhaseRecord{
		DeploymentID: deploymentID,
		Phase:        phase,
		Status:       res.Status,
		StartedAt:    started,
		FinishedAt:   time.Now(),
		Attempt:      attempt,
		Diagnostic:   res.Detail,
		Payload:      payload,
	}); err != nil {
		return res, fmt.Errorf("failed to close phase record: %w", err)
	}

	ev := &types.DeploymentEvent{
		DeploymentID: deploymentID,
		Timestamp:    time.Now(),
		Phase: &types.PhasePayload{
			Phase:     phase,
			Attempt:   attempt,
			Detail:    res.Detail,
			Kind:      res.Kind,
			Retryable: res.Retryable,
		},
	}
	if res.Failed() {
		ev.Type = types.EventPhaseFailed
	} else {
		ev.Type = types.EventPhaseCompleted
	}
	r.Sink.Publish(ev)
	return res, nil
}
