package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/audit"
	"github.com/caravelhq/caravel/pkg/events"
	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/queue"
	"github.com/caravelhq/caravel/pkg/storage"
	"github.com/caravelhq/caravel/pkg/types"
)

// Submission errors surfaced to callers
var (
	// ErrDuplicateTerminal means the supplied deployment id already
	// finished; a finished deployment is never re-run under the same id
	ErrDuplicateTerminal = errors.New("deployment already completed")

	// ErrUnknownEnvironment means no queue serves the job's environment
	ErrUnknownEnvironment = errors.New("unknown environment")
)

// Manager is the driver-facing front door: submission, record lookup,
// and live subscriptions. It owns no pipeline state; it validates,
// seals, and enqueues.
type Manager struct {
	store  ports.Store
	gw     *audit.Gateway
	bus    *events.Bus
	queues map[types.Environment]*queue.Queue
	logger zerolog.Logger
}

// New creates a manager over the per-environment queues
func New(store ports.Store, gw *audit.Gateway, bus *events.Bus, queues map[types.Environment]*queue.Queue) *Manager {
	return &Manager{
		store:  store,
		gw:     gw,
		bus:    bus,
		queues: queues,
		logger: log.WithComponent("manager"),
	}
}

// Submit validates and enqueues a job, returning the deployment id.
// Resubmitting an id that is still in flight returns that id unchanged;
// resubmitting a finished id is rejected.
func (m *Manager) Submit(ctx context.Context, job *types.DeploymentJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	if job.DeploymentID != "" {
		rec, err := m.store.GetDeployment(job.DeploymentID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("failed to check for duplicate: %w", err)
		}
		if rec != nil {
			if rec.Status.Terminal() {
				return "", fmt.Errorf("%w: %s is %s", ErrDuplicateTerminal, rec.DeploymentID, rec.Status)
			}
			m.logger.Info().
				Str("deployment_id", rec.DeploymentID).
				Str("status", string(rec.Status)).
				Msg("duplicate submission, returning in-flight id")
			return rec.DeploymentID, nil
		}
	}

	q, ok := m.queues[job.Environment]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEnvironment, job.Environment)
	}

	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now()
	}
	if job.TriggeredBy == "" {
		job.TriggeredBy = types.TriggerAPI
	}

	// Secrets are sealed before the job touches redis or the store.
	sealed, err := m.gw.SealJob(job)
	if err != nil {
		return "", err
	}

	id, err := q.Push(ctx, sealed)
	if err != nil {
		return "", err
	}

	m.logger.Info().
		Str("deployment_id", id).
		Str("repository", job.Repository).
		Str("environment", string(job.Environment)).
		Str("triggered_by", string(job.TriggeredBy)).
		Msg("deployment submitted")
	return id, nil
}

// Get returns the persisted record for a deployment
func (m *Manager) Get(deploymentID string) (*types.DeploymentRecord, error) {
	return m.store.GetDeployment(deploymentID)
}

// Decision returns the security decision for a deployment, if one was
// recorded
func (m *Manager) Decision(deploymentID string) (*types.SecurityDecision, error) {
	return m.store.GetDecision(deploymentID)
}

// Events returns the persisted event trail from fromSeq onward
func (m *Manager) Events(deploymentID string, fromSeq uint64) ([]*types.DeploymentEvent, error) {
	return m.store.ListEvents(deploymentID, fromSeq)
}

// Subscribe opens a live subscription for one deployment. The returned
// snapshot event carries the current record and the seq the live stream
// resumes at; events on the channel below snapshot.Snapshot.NextSeq are
// duplicates and should be skipped.
func (m *Manager) Subscribe(deploymentID string) (*events.Subscription, *types.DeploymentEvent, error) {
	// Subscribe before reading state so no event can fall in the gap.
	sub := m.bus.Subscribe(deploymentID)

	rec, err := m.store.GetDeployment(deploymentID)
	if err != nil {
		m.bus.Unsubscribe(sub)
		return nil, nil, err
	}

	snapshot := &types.DeploymentEvent{
		DeploymentID: deploymentID,
		Timestamp:    time.Now(),
		Type:         types.EventSnapshot,
		Snapshot: &types.SnapshotPayload{
			Record:  *rec,
			NextSeq: m.bus.CurrentSeq(deploymentID) + 1,
		},
	}
	return sub, snapshot, nil
}

// Unsubscribe closes a subscription opened by Subscribe
func (m *Manager) Unsubscribe(sub *events.Subscription) {
	m.bus.Unsubscribe(sub)
}
