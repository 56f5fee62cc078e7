package types

import "time"

// EventType tags a DeploymentEvent variant
type EventType string

const (
	EventPhaseStarted    EventType = "phase.started"
	EventPhaseProgress   EventType = "phase.progress"
	EventPhaseCompleted  EventType = "phase.completed"
	EventPhaseFailed     EventType = "phase.failed"
	EventHealthSampled   EventType = "health.sampled"
	EventRollbackStarted EventType = "rollback.started"
	EventStatusChanged   EventType = "status.changed"
	EventLogLine         EventType = "log.line"

	// EventSnapshot opens every subscription with the current state
	EventSnapshot EventType = "snapshot"

	// EventOverflow is the final event on a disconnected subscription
	EventOverflow EventType = "overflow"
)

// PhasePayload accompanies the phase.* events
type PhasePayload struct {
	Phase     Phase  `json:"phase"`
	Attempt   int    `json:"attempt"`
	Kind      string `json:"kind,omitempty"` // failure kind for phase.failed
	Detail    string `json:"detail,omitempty"`
	Percent   int    `json:"percent,omitempty"` // phase.progress only
	Retryable bool   `json:"retryable,omitempty"`
}

// StatusPayload accompanies status.changed
type StatusPayload struct {
	From   DeploymentStatus `json:"from,omitempty"`
	To     DeploymentStatus `json:"to"`
	Reason string           `json:"reason,omitempty"`
	Kind   string           `json:"kind,omitempty"` // last phase's failure kind on terminal failures
}

// LogPayload accompanies log.line
type LogPayload struct {
	Phase Phase  `json:"phase"`
	Line  string `json:"line"`
}

// SnapshotPayload carries the current record at subscription start
type SnapshotPayload struct {
	Record  DeploymentRecord `json:"record"`
	NextSeq uint64           `json:"next_seq"`
}

// DeploymentEvent is the tagged union published on the event bus.
// Seq is strictly increasing and gap free within one deployment;
// subscribers may rely on that ordering.
type DeploymentEvent struct {
	DeploymentID string           `json:"deployment_id"`
	Seq          uint64           `json:"seq"`
	Timestamp    time.Time        `json:"timestamp"`
	Type         EventType        `json:"type"`
	Phase        *PhasePayload    `json:"phase,omitempty"`
	Health       *HealthSample    `json:"health,omitempty"`
	Status       *StatusPayload   `json:"status,omitempty"`
	Log          *LogPayload      `json:"log,omitempty"`
	Snapshot     *SnapshotPayload `json:"snapshot,omitempty"`
	Rollback     *RollbackPayload `json:"rollback,omitempty"`
}

// RollbackPayload accompanies rollback.started
type RollbackPayload struct {
	Reason           string `json:"reason"`
	PreviousImageTag string `json:"previous_image_tag,omitempty"`
}
