package types

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Environment is the deployment target tier
type Environment string

const (
	EnvProduction Environment = "production"
	EnvStaging    Environment = "staging"
	EnvPreview    Environment = "preview"
)

// Environments lists every recognized environment
var Environments = []Environment{EnvProduction, EnvStaging, EnvPreview}

// Strategy defines how the new container replaces the old one
type Strategy string

const (
	StrategyRolling Strategy = "rolling"
	StrategyCanary  Strategy = "canary"
)

// Trigger records what submitted the job
type Trigger string

const (
	TriggerCLI     Trigger = "cli"
	TriggerWebhook Trigger = "webhook"
	TriggerAPI     Trigger = "api"
	TriggerRetry   Trigger = "retry"
)

// DeploymentStatus is the coordinator-level state of a deployment
type DeploymentStatus string

const (
	StatusPending    DeploymentStatus = "pending"
	StatusScanning   DeploymentStatus = "scanning"
	StatusBuilding   DeploymentStatus = "building"
	StatusDeploying  DeploymentStatus = "deploying"
	StatusVerifying  DeploymentStatus = "verifying"
	StatusDeployed   DeploymentStatus = "deployed"
	StatusRejected   DeploymentStatus = "rejected"
	StatusFailed     DeploymentStatus = "failed"
	StatusRolledBack DeploymentStatus = "rolled_back"
	StatusCancelled  DeploymentStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
// Terminal records are immutable: the store rejects writes after one.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusDeployed, StatusRejected, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// Phase identifies a pipeline phase
type Phase string

const (
	PhaseSecurity Phase = "security"
	PhaseBuild    Phase = "build"
	PhaseDeploy   Phase = "deploy"
)

// PhaseStatus is the state of a single executor invocation
type PhaseStatus string

const (
	PhaseRunning   PhaseStatus = "running"
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// EnvVar is a single environment variable passed to the container.
// Values marked Secret are encrypted at rest and redacted from every
// event and log line.
type EnvVar struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret bool   `json:"secret,omitempty"`
}

// DeploymentJob is the submitted unit of work. DeploymentID is stable
// for the job's entire lifetime including retries.
type DeploymentJob struct {
	JobID        string      `json:"job_id"`
	DeploymentID string      `json:"deployment_id"`
	Repository   string      `json:"repository"` // owner/name
	Ref          string      `json:"ref"`
	CommitSHA    string      `json:"commit_sha,omitempty"` // resolved in the security phase when absent
	InstanceID   string      `json:"instance_id"`
	Environment  Environment `json:"environment"`
	Strategy     Strategy    `json:"strategy"`
	Port         int         `json:"port"`
	HealthPath   string      `json:"health_path"`
	EnvVars      []EnvVar    `json:"env_vars,omitempty"`
	Priority     int         `json:"priority"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	TriggeredBy  Trigger     `json:"triggered_by"`
	RetryCount   int         `json:"retry_count"`
}

// DeploymentRecord is the persisted view of a deployment. The workflow
// coordinator is its sole writer.
type DeploymentRecord struct {
	DeploymentID     string                   `json:"deployment_id"`
	JobID            string                   `json:"job_id"`
	Repository       string                   `json:"repository"`
	InstanceID       string                   `json:"instance_id"`
	Environment      Environment              `json:"environment"`
	Strategy         Strategy                 `json:"strategy"`
	Status           DeploymentStatus         `json:"status"`
	PreviousImageTag string                   `json:"previous_image_tag,omitempty"`
	CurrentImageTag  string                   `json:"current_image_tag,omitempty"`
	StartedAt        time.Time                `json:"started_at"`
	CompletedAt      time.Time                `json:"completed_at,omitempty"`
	PhaseDurations   map[Phase]time.Duration  `json:"phase_durations,omitempty"`
	FailureReason    string                   `json:"failure_reason,omitempty"`
	RollbackReason   string                   `json:"rollback_reason,omitempty"`
}

// PhaseRecord captures one executor invocation
type PhaseRecord struct {
	DeploymentID string      `json:"deployment_id"`
	Phase        Phase       `json:"phase"`
	Status       PhaseStatus `json:"status"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at,omitempty"`
	Attempt      int         `json:"attempt"`
	Diagnostic   string      `json:"diagnostic,omitempty"`
	Payload      []byte      `json:"payload,omitempty"` // JSON: scan summary, image digest, health series
}

// Decision is the outcome of security policy evaluation
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionWarn    Decision = "warn"
	DecisionReject  Decision = "reject"
)

// SecurityDecision summarizes a vulnerability scan against policy
type SecurityDecision struct {
	DeploymentID string    `json:"deployment_id"`
	Total        int       `json:"total"`
	Critical     int       `json:"critical"`
	High         int       `json:"high"`
	Medium       int       `json:"medium"`
	Low          int       `json:"low"`
	RiskScore    int       `json:"risk_score"` // 0-100
	Decision     Decision  `json:"decision"`
	Reasoning    string    `json:"reasoning"`
	ScannedAt    time.Time `json:"scanned_at"`
}

// DockerfileProvenance records where the Dockerfile came from
type DockerfileProvenance string

const (
	DockerfileRepository DockerfileProvenance = "repository"
	DockerfileGenerated  DockerfileProvenance = "generated"
)

// BuildArtifact describes a successfully built image
type BuildArtifact struct {
	DeploymentID         string               `json:"deployment_id"`
	ImageTag             string               `json:"image_tag"`
	ImageDigest          string               `json:"image_digest,omitempty"`
	SizeBytes            int64                `json:"size_bytes"`
	BaseImage            string               `json:"base_image,omitempty"`
	DetectedLanguage     string               `json:"detected_language,omitempty"`
	DetectedFramework    string               `json:"detected_framework,omitempty"`
	DockerfileProvenance DockerfileProvenance `json:"dockerfile_provenance"`
	Layers               int                  `json:"layers,omitempty"`
	BuildDuration        time.Duration        `json:"build_duration"`
}

// HealthSample is one probe result. Latency is measured end to end
// including DNS resolution.
type HealthSample struct {
	Timestamp  time.Time     `json:"timestamp"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency_ms"`
	Healthy    bool          `json:"healthy"`
	Error      string        `json:"error,omitempty"`
}

// Lock describes a held per-instance lock
type Lock struct {
	ResourceKey string        `json:"resource_key"` // instance:<instance_id>
	OwnerID     string        `json:"owner_id"`
	AcquiredAt  time.Time     `json:"acquired_at"`
	TTL         time.Duration `json:"ttl"`
	LeaseEpoch  int64         `json:"lease_epoch"`
}

// QueueEntry wraps a job while it sits in the queue
type QueueEntry struct {
	EnvelopeID      string        `json:"envelope_id"`
	Job             DeploymentJob `json:"job_payload"`
	EnqueuedAt      time.Time     `json:"enqueued_at"`
	ProcessingOwner string        `json:"processing_owner,omitempty"`
	VisibleAfter    time.Time     `json:"visible_after,omitempty"`
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewULID mints a ULID from crypto-grade entropy, strictly increasing
// within this process. Used for deployment ids, job ids, and lock owner
// tokens.
func NewULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
