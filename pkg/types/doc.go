/*
Package types defines Caravel's core data model.

Every entity is value typed and carries an explicit identity. The central
identity is the deployment id (a ULID): once minted — by the driver or by
the queue at enqueue time — every downstream record, event, and lock
references that single id for the job's whole lifetime, retries included.

# Entities

	DeploymentJob     submitted unit of work
	DeploymentRecord  persisted deployment state (coordinator is sole writer)
	PhaseRecord       one executor invocation (security, build, deploy)
	SecurityDecision  scan counts, risk score, approve/warn/reject
	BuildArtifact     image tag, digest, detection results
	HealthSample      one probe result
	DeploymentEvent   tagged union streamed to observers, ordered by Seq
	QueueEntry        job envelope while queued
	Lock              held per-instance lock

# Statuses

A deployment moves pending → scanning → building → deploying → verifying
and lands on exactly one terminal status: deployed, rejected, failed,
rolled_back, or cancelled. Terminal records are immutable; the store
enforces write-once.

Validation lives next to the types: jobs are validated with
go-playground/validator at submission, image tags against the grammar
[a-z0-9._-]+ with at most one colon and 128 characters total.
*/
package types
