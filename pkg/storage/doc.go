/*
Package storage implements the Store port on BoltDB.

One bucket per entity, JSON values, natural keys:

	deployments         deployment_id
	deployment_phases   deployment_id/phase/attempt
	security_decisions  deployment_id
	build_artifacts     deployment_id
	health_samples      sub-bucket per deployment, NextSequence keys
	events              sub-bucket per deployment, 8-byte big-endian seq

# Idempotence and immutability

Writes are idempotent by natural key: re-creating an existing
deployment, re-putting a decision or artifact, and re-appending an
existing event seq are all no-ops. A phase record may transition from
running to a final status exactly once; afterwards writes to its key are
ignored. A deployment record whose status is terminal can never be
updated again — UpdateDeployment fails with ErrTerminal, which is how
the store backs the terminal-immutability property end to end.
*/
package storage
