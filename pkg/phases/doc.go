/*
Package phases holds the three pipeline executors and their shared
result contract.

An executor returns Ok(payload), Skipped(reason), or Failed(kind,
detail, retryable) — business failures are values, never errors. The
Runner brackets each invocation with its audit trail: a running phase
record on entry, the final record and the phase events on exit, plus a
health-sample flush.

Security clones and scans the source and applies policy; Build detects
the project shape, generates a Dockerfile when the repository has none,
and streams rate-capped build output; Deploy hands off to the rollout
strategy selected by the job.
*/
package phases
