/*
Package deploy implements the rollout strategies.

Both strategies share one shape: pull the image, start the candidate on
the side port (port+1), gate on health, hand over the primary port, and
gate again. Rolling switches in one step; canary first walks a set of
weighted traffic stages through the instance's reverse proxy, aborting
when the stage error rate exceeds the threshold.

A strategy returns one of three outcomes: Succeeded, FailedAndRolledBack
(the previous image is live again), or FailedNoRollback (first
deployment to the instance, candidate removed). Remediation always runs
on a context detached from cancellation; an operator cancelling a
deployment must not strand a half-switched instance.

Every remote step carries a deterministic command id
(dep-<deployment>-<step>-<attempt>) so redelivered work is idempotent on
the target host.
*/
package deploy
