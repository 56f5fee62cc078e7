/*
Package health probes deployed containers and gates rollout promotion.

The prober issues plain HTTP GETs and classifies responses: [200, 400)
healthy, [400, 500) client error, 500+ server error. The window
evaluator turns a series of samples into a pass/fail verdict: at least
min_success healthy samples out of the window AND no run of
max_consecutive_failures failures. Monitor drives a complete window
(grace period, fixed interval, early exit once a failure streak makes
the verdict unrecoverable).
*/
package health
