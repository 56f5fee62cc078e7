/*
Package worker consumes the deployment queue.

A Pool runs a fixed number of workers against one environment's queue.
Each delivery is processed under the target instance's distributed
lock: the pipeline runs on the lock guard's context, so losing the
lock cancels the deployment mid-flight. Lock contention parks the job
with backoff instead of blocking a worker.

Deliveries are settled strictly after the pipeline returns: acked when
the outcome is final, nacked (requeue with backoff, dead-letter past
the retry cap) otherwise.
*/
package worker
