/*
Package queue implements the redis-backed deployment queue.

Each environment owns an independent set of keys:

	caravel:queue:<env>:pending:<band>   FIFO list per priority band
	caravel:queue:<env>:processing      entries claimed by workers
	caravel:queue:<env>:deadlines       envelope id -> visibility deadline
	caravel:queue:<env>:delayed         zset of backoff-parked entries
	caravel:queue:<env>:dead            entries past max_retries

Delivery is at-least-once: Pop atomically moves an entry from a pending
list to the processing list (LMOVE), and the sweeper returns any claimed
entry whose visibility deadline has passed. A worker that crashes
mid-deployment therefore loses nothing; the idempotence of downstream
records absorbs the occasional duplicate delivery.

Push mints the deployment id when the job arrives without one, so the
id exists before the entry is ever serialized.
*/
package queue
