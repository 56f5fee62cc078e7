/*
Package lock implements the per-instance distributed lock on redis.

One deployment at a time may touch a given instance. The lock is a
single key (caravel:lock:instance:<id>) created with SET NX PX; the
value is an opaque owner token (a ULID minted per acquisition attempt).
Renew and release run as Lua scripts that compare the stored owner
first, so a non-owner can never extend or delete someone else's lease.

# Guard

Hold acquires the lock and wraps it in a Guard: a background renewer
fires at ttl/3, and the Guard's context is cancelled with ErrLockLost
the moment a renewal fails — whether the backend is unreachable or the
key expired under a slow renewer, the holder must stop assuming
exclusion. Close always releases, on success, failure, and cancellation
alike.

Failure model: an unreachable backend during Acquire fails closed (the
job is requeued with backoff); during renew it is treated as a lost
lock.
*/
package lock
