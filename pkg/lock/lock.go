package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caravelhq/caravel/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "caravel:lock:"

// ErrNotAcquired is returned when the resource is already held
var ErrNotAcquired = errors.New("lock not acquired")

// renewScript refreshes the TTL only when the caller still owns the key
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only when the caller owns it
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// InstanceResource builds the canonical per-instance resource key
func InstanceResource(instanceID string) string {
	return "instance:" + instanceID
}

// Locker provides per-resource mutual exclusion backed by redis.
// Ownership is proven by an opaque owner token; renew and release are
// atomic compare-owner operations that never touch another owner's key.
type Locker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLocker creates a locker on the given redis client
func NewLocker(client *redis.Client) *Locker {
	return &Locker{
		client: client,
		logger: log.WithComponent("lock"),
	}
}

// Acquire atomically creates the lock key with a TTL. Returns true iff
// the key was created. A backend error fails closed: the caller must
// treat the lock as not held.
func (l *Locker) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+resource, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", resource, err)
	}
	return ok, nil
}

// Renew refreshes the TTL iff owner still holds the lock. A non-owner
// call returns false and alters nothing.
func (l *Locker) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client, []string{keyPrefix + resource}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew lock %s: %w", resource, err)
	}
	return n == 1, nil
}

// Release deletes the lock iff owner holds it. Non-owner calls are
// no-ops.
func (l *Locker) Release(ctx context.Context, resource, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + resource}, owner).Int()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", resource, err)
	}
	return n == 1, nil
}

// Guard scopes a held lock to a block of work. It renews in the
// background and cancels its context when the lock is lost, and always
// releases on Close.
type Guard struct {
	locker   *Locker
	resource string
	owner    string
	ttl      time.Duration

	ctx    context.Context
	cancel context.CancelCauseFunc
	stopCh chan struct{}
	doneCh chan struct{}
}

// ErrLockLost is the cancellation cause when a renewal fails
var ErrLockLost = errors.New("lock lost")

// Hold acquires the lock and returns a Guard whose context is cancelled
// if the lock cannot be renewed. interval is typically ttl/3.
func (l *Locker) Hold(ctx context.Context, resource, owner string, ttl, interval time.Duration) (*Guard, error) {
	ok, err := l.Acquire(ctx, resource, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	gctx, cancel := context.WithCancelCause(ctx)
	g := &Guard{
		locker:   l,
		resource: resource,
		owner:    owner,
		ttl:      ttl,
		ctx:      gctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go g.renewLoop(interval)
	return g, nil
}

// Context is cancelled when the guard's lock is lost or the parent
// context ends
func (g *Guard) Context() context.Context { return g.ctx }

// Close stops the renewer and releases the lock. Safe to call exactly
// once; it runs on success, failure, and cancellation alike.
func (g *Guard) Close() {
	close(g.stopCh)
	<-g.doneCh
	g.cancel(nil)

	// Release with a fresh context: the guard context may already be
	// cancelled and the lock must still be freed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := g.locker.Release(ctx, g.resource, g.owner); err != nil {
		g.locker.logger.Warn().Err(err).Str("resource", g.resource).Msg("failed to release lock")
	}
}

func (g *Guard) renewLoop(interval time.Duration) {
	defer close(g.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ok, err := g.locker.Renew(g.ctx, g.resource, g.owner, g.ttl)
			if err != nil || !ok {
				// Backend unreachable or ownership gone: either way the
				// holder can no longer assume exclusion.
				g.locker.logger.Error().Err(err).
					Str("resource", g.resource).
					Bool("owned", ok).
					Msg("lock renewal failed, cancelling work")
				g.cancel(ErrLockLost)
				return
			}
		case <-g.stopCh:
			return
		case <-g.ctx.Done():
			return
		}
	}
}
