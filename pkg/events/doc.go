/*
Package events provides the in-process event bus for pipeline events.

The bus fans DeploymentEvents out to subscribers (dashboards, log
streamers, status pollers) without ever persisting them itself; the
durable trail belongs to the audit gateway, which the bus calls
synchronously before any subscriber sees the event.

# Ordering

Each deployment id carries its own seq counter, assigned under the bus
lock at publish time. Within one deployment a subscriber observes events
in exactly seq order with no gaps, up to the end of the subscription or
an Overflow. Across deployments no ordering is implied.

# Overflow

Every subscriber owns a bounded buffer (default 1024). When it fills:

	drop_oldest  discard the oldest buffered event (default)
	disconnect   deliver a final Overflow event and close the channel

Publishers are never blocked by slow subscribers under either policy.
*/
package events
