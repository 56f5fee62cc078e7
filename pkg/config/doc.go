/*
Package config loads Caravel's YAML configuration.

A single file configures the queue, lock, phases, rollout health gating,
canary schedule, and event bus. Defaults match the documented values, so
an empty file is a valid production configuration:

	queue:
	  visibility_timeout: 10m
	  max_retries: 3
	lock:
	  ttl: 10m
	security:
	  policy: strict
	canary:
	  stages:
	    - {weight: 10, duration: 5m}
	    - {weight: 50, duration: 5m}
	    - {weight: 100, duration: 0}

Validate enforces the closed option sets (security policy, overflow
policy, canary weights) and clamps canary stage durations into
[60s, 30m]; effective values are logged at deploy start.
*/
package config
