/*
Package log provides structured logging for Caravel built on zerolog.

All components log through a shared global logger configured once at
startup. Child loggers carry stable correlation fields so that every line
emitted during a deployment can be traced back to it:

	logger := log.WithComponent("coordinator")
	logger.Info().
		Str("deployment_id", id).
		Str("status", string(status)).
		Msg("Status changed")

# Output modes

JSON output is intended for production (one event per line, machine
parseable); console output is for local development.

Secret values never reach this package: callers must redact through
pkg/security before logging user-supplied material.
*/
package log
