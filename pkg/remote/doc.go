/*
Package remote executes deployment scripts on compute instances over
SSH.

Every command carries a caller-supplied command id. The script is
wrapped in a completion-marker guard on the target host, so a command
redelivered after a worker crash replays its recorded exit code rather
than running twice. A circuit breaker trips after repeated consecutive
failures and short-circuits further attempts while open.
*/
package remote
