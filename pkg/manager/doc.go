/*
Package manager is the submission front door.

Submit validates a job, seals its secret env values, and pushes it
onto the environment's queue; duplicate ids return the in-flight
deployment instead of forking a second one. Subscribe opens a live
event stream preceded by a snapshot of the current record, so a late
watcher starts from consistent state. IngestWebhook maps push
notifications onto configured repository targets.
*/
package manager
