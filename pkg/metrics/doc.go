/*
Package metrics exposes Prometheus instrumentation for the pipeline.

All metrics are package-level variables registered at init, grouped by
subsystem (pipeline, queue, lock, health, events). Handler returns the
scrape endpoint handler mounted by the server command.
*/
package metrics
