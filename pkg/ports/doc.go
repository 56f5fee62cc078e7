/*
Package ports declares the narrow capability interfaces the pipeline
core depends on.

Every port is synchronous from the caller's perspective; concurrency is
owned by the core. Implementations live in their own packages (pkg/vcs,
pkg/scan, pkg/builder, pkg/remote, pkg/health, pkg/storage) and tests
swap them wholesale with fakes.

	VCS              clone and resolve source revisions
	ImageScanner     filesystem and image vulnerability scans
	ContainerBuilder detect, generate Dockerfile, build with progress
	RemoteExecutor   idempotent script execution on an instance
	HealthProber     single HTTP probe
	Clock            injectable time
	EventSink        non-blocking event publication
	Store            audit-trail persistence with natural-key idempotence
*/
package ports
