/*
Package audit is the append-only gateway between the pipeline and the
store.

The gateway owns three responsibilities the raw store does not:

  - Redaction: every string field (diagnostics, log lines, reasons,
    probe errors) passes a regex filter plus the literal values of all
    secret env vars before being written or published.
  - Secret sealing: env vars marked secret are AES-256-GCM encrypted
    when a job is accepted and decrypted only inside the worker.
  - Batching: health samples buffer per deployment and flush on phase
    exit and before any terminal status transition.

The event bus uses the gateway as its EventWriter, so the durable event
row exists before any subscriber observes the event, already redacted.
*/
package audit
