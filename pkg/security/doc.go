/*
Package security handles secret protection for the pipeline.

Two concerns live here:

  - SecretsManager: AES-256-GCM encryption of env-var values marked
    secret, applied by the audit gateway before anything touches disk.
    The nonce is prepended to the ciphertext; keys are 32 bytes, usually
    derived from a passphrase with SHA-256.

  - Redactor: scrubs secret material from free-form strings (build
    output, diagnostics, event payloads) using a configurable regex set
    plus the literal values of every secret env var in flight.

No plaintext of a secret env var may ever appear in a persisted row or
published event; the audit gateway routes every string field through the
redactor to uphold that.
*/
package security
