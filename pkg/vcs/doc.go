/*
Package vcs fetches deployment sources with the system git binary.

Failures are classified onto the shared sentinel errors (unreachable,
auth denied, not found, empty repository) by matching git's stderr, so
the security phase can decide retryability without parsing git output
itself.
*/
package vcs
