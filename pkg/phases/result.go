package phases

import "github.com/caravelhq/caravel/pkg/types"

// Failure kinds carried on phase failures. Kinds are stable strings;
// the coordinator and subscribers branch on them.
const (
	KindSecurityRejected = "SecurityRejected"
	KindEmptyRepo        = "EmptyRepo"
	KindVCSError         = "VCSError"
	KindScannerError     = "ScannerError"
	KindBuildError       = "BuildError"
	KindTimeout          = "Timeout"
	KindRolledBack       = "RolledBack"
	KindDeployFailed     = "DeployFailed"
	KindDeployError      = "DeployError"
	KindCancelled        = "Cancelled"
	KindLockLost         = "LockLost"
	KindInternal         = "Internal"
)

// Result is the outcome of one executor invocation. Business failures
// travel here as values; an executor only panics on programmer error.
type Result struct {
	Status    types.PhaseStatus
	Payload   any    // marshaled into the phase record on success
	Kind      string // failure kind, stable
	Detail    string // human diagnostic, redacted before persistence
	Retryable bool
}

// Ok marks a successful phase with its payload
func Ok(payload any) *Result {
	return &Result{Status: types.PhaseSucceeded, Payload: payload}
}

// Skipped marks a phase that had nothing to do
func Skipped(reason string) *Result {
	return &Result{Status: types.PhaseSkipped, Detail: reason}
}

// Failed marks a business failure with a stable kind
func Failed(kind, detail string, retryable bool) *Result {
	return &Result{Status: types.PhaseFailed, Kind: kind, Detail: detail, Retryable: retryable}
}

// Failed reports whether the result is a failure
func (r *Result) Failed() bool { return r.Status == types.PhaseFailed }
