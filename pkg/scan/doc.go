/*
Package scan wraps the trivy vulnerability scanner and the security
policy that judges its findings.

The scanner shells out to the trivy binary in JSON mode and reduces its
output to severity counts. A run that fails but still produces findings
is returned with Partial set so the phase can treat it as retryable.
Evaluate turns counts plus a policy (strict, balanced, permissive) into
an approve/warn/reject decision with a weighted risk score.
*/
package scan
