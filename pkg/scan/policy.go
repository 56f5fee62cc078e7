package scan

import (
	"fmt"
	"time"

	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/types"
)

// Severity weights for the risk score
const (
	weightCritical = 25
	weightHigh     = 10
	weightMedium   = 3
	weightLow      = 1
)

// RiskScore folds severity counts into a 0-100 score
func RiskScore(r *ports.ScanReport) int {
	score := r.Critical*weightCritical + r.High*weightHigh + r.Medium*weightMedium + r.Low*weightLow
	if score > 100 {
		return 100
	}
	return score
}

// Evaluate applies the named policy to a scan report.
//
// Rejection rules: any critical finding under strict, more than three
// criticals under balanced, and more than max_high highs under every
// policy. Anything not rejected is approved below the warn threshold
// (risk score 40) and warned at or above it; permissive never warns.
func Evaluate(deploymentID string, r *ports.ScanReport, policy ports.ScanPolicy) *types.SecurityDecision {
	d := &types.SecurityDecision{
		DeploymentID: deploymentID,
		Total:        r.Total,
		Critical:     r.Critical,
		High:         r.High,
		Medium:       r.Medium,
		Low:          r.Low,
		RiskScore:    RiskScore(r),
		ScannedAt:    time.Now(),
	}

	switch {
	case policy.Name == "strict" && r.Critical > 0:
		d.Decision = types.DecisionReject
		d.Reasoning = fmt.Sprintf("%d critical vulnerabilities under strict policy", r.Critical)
	case policy.Name == "balanced" && r.Critical > 3:
		d.Decision = types.DecisionReject
		d.Reasoning = fmt.Sprintf("%d critical vulnerabilities exceed balanced limit of 3", r.Critical)
	case r.High > policy.MaxHigh:
		d.Decision = types.DecisionReject
		d.Reasoning = fmt.Sprintf("%d high vulnerabilities exceed limit of %d", r.High, policy.MaxHigh)
	case policy.Name != "permissive" && d.RiskScore >= 40:
		d.Decision = types.DecisionWarn
		d.Reasoning = fmt.Sprintf("risk score %d above warn threshold", d.RiskScore)
	default:
		d.Decision = types.DecisionApprove
		d.Reasoning = fmt.Sprintf("risk score %d within policy %s", d.RiskScore, policy.Name)
	}
	return d
}
