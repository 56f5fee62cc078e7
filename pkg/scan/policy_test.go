package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/types"
)

func strictPolicy() ports.ScanPolicy {
	return ports.ScanPolicy{Name: "strict", MaxHigh: 5}
}

func TestRiskScore(t *testing.T) {
	tests := []struct {
		name   string
		report ports.ScanReport
		want   int
	}{
		{"clean", ports.ScanReport{}, 0},
		{"single critical", ports.ScanReport{Critical: 1}, 25},
		{"mixed", ports.ScanReport{Critical: 1, High: 2, Medium: 3, Low: 4}, 58},
		{"capped at 100", ports.ScanReport{Critical: 10}, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RiskScore(&tt.report))
		})
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		report ports.ScanReport
		policy ports.ScanPolicy
		want   types.Decision
	}{
		{"clean strict approves", ports.ScanReport{}, strictPolicy(), types.DecisionApprove},
		{"critical under strict rejects", ports.ScanReport{Critical: 1}, strictPolicy(), types.DecisionReject},
		{"critical under balanced warns", ports.ScanReport{Critical: 1, Medium: 5},
			ports.ScanPolicy{Name: "balanced", MaxHigh: 5}, types.DecisionWarn},
		{"four criticals under balanced rejects", ports.ScanReport{Critical: 4},
			ports.ScanPolicy{Name: "balanced", MaxHigh: 5}, types.DecisionReject},
		{"high over limit rejects everywhere", ports.ScanReport{High: 6},
			ports.ScanPolicy{Name: "permissive", MaxHigh: 5}, types.DecisionReject},
		{"high at limit stays", ports.ScanReport{High: 5}, strictPolicy(), types.DecisionWarn},
		{"low risk approves", ports.ScanReport{Medium: 2, Low: 3}, strictPolicy(), types.DecisionApprove},
		{"permissive never warns", ports.ScanReport{High: 5},
			ports.ScanPolicy{Name: "permissive", MaxHigh: 5}, types.DecisionApprove},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate("01HZX", &tt.report, tt.policy)
			assert.Equal(t, tt.want, d.Decision)
			assert.NotEmpty(t, d.Reasoning)
			assert.Equal(t, "01HZX", d.DeploymentID)
		})
	}
}

func TestTally(t *testing.T) {
	raw := []byte(`{
		"Results": [
			{"Target": "app", "Vulnerabilities": [
				{"VulnerabilityID": "CVE-1", "Severity": "CRITICAL"},
				{"VulnerabilityID": "CVE-2", "Severity": "HIGH"},
				{"VulnerabilityID": "CVE-3", "Severity": "high"},
				{"VulnerabilityID": "CVE-4", "Severity": "MEDIUM"},
				{"VulnerabilityID": "CVE-5", "Severity": "LOW"},
				{"VulnerabilityID": "CVE-6", "Severity": "UNKNOWN"}
			]},
			{"Target": "deps", "Vulnerabilities": []}
		]
	}`)
	report, err := tally(raw)
	assert.NoError(t, err)
	assert.Equal(t, 6, report.Total)
	assert.Equal(t, 1, report.Critical)
	assert.Equal(t, 2, report.High)
	assert.Equal(t, 1, report.Medium)
	assert.Equal(t, 1, report.Low)
}

func TestTallyRejectsGarbage(t *testing.T) {
	_, err := tally([]byte("not json"))
	assert.Error(t, err)
}
