package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/ports"
)

// TrivyScanner runs the trivy binary and tallies findings by severity.
// Results are deterministic for a fixed vulnerability DB snapshot.
type TrivyScanner struct {
	trivyPath string
	logger    zerolog.Logger
}

// NewTrivyScanner creates a trivy adapter
func NewTrivyScanner() *TrivyScanner {
	return &TrivyScanner{
		trivyPath: "trivy",
		logger:    log.WithComponent("scanner"),
	}
}

// trivyResult is the subset of trivy's JSON output we consume
type trivyResult struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID string `json:"VulnerabilityID"`
			Severity        string `json:"Severity"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// ScanFilesystem scans a source worktree
func (s *TrivyScanner) ScanFilesystem(ctx context.Context, path string, policy ports.ScanPolicy, timeout time.Duration) (*ports.ScanReport, error) {
	args := []string{"fs", "--format", "json", "--quiet", "--no-progress"}
	for _, dir := range policy.SkipDirs {
		args = append(args, "--skip-dirs", dir)
	}
	args = append(args, path)
	return s.run(ctx, args, timeout)
}

// ScanImage scans a built image by reference
func (s *TrivyScanner) ScanImage(ctx context.Context, ref string, policy ports.ScanPolicy, timeout time.Duration) (*ports.ScanReport, error) {
	args := []string{"image", "--format", "json", "--quiet", "--no-progress", ref}
	return s.run(ctx, args, timeout)
}

func (s *TrivyScanner) run(ctx context.Context, args []string, timeout time.Duration) (*ports.ScanReport, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.trivyPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	s.logger.Debug().
		Strs("args", args).
		Dur("duration", time.Since(start)).
		Msg("trivy finished")

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("scan timed out after %s", timeout)
	}

	report, parseErr := tally(stdout.Bytes())
	if runErr != nil {
		if parseErr == nil && report.Total >= 0 && stdout.Len() > 0 {
			// Trivy failed but still emitted findings; hand back what we
			// have marked partial so the caller can retry.
			report.Partial = true
			return report, nil
		}
		return nil, fmt.Errorf("trivy failed: %w: %s", runErr, firstLine(stderr.String()))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse trivy output: %w", parseErr)
	}
	return report, nil
}

// tally reduces trivy JSON to severity counts
func tally(data []byte) (*ports.ScanReport, error) {
	var result trivyResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	report := &ports.ScanReport{}
	for _, res := range result.Results {
		for _, v := range res.Vulnerabilities {
			report.Total++
			switch strings.ToUpper(v.Severity) {
			case "CRITICAL":
				report.Critical++
			case "HIGH":
				report.High++
			case "MEDIUM":
				report.Medium++
			case "LOW":
				report.Low++
			}
		}
	}
	return report, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
