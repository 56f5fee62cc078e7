package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/ports"
)

var fullSHARe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// GitCLI fetches sources with the system git binary. Repository names
// are owner/name pairs resolved against BaseURL (https://github.com by
// default).
type GitCLI struct {
	BaseURL string
	gitPath string
	logger  zerolog.Logger
}

// NewGitCLI creates a git adapter
func NewGitCLI() *GitCLI {
	return &GitCLI{
		BaseURL: "https://github.com",
		gitPath: "git",
		logger:  log.WithComponent("vcs"),
	}
}

func (g *GitCLI) remoteURL(repository string) string {
	return fmt.Sprintf("%s/%s.git", g.BaseURL, repository)
}

// Clone checks out ref into targetDir and returns the resolved commit
// SHA. targetDir must be empty.
func (g *GitCLI) Clone(ctx context.Context, repository, ref, targetDir string) (*ports.CloneResult, error) {
	entries, err := os.ReadDir(targetDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to inspect target dir: %w", err)
	}
	if len(entries) > 0 {
		return nil, fmt.Errorf("clone target %s: %w", targetDir, ports.ErrDirtyTarget)
	}

	cmd := exec.CommandContext(ctx, g.gitPath, "clone", "--quiet", "--depth", "50",
		g.remoteURL(repository), targetDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, g.classify(repository, string(out), err)
	}

	if ref != "" {
		cmd = exec.CommandContext(ctx, g.gitPath, "-C", targetDir, "checkout", "--quiet", ref)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, g.classify(repository, string(out), err)
		}
	}

	out, err := exec.CommandContext(ctx, g.gitPath, "-C", targetDir, "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		return nil, g.classify(repository, string(out), err)
	}
	sha := strings.TrimSpace(string(out))

	g.logger.Info().
		Str("repository", repository).
		Str("ref", ref).
		Str("sha", sha).
		Msg("cloned repository")
	return &ports.CloneResult{ResolvedSHA: sha, WorktreePath: targetDir}, nil
}

// ResolveSHA resolves ref to a full commit SHA without cloning. A
// 40-hex ref is returned unchanged.
func (g *GitCLI) ResolveSHA(ctx context.Context, repository, ref string) (string, error) {
	if fullSHARe.MatchString(ref) {
		return ref, nil
	}
	out, err := exec.CommandContext(ctx, g.gitPath, "ls-remote",
		g.remoteURL(repository), ref).CombinedOutput()
	if err != nil {
		return "", g.classify(repository, string(out), err)
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return "", fmt.Errorf("ref %q in %s: %w", ref, repository, ports.ErrNotFound)
	}
	fields := strings.Fields(strings.SplitN(line, "\n", 2)[0])
	if len(fields) == 0 || !fullSHARe.MatchString(fields[0]) {
		return "", fmt.Errorf("unparseable ls-remote output for %s", repository)
	}
	return fields[0], nil
}

// classify maps git stderr text onto the sentinel failure classes
func (g *GitCLI) classify(repository, output string, err error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "could not resolve host"),
		strings.Contains(lower, "unable to access"),
		strings.Contains(lower, "connection timed out"),
		strings.Contains(lower, "connection refused"):
		return fmt.Errorf("%s: %w: %s", repository, ports.ErrUnreachable, firstLine(output))
	case strings.Contains(lower, "authentication failed"),
		strings.Contains(lower, "could not read username"),
		strings.Contains(lower, "permission denied"):
		return fmt.Errorf("%s: %w", repository, ports.ErrAuthDenied)
	case strings.Contains(lower, "repository not found"),
		strings.Contains(lower, "does not exist"),
		strings.Contains(lower, "pathspec"),
		strings.Contains(lower, "unknown revision"),
		strings.Contains(lower, "couldn't find remote ref"):
		return fmt.Errorf("%s: %w: %s", repository, ports.ErrNotFound, firstLine(output))
	case strings.Contains(lower, "you appear to have cloned an empty repository"),
		strings.Contains(lower, "ambiguous argument 'head'"):
		return fmt.Errorf("%s: %w", repository, ports.ErrEmptyRepo)
	}
	return fmt.Errorf("git failed for %s: %w: %s", repository, err, firstLine(output))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
