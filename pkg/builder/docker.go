package builder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/ports"
	"github.com/caravelhq/caravel/pkg/types"
)

// ErrBasePull marks a failure while fetching the base image. These are
// transient network conditions and the phase retries them.
var ErrBasePull = errors.New("base image fetch failed")

// DockerBuilder builds images with the system docker binary
type DockerBuilder struct {
	DefaultPort int
	dockerPath  string
	logger      zerolog.Logger
}

// NewDockerBuilder creates a docker adapter
func NewDockerBuilder() *DockerBuilder {
	return &DockerBuilder{
		DefaultPort: 8080,
		dockerPath:  "docker",
		logger:      log.WithComponent("builder"),
	}
}

// Build runs docker build and streams every output line to progress.
// dockerfile is the Dockerfile path; empty means <contextDir>/Dockerfile.
func (b *DockerBuilder) Build(ctx context.Context, contextDir, imageTag, dockerfile string, progress ports.ProgressFunc) (*types.BuildArtifact, error) {
	args := []string{"build", "--progress", "plain", "-t", imageTag}
	if dockerfile != "" {
		args = append(args, "-f", dockerfile)
	}
	args = append(args, contextDir)

	cmd := exec.CommandContext(ctx, b.dockerPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open build output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start docker build: %w", err)
	}

	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if progress != nil {
			progress(line)
		}
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
	}

	if err := cmd.Wait(); err != nil {
		detail := strings.Join(tail, "\n")
		if isBasePullFailure(detail) {
			return nil, fmt.Errorf("%w: %s", ErrBasePull, lastLine(detail))
		}
		return nil, fmt.Errorf("docker build failed: %w: %s", err, lastLine(detail))
	}

	artifact := &types.BuildArtifact{
		ImageTag:      imageTag,
		BuildDuration: time.Since(start),
	}
	if err := b.inspect(ctx, imageTag, artifact); err != nil {
		// The image exists; inspection detail is best effort.
		b.logger.Warn().Err(err).Str("image", imageTag).Msg("failed to inspect built image")
	}

	b.logger.Info().
		Str("image", imageTag).
		Dur("duration", artifact.BuildDuration).
		Int64("size_bytes", artifact.SizeBytes).
		Msg("image built")
	return artifact, nil
}

func (b *DockerBuilder) inspect(ctx context.Context, imageTag string, artifact *types.BuildArtifact) error {
	out, err := exec.CommandContext(ctx, b.dockerPath, "image", "inspect",
		"--format", "{{.Id}} {{.Size}} {{len .RootFS.Layers}}", imageTag).Output()
	if err != nil {
		return fmt.Errorf("docker inspect failed: %w", err)
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) != 3 {
		return fmt.Errorf("unparseable inspect output %q", string(out))
	}
	artifact.ImageDigest = fields[0]
	artifact.SizeBytes, _ = strconv.ParseInt(fields[1], 10, 64)
	artifact.Layers, _ = strconv.Atoi(fields[2])
	return nil
}

// isBasePullFailure matches the docker error text produced when the
// base image cannot be fetched
func isBasePullFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"failed to resolve source metadata",
		"pull access denied",
		"no such host",
		"tls handshake timeout",
		"failed to fetch",
		"i/o timeout",
		"connection refused",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
