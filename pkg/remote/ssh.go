package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/caravelhq/caravel/pkg/log"
	"github.com/caravelhq/caravel/pkg/ports"
)

// markerDir holds per-command completion markers on the target host.
// A script wrapped by Run executes at most once per command id; a rerun
// with the same id replays the recorded exit code.
const markerDir = "/var/lib/caravel/commands"

// Resolver maps an instance id to an SSH address (host:port)
type Resolver func(instanceID string) (string, error)

// DefaultResolver treats the instance id as a resolvable hostname
func DefaultResolver(instanceID string) (string, error) {
	return net.JoinHostPort(instanceID, "22"), nil
}

// SSHExecutor runs deployment scripts on compute instances over SSH.
// A circuit breaker guards against hammering an unreachable host.
type SSHExecutor struct {
	User    string
	Resolve Resolver

	signer  ssh.Signer
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewSSHExecutor creates an executor authenticating with the private
// key at keyPath
func NewSSHExecutor(user, keyPath string) (*SSHExecutor, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	return &SSHExecutor{
		User:    user,
		Resolve: DefaultResolver,
		signer:  signer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ssh",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: log.WithComponent("remote"),
	}, nil
}

// Run executes script on the instance. The script is wrapped in a
// completion-marker guard keyed by commandID, so redelivered commands
// replay their recorded exit code instead of executing twice.
func (e *SSHExecutor) Run(ctx context.Context, instanceID, commandID, script string, timeout time.Duration) (*ports.ExecResult, error) {
	addr, err := e.Resolve(instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve instance %s: %w", instanceID, err)
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.dial(ctx, addr, commandID, script, timeout)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, fmt.Errorf("instance %s: circuit open: %w", instanceID, err)
	}
	if err != nil {
		return nil, err
	}
	res := out.(*ports.ExecResult)

	e.logger.Debug().
		Str("instance_id", instanceID).
		Str("command_id", commandID).
		Int("exit_code", res.ExitCode).
		Msg("remote command finished")
	return res, nil
}

func (e *SSHExecutor) dial(ctx context.Context, addr, commandID, script string, timeout time.Duration) (*ports.ExecResult, error) {
	cfg := &ssh.ClientConfig{
		User: e.User,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		// Instances are provisioned by us; host keys are recorded at
		// provisioning time in a follow-up (TODO: known_hosts pinning).
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(WrapIdempotent(commandID, script)) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return nil, fmt.Errorf("command %s timed out after %s", commandID, timeout)
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	}

	res := &ports.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		exitErr, ok := runErr.(*ssh.ExitError)
		if !ok {
			return nil, fmt.Errorf("remote execution failed: %w", runErr)
		}
		res.ExitCode = exitErr.ExitStatus()
	}
	return res, nil
}

// WrapIdempotent guards script with a completion marker for commandID
func WrapIdempotent(commandID, script string) string {
	return fmt.Sprintf(`set -eu
mkdir -p %[1]s
marker=%[1]s/%[2]s.done
if [ -f "$marker" ]; then
  exit "$(cat "$marker")"
fi
rc=0
{
%[3]s
} || rc=$?
echo "$rc" > "$marker"
exit "$rc"`, markerDir, commandID, script)
}
