package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caravelhq/caravel/pkg/config"
	"github.com/caravelhq/caravel/pkg/types"
)

// Webhook ingestion errors
var (
	// ErrBranchFiltered means the pushed branch is not configured for
	// automatic deployment
	ErrBranchFiltered = errors.New("branch not configured for deployment")

	// ErrUnknownRepository means no webhook target is configured for
	// the repository
	ErrUnknownRepository = errors.New("no webhook target for repository")
)

// WebhookPush is the provider-neutral shape of a push notification.
// Callers normalize their provider's payload into it before ingestion.
type WebhookPush struct {
	Repository string // owner/name
	Ref        string // branch name or refs/heads/<branch>
	CommitSHA  string
}

// Branch strips the refs/heads/ prefix when present
func (p WebhookPush) Branch() string {
	return strings.TrimPrefix(p.Ref, "refs/heads/")
}

// IngestWebhook turns a push into a submission when the branch is
// allowed and a target is configured for the repository. A push while
// an earlier deployment is still running simply queues behind it; the
// per-instance lock keeps the rollouts serialized.
func (m *Manager) IngestWebhook(ctx context.Context, push WebhookPush, cfg config.WebhookConfig) (string, error) {
	branch := push.Branch()
	if !branchAllowed(branch, cfg.Branches) {
		return "", fmt.Errorf("%w: %s", ErrBranchFiltered, branch)
	}

	var target *config.WebhookTarget
	for i := range cfg.Targets {
		if cfg.Targets[i].Repository == push.Repository {
			target = &cfg.Targets[i]
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownRepository, push.Repository)
	}

	job := &types.DeploymentJob{
		Repository:  push.Repository,
		Ref:         branch,
		CommitSHA:   push.CommitSHA,
		InstanceID:  target.InstanceID,
		Environment: types.Environment(target.Environment),
		Strategy:    types.Strategy(target.Strategy),
		Port:        target.Port,
		HealthPath:  target.HealthPath,
		TriggeredBy: types.TriggerWebhook,
	}
	return m.Submit(ctx, job)
}

func branchAllowed(branch string, allowed []string) bool {
	for _, b := range allowed {
		if b == branch {
			return true
		}
	}
	return false
}
