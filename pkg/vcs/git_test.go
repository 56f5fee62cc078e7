package vcs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/caravelhq/caravel/pkg/ports"
)

func TestClassify(t *testing.T) {
	g := NewGitCLI()
	execErr := errors.New("exit status 128")

	tests := []struct {
		name   string
		output string
		want   error
	}{
		{"dns failure", "fatal: unable to access 'https://github.com/a/b.git/': Could not resolve host: github.com", ports.ErrUnreachable},
		{"connection refused", "fatal: unable to access 'https://github.com/a/b.git/': Failed to connect: Connection refused", ports.ErrUnreachable},
		{"auth", "fatal: Authentication failed for 'https://github.com/a/b.git/'", ports.ErrAuthDenied},
		{"prompting disabled", "fatal: could not read Username for 'https://github.com': terminal prompts disabled", ports.ErrAuthDenied},
		{"missing repo", "remote: Repository not found.", ports.ErrNotFound},
		{"missing ref", "error: pathspec 'nope' did not match any file(s) known to git", ports.ErrNotFound},
		{"empty repo", "warning: You appear to have cloned an empty repository.", ports.ErrEmptyRepo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.classify("acme/api", tt.output, execErr)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClassifyUnknownKeepsExecError(t *testing.T) {
	g := NewGitCLI()
	execErr := errors.New("exit status 1")
	err := g.classify("acme/api", "fatal: something novel", execErr)
	assert.ErrorIs(t, err, execErr)
}

func TestResolveSHAPassthrough(t *testing.T) {
	g := NewGitCLI()
	sha := "0123456789abcdef0123456789abcdef01234567"
	got, err := g.ResolveSHA(context.Background(), "acme/api", sha)
	assert.NoError(t, err)
	assert.Equal(t, sha, got)
}

func TestRemoteURL(t *testing.T) {
	g := NewGitCLI()
	assert.Equal(t, "https://github.com/acme/api.git", g.remoteURL("acme/api"))

	g.BaseURL = "https://git.internal"
	assert.Equal(t, "https://git.internal/acme/api.git", g.remoteURL("acme/api"))
}
