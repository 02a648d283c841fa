// Package git reports which source revision a build or deploy was made from.
package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/sqcore/sqdeploy/internal/shell"
)

// Revision identifies the checked out source
type Revision struct {
	Commit string
	Branch string
	Dirty  bool
}

// String formats the revision as "<branch>@<short commit>[+dirty]"
func (r Revision) String() string {
	commit := r.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	s := r.Branch + "@" + commit
	if r.Dirty {
		s += "+dirty"
	}
	return s
}

// Client reads repository metadata
type Client interface {
	// Describe returns the revision checked out in dir
	Describe(ctx context.Context, dir string) (Revision, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	runner shell.Runner
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(runner shell.Runner) *ShellClient {
	return &ShellClient{runner: runner}
}

// Describe returns the HEAD commit, the current branch and whether the
// working tree has uncommitted changes
func (c *ShellClient) Describe(ctx context.Context, dir string) (Revision, error) {
	out, err := c.runner.Run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return Revision{}, fmt.Errorf("git rev-parse failed: %w", err)
	}
	rev := Revision{Commit: strings.TrimSpace(string(out))}

	out, err = c.runner.Run(ctx, dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Revision{}, fmt.Errorf("git rev-parse --abbrev-ref failed: %w", err)
	}
	rev.Branch = strings.TrimSpace(string(out))

	out, err = c.runner.Run(ctx, dir, "git", "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return Revision{}, fmt.Errorf("git status failed: %w", err)
	}
	rev.Dirty = strings.TrimSpace(string(out)) != ""

	return rev, nil
}
