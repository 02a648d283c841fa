// Package procgroup starts commands in their own process group so that a
// watcher and every child it spawns are terminated together.
package procgroup

import (
	"context"
	"os/exec"
	"time"
)

// waitDelay bounds how long Wait blocks on output pipes that a killed
// group's orphans might still hold open
const waitDelay = 2 * time.Second

// Command is like exec.CommandContext, except the process leads a new
// process group and cancelling ctx force-kills the whole group.
func Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	setGroup(cmd)
	cmd.Cancel = func() error {
		return Kill(cmd.Process.Pid)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}
