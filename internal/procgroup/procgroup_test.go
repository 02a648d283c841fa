//go:build !windows

package procgroup

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met within 5s")
}

func TestCommand_CancelKillsChildren(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The shell spawns a grandchild and records its pid
	cmd := Command(ctx, "sh", "-c", "sleep 60 & echo $! > "+pidFile+"; wait")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var childPID int
	waitFor(t, func() bool {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		childPID, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil
	})

	cancel()
	_ = cmd.Wait()

	waitFor(t, func() bool {
		return gone(childPID)
	})
}

// gone reports whether pid has exited. A zombie waiting for a reaper counts
// as exited.
func gone(pid int) bool {
	if unix.Kill(pid, 0) != nil {
		return true
	}
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The state follows the parenthesized command name
	fields := strings.Fields(string(data[strings.LastIndexByte(string(data), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func TestKill_AlreadyGone(t *testing.T) {
	cmd := Command(context.Background(), "true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if err := Kill(cmd.Process.Pid); err != nil {
		t.Errorf("Kill of exited group should succeed, got %v", err)
	}
}

func TestKill_InvalidPID(t *testing.T) {
	for _, pid := range []int{0, -1} {
		if err := Kill(pid); err == nil {
			t.Errorf("Kill(%d) expected error", pid)
		}
	}
}

func TestAlive(t *testing.T) {
	cmd := Command(context.Background(), "sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	pid := cmd.Process.Pid

	if !Alive(pid) {
		t.Error("expected running group to be alive")
	}
	if err := Kill(pid); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	_ = cmd.Wait()

	if Alive(pid) {
		t.Error("expected killed group to be gone")
	}
	if Alive(0) {
		t.Error("pid 0 is never alive")
	}
}
