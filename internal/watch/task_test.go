//go:build !windows

package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sqcore/sqdeploy/internal/procgroup"
	"github.com/sqcore/sqdeploy/internal/taskfile"
)

// reap collects a released child so its process group disappears
func reap(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if wpid == pid || err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("process %d did not exit", pid)
}

func newTestTask(t *testing.T, args ...string) *Task {
	t.Helper()
	dir := t.TempDir()
	return NewTask(filepath.Join(dir, "watchTaskId.txt"), 24*time.Hour, args, dir, testLogger())
}

func TestTask_StartStop(t *testing.T) {
	task := newTestTask(t, "sleep", "60")

	rec, err := task.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !procgroup.Alive(rec.PID) {
		t.Fatal("expected the task to be running")
	}

	stored, err := taskfile.Read(task.Path)
	if err != nil {
		t.Fatalf("task file not written: %v", err)
	}
	if stored.PID != rec.PID {
		t.Errorf("stored pid = %d, want %d", stored.PID, rec.PID)
	}
	if _, err := os.Stat(task.LogPath()); err != nil {
		t.Errorf("expected task log: %v", err)
	}

	stopped, err := task.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !stopped {
		t.Error("expected Stop to report a stopped task")
	}
	reap(t, rec.PID)

	if procgroup.Alive(rec.PID) {
		t.Error("expected the task to be killed")
	}
	if _, err := os.Stat(task.Path); !os.IsNotExist(err) {
		t.Error("expected task file to be removed")
	}
}

func TestTask_StartReplacesLiveTask(t *testing.T) {
	task := newTestTask(t, "sleep", "60")

	first, err := task.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := task.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	reap(t, first.PID)

	if procgroup.Alive(first.PID) {
		t.Error("expected the previous task to be killed")
	}
	if !procgroup.Alive(second.PID) {
		t.Error("expected the new task to be running")
	}

	if _, err := task.Stop(); err != nil {
		t.Fatal(err)
	}
	reap(t, second.PID)
}

func TestTask_StopIgnoresStaleRecord(t *testing.T) {
	task := newTestTask(t, "sleep", "60")

	rec, err := task.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = procgroup.Kill(rec.PID)
		reap(t, rec.PID)
	}()

	// Two days later the record is too old to trust the pid
	task.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	stopped, err := task.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped {
		t.Error("stale record must not be acted on")
	}
	if !procgroup.Alive(rec.PID) {
		t.Error("stale record must not kill the process")
	}
	if _, err := os.Stat(task.Path); err != nil {
		t.Error("stale task file must be left for manual cleanup")
	}
}

func TestTask_StopWithoutRecord(t *testing.T) {
	task := newTestTask(t, "sleep", "60")

	stopped, err := task.Stop()
	if err != nil || stopped {
		t.Errorf("Stop() = %v, %v; want false, nil", stopped, err)
	}
}

func TestTask_StartErrors(t *testing.T) {
	if _, err := newTestTask(t).Start(context.Background()); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := newTestTask(t, "/nonexistent/tsc").Start(context.Background()); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestTask_LogPath(t *testing.T) {
	task := NewTask("/src/watchTaskId.txt", time.Hour, nil, "/src", testLogger())
	if got := task.LogPath(); got != "/src/watchTaskId.log" {
		t.Errorf("LogPath() = %q", got)
	}
}
