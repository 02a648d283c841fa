package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sqcore/sqdeploy/internal/procgroup"
	"github.com/sqcore/sqdeploy/internal/taskfile"
)

// Task manages a watcher that outlives the command that started it. Its
// process group leader is recorded in a task file.
type Task struct {
	Path   string
	MaxAge time.Duration
	Args   []string
	Dir    string

	logger *slog.Logger
	now    func() time.Time
}

// NewTask creates a detached task handle recorded at path
func NewTask(path string, maxAge time.Duration, args []string, dir string, logger *slog.Logger) *Task {
	return &Task{
		Path:   path,
		MaxAge: maxAge,
		Args:   args,
		Dir:    dir,
		logger: logger,
		now:    time.Now,
	}
}

// LogPath is where the detached watcher's output goes
func (t *Task) LogPath() string {
	return strings.TrimSuffix(t.Path, filepath.Ext(t.Path)) + ".log"
}

// Start stops a live previous task, then starts Args in a new process group
// and records it
func (t *Task) Start(_ context.Context) (taskfile.Record, error) {
	if len(t.Args) == 0 {
		return taskfile.Record{}, fmt.Errorf("task command is empty")
	}
	if _, err := t.Stop(); err != nil {
		return taskfile.Record{}, err
	}

	logFile, err := os.OpenFile(t.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return taskfile.Record{}, fmt.Errorf("failed to open task log: %w", err)
	}
	defer func() {
		_ = logFile.Close()
	}()

	// The task must survive this process, so it is not tied to a context
	cmd := procgroup.Command(context.Background(), t.Args[0], t.Args[1:]...)
	cmd.Dir = t.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return taskfile.Record{}, fmt.Errorf("failed to start task: %w", err)
	}

	rec := taskfile.Record{Started: t.now(), PID: cmd.Process.Pid}
	if err := taskfile.Write(t.Path, rec); err != nil {
		_ = procgroup.Kill(rec.PID)
		_ = cmd.Wait()
		return taskfile.Record{}, err
	}
	if err := cmd.Process.Release(); err != nil {
		t.logger.Warn("failed to release task process", "pid", rec.PID, "error", err)
	}

	t.logger.Info("watch task started", "pid", rec.PID, "log", t.LogPath(), "task_file", t.Path)
	return rec, nil
}

// Stop kills the recorded process group if the record is younger than
// MaxAge and removes the task file. Missing, malformed and stale records
// are ignored and left in place. It reports whether a task was stopped.
func (t *Task) Stop() (bool, error) {
	rec, ok := taskfile.Check(t.Path, t.MaxAge, t.now())
	if !ok {
		t.logger.Debug("no live watch task recorded", "task_file", t.Path)
		return false, nil
	}

	t.logger.Info("stopping watch task", "pid", rec.PID, "started", rec.Started.Format(taskfile.Layout))
	if err := procgroup.Kill(rec.PID); err != nil {
		return false, err
	}
	if err := taskfile.Clear(t.Path); err != nil {
		return true, err
	}
	return true, nil
}
