// Package watch runs the development watchers until a stop signal arrives.
package watch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sqcore/sqdeploy/internal/config"
	"github.com/sqcore/sqdeploy/internal/procgroup"
)

// Spec describes one long-running watcher
type Spec struct {
	Name string
	Args []string
	Dir  string
}

// Specs converts configured watch commands into specs running in dir
func Specs(commands []config.CommandConfig, dir string) []Spec {
	specs := make([]Spec, 0, len(commands))
	for _, c := range commands {
		name := c.Name
		if name == "" {
			name = strings.Join(c.Args, " ")
		}
		specs = append(specs, Spec{Name: name, Args: c.Args, Dir: dir})
	}
	return specs
}

// WaitFunc blocks until the pipeline should stop. It must return when ctx is done.
type WaitFunc func(ctx context.Context) error

// Supervisor owns the running watcher process groups
type Supervisor struct {
	logger *slog.Logger

	mu   sync.Mutex
	pids []int
}

// NewSupervisor creates a supervisor that logs watcher output
func NewSupervisor(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// PIDs returns the process group leaders started by the last Run
func (s *Supervisor) PIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.pids...)
}

// Run starts every watcher in its own process group and blocks until wait
// returns, ctx is cancelled or a watcher exits. All process groups are then
// force-killed. A stop signal or cancellation returns nil; a watcher that
// exits on its own is an error.
func (s *Supervisor) Run(ctx context.Context, specs []Spec, wait WaitFunc) error {
	if len(specs) == 0 {
		return fmt.Errorf("no watchers configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.pids = nil
	s.mu.Unlock()

	for _, spec := range specs {
		if len(spec.Args) == 0 {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("watcher %q has no command", spec.Name)
		}

		cmd := procgroup.Command(gctx, spec.Args[0], spec.Args[1:]...)
		cmd.Dir = spec.Dir
		out := &lineLogger{logger: s.logger.With("watcher", spec.Name)}
		cmd.Stdout = out
		cmd.Stderr = out

		if err := cmd.Start(); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("failed to start watcher %s: %w", spec.Name, err)
		}
		s.logger.Info("watcher started", "watcher", spec.Name, "pid", cmd.Process.Pid)
		s.mu.Lock()
		s.pids = append(s.pids, cmd.Process.Pid)
		s.mu.Unlock()

		g.Go(func() error {
			return s.supervise(gctx, spec.Name, cmd, out)
		})
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- wait(gctx)
	}()

	var stopErr error
	waited := false
	select {
	case err := <-waitErr:
		waited = true
		switch {
		case err == nil:
			s.logger.Info("stop signal received, terminating watchers")
		case gctx.Err() == nil:
			stopErr = fmt.Errorf("waiting for stop signal failed: %w", err)
		}
	case <-gctx.Done():
		if ctx.Err() != nil {
			s.logger.Info("interrupted, terminating watchers")
		}
	}

	// Cancelling kills every process group
	cancel()
	groupErr := g.Wait()
	if !waited {
		<-waitErr
	}

	if stopErr != nil {
		return stopErr
	}
	return groupErr
}

// supervise waits for one watcher. Exits caused by shutdown are expected.
func (s *Supervisor) supervise(ctx context.Context, name string, cmd *exec.Cmd, out *lineLogger) error {
	err := cmd.Wait()
	out.flush()
	if ctx.Err() != nil {
		s.logger.Debug("watcher terminated", "watcher", name)
		return nil
	}
	if err == nil {
		err = errors.New("exited")
	}
	return fmt.Errorf("watcher %s stopped unexpectedly: %w", name, err)
}

// lineLogger turns watcher output into one log record per line. exec
// writes to it from a single goroutine when Stdout and Stderr are the same.
type lineLogger struct {
	logger *slog.Logger
	buf    bytes.Buffer
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.log(line)
	}
}

func (w *lineLogger) flush() {
	if w.buf.Len() > 0 {
		w.log(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineLogger) log(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line != "" {
		w.logger.Info(line)
	}
}
