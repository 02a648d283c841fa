package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ErrMissingTool is returned when a required external program is not installed
var ErrMissingTool = errors.New("required tool not found")

// Runner runs external programs
type Runner interface {
	// Run executes name with args in dir and returns its combined output
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	// LookPath resolves name on PATH
	LookPath(name string) (string, error)
}

// ExecRunner implements Runner with os/exec
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a runner that logs tool output at debug level
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes a command and returns an error with its output on failure
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	r.logger.Info("running", "cmd", name+" "+strings.Join(args, " "), "dir", dir)
	output, err := cmd.CombinedOutput()
	r.logOutput(name, output)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return output, fmt.Errorf("%w: %s", ErrMissingTool, name)
		}
		return output, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// LookPath resolves name on PATH, wrapping ErrMissingTool when it is absent
func (r *ExecRunner) LookPath(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMissingTool, name)
	}
	return p, nil
}

func (r *ExecRunner) logOutput(name string, output []byte) {
	if !r.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		r.logger.Debug(scanner.Text(), "tool", name)
	}
}

// Quote makes s safe to use as a single word in a POSIX shell command.
// Words without special characters are returned unchanged.
func Quote(s string) string {
	quoted, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		// POSIX has no escapes for non-printable runes; single quotes keep them literal
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return quoted
}
