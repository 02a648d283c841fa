// Package deploy pushes a filtered build output to the server.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sqcore/sqdeploy/internal/archive"
	"github.com/sqcore/sqdeploy/internal/config"
	"github.com/sqcore/sqdeploy/internal/manifest"
	"github.com/sqcore/sqdeploy/internal/shell"
)

// Remote is an open connection to the deploy server. *remote.Session implements it.
type Remote interface {
	Run(ctx context.Context, command string) (string, error)
	MkdirAll(dir string) (bool, error)
	RemoveAll(dir string) error
	Upload(localPath, remotePath string) (int64, error)
	Close() error
}

// Connector opens a Remote
type Connector func(ctx context.Context) (Remote, error)

// Result summarizes a finished deploy
type Result struct {
	RunID    string
	Files    int
	Bytes    int64
	Duration time.Duration
}

// Engine orchestrates one deploy run
type Engine struct {
	cfg      *config.Config
	connect  Connector
	archiver archive.Archiver
	logger   *slog.Logger
	dryRun   bool
}

// NewEngine creates a new deploy engine. archiver may be nil in direct mode.
func NewEngine(cfg *config.Config, connect Connector, archiver archive.Archiver, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:      cfg,
		connect:  connect,
		archiver: archiver,
		logger:   logger,
		dryRun:   dryRun,
	}
}

// Rules returns the manifest rules configured for deploy
func Rules(cfg *config.Config) manifest.Rules {
	return manifest.Rules{
		AcceptedRoots:   cfg.Deploy.AcceptedRoots,
		ExcludeDirs:     cfg.Deploy.ExcludeDirs,
		ExcludeExts:     cfg.Deploy.ExcludeExts,
		ExcludeSuffixes: cfg.Deploy.ExcludeSuffixes,
		SegmentPrefix:   cfg.Deploy.SegmentPrefix,
	}
}

// Run executes the complete deploy. Local temporary files are removed and
// the remote session is closed on every path.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString()}
	logger := e.logger.With("run_id", res.RunID)

	localRoot := e.cfg.LocalRoot()
	remoteRoot := e.cfg.Deploy.RemoteRoot
	logger.Info("starting deploy",
		"local_root", localRoot,
		"remote_root", remoteRoot,
		"mode", e.cfg.Deploy.Mode,
		"dry_run", e.dryRun)

	if e.cfg.Deploy.Mode == config.ModeArchive && e.archiver == nil {
		return nil, fmt.Errorf("archive mode requires an archiver")
	}

	// Leftovers from an aborted run would otherwise end up in the manifest
	e.removeLocalTemp(logger)

	m, err := manifest.Build(localRoot, Rules(e.cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest: %w", err)
	}
	res.Files = m.Len()
	logger.Info("manifest built", "files", m.Len())

	if e.dryRun {
		for _, p := range m.Paths() {
			logger.Info("would deploy", "path", p)
		}
		logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	if m.Len() == 0 {
		return nil, fmt.Errorf("no files to deploy under %s", localRoot)
	}

	if e.cfg.Deploy.Mode == config.ModeArchive {
		defer e.removeLocalTemp(logger)
	}

	logger.Info("connecting to server")
	r, err := e.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("failed to close remote session", "error", err)
		}
	}()

	if err := e.clearRemote(ctx, r, logger); err != nil {
		return nil, err
	}

	switch e.cfg.Deploy.Mode {
	case config.ModeDirect:
		res.Bytes, err = e.uploadFiles(ctx, r, m, logger)
	default:
		res.Bytes, err = e.uploadArchive(ctx, r, m, logger)
	}
	if err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	logger.Info("deploy completed successfully",
		"files", res.Files,
		"bytes", res.Bytes,
		"duration", res.Duration.Round(10*time.Millisecond))
	return res, nil
}

// clearRemote removes the remote root so stale files never survive a deploy
func (e *Engine) clearRemote(ctx context.Context, r Remote, logger *slog.Logger) error {
	root := e.cfg.Deploy.RemoteRoot
	logger.Info("clearing remote root", "path", root, "method", e.cfg.Deploy.Clean)

	if e.cfg.Deploy.Clean == config.CleanSFTP {
		if err := r.RemoveAll(root); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to clear remote root: %w", err)
		}
		return nil
	}

	if _, err := r.Run(ctx, "rm -rf "+shell.Quote(root)); err != nil {
		return fmt.Errorf("failed to clear remote root: %w", err)
	}
	return nil
}

func (e *Engine) uploadArchive(ctx context.Context, r Remote, m *manifest.Manifest, logger *slog.Logger) (int64, error) {
	listPath := e.cfg.ListFilePath()
	archivePath := e.cfg.ArchivePath()
	remoteArchive := e.cfg.RemoteArchivePath()

	if err := m.WriteListFile(listPath); err != nil {
		return 0, fmt.Errorf("failed to write list file: %w", err)
	}

	logger.Info("packing files", "format", e.archiver.Format(), "archive", archivePath)
	if err := e.archiver.Create(ctx, e.cfg.LocalRoot(), listPath, archivePath); err != nil {
		return 0, fmt.Errorf("failed to pack files: %w", err)
	}

	logger.Info("creating remote root", "path", e.cfg.Deploy.RemoteRoot)
	if _, err := r.MkdirAll(e.cfg.Deploy.RemoteRoot); err != nil {
		return 0, fmt.Errorf("failed to create remote root: %w", err)
	}

	logger.Info("uploading archive", "remote", remoteArchive)
	n, err := r.Upload(archivePath, remoteArchive)
	if err != nil {
		return n, fmt.Errorf("failed to upload archive: %w", err)
	}

	logger.Info("unpacking archive on server")
	command := "cd " + shell.Quote(e.cfg.Deploy.RemoteRoot) + " && " + e.archiver.ExtractCommand(remoteArchive)
	if _, err := r.Run(ctx, command); err != nil {
		return n, fmt.Errorf("failed to unpack archive: %w", err)
	}
	return n, nil
}

func (e *Engine) uploadFiles(ctx context.Context, r Remote, m *manifest.Manifest, logger *slog.Logger) (int64, error) {
	var total int64
	created := make(map[string]bool)

	for _, entry := range m.Entries {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		remotePath := path.Join(e.cfg.Deploy.RemoteRoot, entry.Path)
		dir := path.Dir(remotePath)
		if !created[dir] {
			if _, err := r.MkdirAll(dir); err != nil {
				return total, fmt.Errorf("failed to create %s: %w", dir, err)
			}
			created[dir] = true
		}

		logger.Debug("uploading", "path", entry.Path)
		n, err := r.Upload(filepath.Join(m.Root, filepath.FromSlash(entry.Path)), remotePath)
		if err != nil {
			return total, fmt.Errorf("failed to upload %s: %w", entry.Path, err)
		}
		total += n
	}
	return total, nil
}

func (e *Engine) removeLocalTemp(logger *slog.Logger) {
	for _, p := range []string{e.cfg.ArchivePath(), e.cfg.ListFilePath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove temporary file", "path", p, "error", err)
		}
	}
}
