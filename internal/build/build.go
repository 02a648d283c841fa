// Package build compiles the web project: npm restore, TypeScript, webpack
// bundles, the dotnet server and the Angular monorepo.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sqcore/sqdeploy/internal/config"
	"github.com/sqcore/sqdeploy/internal/shell"
)

// stampFile marks a completed npm install inside node_modules
const stampFile = ".install-stamp"

// Builder runs the build tool chain in the project directory
type Builder struct {
	cfg    *config.Config
	runner shell.Runner
	logger *slog.Logger
}

// New creates a builder
func New(cfg *config.Config, runner shell.Runner, logger *slog.Logger) *Builder {
	return &Builder{cfg: cfg, runner: runner, logger: logger}
}

// StampPath returns the npm install marker of the project
func StampPath(projectDir string) string {
	return filepath.Join(projectDir, "node_modules", stampFile)
}

// NodeModulesInstalled reports whether npm install completed in projectDir
func NodeModulesInstalled(projectDir string) bool {
	_, err := os.Stat(StampPath(projectDir))
	return err == nil
}

// EnsureNode restores npm packages unless the install stamp exists.
// Node.js is only probed when a restore is needed.
func (b *Builder) EnsureNode(ctx context.Context) error {
	dir := b.cfg.Project.Dir
	if NodeModulesInstalled(dir) {
		b.logger.Info("node_modules present", "stamp", StampPath(dir))
		return nil
	}

	if _, err := b.runner.Run(ctx, dir, "node", "--version"); err != nil {
		if errors.Is(err, shell.ErrMissingTool) {
			return fmt.Errorf("node.js is required to build this project, install it from https://nodejs.org/: %w", err)
		}
		return fmt.Errorf("node.js is required to build this project: %w: %v", shell.ErrMissingTool, err)
	}

	b.logger.Info("restoring npm packages")
	if _, err := b.runner.Run(ctx, dir, "npm", "install"); err != nil {
		return fmt.Errorf("npm install failed: %w", err)
	}

	stamp := StampPath(dir)
	if err := os.MkdirAll(filepath.Dir(stamp), 0755); err != nil {
		return fmt.Errorf("failed to create node_modules: %w", err)
	}
	if err := os.WriteFile(stamp, nil, 0644); err != nil {
		return fmt.Errorf("failed to write install stamp: %w", err)
	}
	return nil
}

// Production builds everything for release: TypeScript, webpack bundles in
// production mode, dotnet publish and the published log config rewrite
func (b *Builder) Production(ctx context.Context) error {
	if err := b.EnsureNode(ctx); err != nil {
		return err
	}

	dir := b.cfg.Project.Dir

	// tsc picks up ./tsconfig.json, which includes wwwroot
	b.logger.Info("transpiling TypeScript")
	if _, err := b.runner.Run(ctx, dir, "tsc"); err != nil {
		return fmt.Errorf("tsc failed: %w", err)
	}

	for _, wp := range b.cfg.Project.WebpackConfigs {
		b.logger.Info("bundling webapp", "config", wp)
		if _, err := b.runner.Run(ctx, dir, "npx", "webpack", "--config", wp, "--mode=production"); err != nil {
			return fmt.Errorf("webpack %s failed: %w", wp, err)
		}
	}

	b.logger.Info("publishing server", "csproj", b.cfg.Project.CSProj)
	if _, err := b.runner.Run(ctx, dir, "dotnet", "publish", "--configuration", "Release", b.cfg.Project.CSProj, "/property:GenerateFullPaths=true"); err != nil {
		return fmt.Errorf("dotnet publish failed: %w", err)
	}

	lc := b.cfg.Project.LogConfig
	if lc.From == "" {
		return nil
	}
	logConfig := filepath.Join(b.cfg.PublishPath(), lc.File)
	n, err := RewriteLogConfig(logConfig, lc.From, lc.To)
	if err != nil {
		return err
	}
	b.logger.Info("rewrote log config", "path", logConfig, "replacements", n)
	return nil
}

// Development restores npm packages and builds the server in Debug
func (b *Builder) Development(ctx context.Context) error {
	if err := b.EnsureNode(ctx); err != nil {
		return err
	}

	b.logger.Info("building server", "csproj", b.cfg.Project.CSProj, "configuration", "Debug")
	if _, err := b.runner.Run(ctx, b.cfg.Project.Dir, "dotnet", "build", "--configuration", "Debug", b.cfg.Project.CSProj, "/property:GenerateFullPaths=true"); err != nil {
		return fmt.Errorf("dotnet build failed: %w", err)
	}
	return nil
}

// Angular builds every configured project of the Angular monorepo
func (b *Builder) Angular(ctx context.Context) error {
	if len(b.cfg.Project.AngularProjects) == 0 {
		return fmt.Errorf("no angular projects configured")
	}

	dir := b.cfg.ProjectPath(b.cfg.Project.AngularDir)
	for _, p := range b.cfg.Project.AngularProjects {
		b.logger.Info("building angular project", "project", p, "dir", dir)
		if _, err := b.runner.Run(ctx, dir, "npm", "run", "build", "--", p, "--prod"); err != nil {
			return fmt.Errorf("angular build of %s failed: %w", p, err)
		}
	}
	return nil
}

// RewriteLogConfig replaces every occurrence of from with to in path, keeping
// the original content in path+".bak". It returns the number of replacements.
func RewriteLogConfig(path, from, to string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read log config: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path+".bak", data, info.Mode().Perm()); err != nil {
		return 0, fmt.Errorf("failed to back up log config: %w", err)
	}

	content := string(data)
	n := strings.Count(content, from)
	if n == 0 {
		return 0, nil
	}
	if err := os.WriteFile(path, []byte(strings.ReplaceAll(content, from, to)), info.Mode().Perm()); err != nil {
		return 0, fmt.Errorf("failed to write log config: %w", err)
	}
	return n, nil
}
