package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/sqcore/sqdeploy/internal/config"
)

var (
	projectDir string

	deployDryRun     bool
	deployMode       string
	deployClean      string
	deployFormat     string
	deployLocalRoot  string
	deployRemoteRoot string
)

// projectFlags are shared by every command that works on the project
func projectFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("project", pflag.ExitOnError)
	fs.StringVar(&projectDir, "project-dir", "", "project directory (overrides project.dir)")
	return fs
}

func deployFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("deploy", pflag.ExitOnError)
	fs.BoolVar(&deployDryRun, "dry-run", false, "list the files that would be deployed without touching the server")
	fs.StringVar(&deployMode, "mode", "", "transfer mode (archive, direct)")
	fs.StringVar(&deployClean, "clean", "", "remote clean method (shell, sftp)")
	fs.StringVar(&deployFormat, "format", "", "archive format (7z, tar.zst, tar.lz4)")
	fs.StringVar(&deployLocalRoot, "local-root", "", "directory to deploy (default is the publish directory)")
	fs.StringVar(&deployRemoteRoot, "remote-root", "", "directory on the server that is replaced")
	return fs
}

func applyProjectFlags(cfg *config.Config) {
	if projectDir != "" {
		cfg.Project.Dir = projectDir
	}
}

// applyDeployFlags copies explicitly set deploy flags over the configuration
// and validates the result
func applyDeployFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("mode") {
		cfg.Deploy.Mode = config.DeployMode(deployMode)
	}
	if fs.Changed("clean") {
		cfg.Deploy.Clean = config.CleanMethod(deployClean)
	}
	if fs.Changed("format") {
		cfg.SetArchiveFormat(deployFormat)
	}
	if fs.Changed("local-root") {
		cfg.Deploy.LocalRoot = deployLocalRoot
	}
	if fs.Changed("remote-root") {
		cfg.Deploy.RemoteRoot = deployRemoteRoot
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}
