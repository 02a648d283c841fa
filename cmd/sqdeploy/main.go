package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sqcore/sqdeploy/internal/archive"
	"github.com/sqcore/sqdeploy/internal/build"
	"github.com/sqcore/sqdeploy/internal/config"
	"github.com/sqcore/sqdeploy/internal/deploy"
	"github.com/sqcore/sqdeploy/internal/git"
	"github.com/sqcore/sqdeploy/internal/remote"
	"github.com/sqcore/sqdeploy/internal/shell"
	"github.com/sqcore/sqdeploy/internal/watch"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sqdeploy",
	Short: "Build, deploy and watch the SqCore web application",
	Long: `sqdeploy builds the SqCore web project (TypeScript, webpack, dotnet),
pushes the published output to the server over SSH/SFTP and runs the
development watchers until they are told to stop.`,
	SilenceUsage: true,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build everything for release",
	Long: `Build restores npm packages if needed, transpiles TypeScript, bundles the
webpack webapps in production mode, publishes the server in Release
configuration and rewrites the published log config.`,
	RunE: runBuild,
}

var buildDevCmd = &cobra.Command{
	Use:   "build-dev",
	Short: "Restore npm packages and build the server in Debug",
	RunE:  runBuildDev,
}

var buildAngularCmd = &cobra.Command{
	Use:   "build-angular",
	Short: "Build every configured project of the Angular monorepo",
	RunE:  runBuildAngular,
}

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy the published output to the server",
	Long: `Deploy computes the list of files to ship from the local root, clears the
remote root and transfers the files. In archive mode the files are packed
locally, uploaded as one archive and unpacked on the server; in direct mode
every file is uploaded on its own.`,
	RunE: runDeploy,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the development watchers until a stop signal arrives",
	Long: `Watch starts the TypeScript and webpack watchers, each in its own process
group, and waits for a message on the loopback signal port or an interrupt.
All watchers and their children are then killed.`,
	RunE: runWatch,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Tell a running watch to stop",
	RunE:  runStop,
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the detached TypeScript watch task",
}

var taskStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the detached watch task, replacing a live one",
	RunE:  runTaskStart,
}

var taskStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Kill the recorded watch task if its record is fresh",
	RunE:  runTaskStop,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sqdeploy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/sqdeploy/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().AddFlagSet(projectFlags())

	deployCmd.Flags().AddFlagSet(deployFlags())

	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskStopCmd)

	// Add commands
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(buildDevCmd)
	rootCmd.AddCommand(buildAngularCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(versionCmd)
}

func newBuilder(logger *slog.Logger) (*build.Builder, *config.Config, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateBuild(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return build.New(cfg, shell.NewExecRunner(logger), logger), cfg, nil
}

// logRevision records which commit is being built or deployed. Working
// outside a repository is not an error.
func logRevision(ctx context.Context, logger *slog.Logger, dir string) {
	rev, err := git.NewShellClient(shell.NewExecRunner(logger)).Describe(ctx, dir)
	if err != nil {
		logger.Warn("could not determine source revision", "error", err)
		return
	}
	logger.Info("source revision", "revision", rev.String(), "commit", rev.Commit)
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()
	logger := setupLogger()

	b, cfg, err := newBuilder(logger)
	if err != nil {
		return err
	}
	logRevision(ctx, logger, cfg.Project.Dir)
	if err := b.Production(ctx); err != nil {
		logger.Error("build failed", "error", err)
		return err
	}
	logger.Info("build completed successfully")
	return nil
}

func runBuildDev(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()
	logger := setupLogger()

	b, _, err := newBuilder(logger)
	if err != nil {
		return err
	}
	if err := b.Development(ctx); err != nil {
		logger.Error("build failed", "error", err)
		return err
	}
	return nil
}

func runBuildAngular(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := build.New(cfg, shell.NewExecRunner(logger), logger).Angular(ctx); err != nil {
		logger.Error("angular build failed", "error", err)
		return err
	}
	return nil
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyDeployFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	if err := cfg.ValidateDeploy(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var archiver archive.Archiver
	if cfg.Deploy.Mode == config.ModeArchive {
		a := cfg.Deploy.Archive
		archiver, err = archive.New(a.Format, a.Tool, a.RemoteTool, shell.NewExecRunner(logger))
		if err != nil {
			return err
		}
	}

	connect := func(ctx context.Context) (deploy.Remote, error) {
		s, err := remote.Dial(ctx, cfg.Server, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	logRevision(ctx, logger, cfg.Project.Dir)

	engine := deploy.NewEngine(cfg, connect, archiver, logger, deployDryRun)
	if _, err := engine.Run(ctx); err != nil {
		logger.Error("deploy failed", "error", err)
		return err
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Racing npm install against the watchers breaks both
	if !build.NodeModulesInstalled(cfg.Project.Dir) {
		return fmt.Errorf("node_modules not installed in %s, run 'sqdeploy build-dev' first", cfg.Project.Dir)
	}

	l, err := watch.Listen(cfg.Watch.Addr, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = l.Close()
	}()

	s := watch.NewSupervisor(logger)
	if err := s.Run(ctx, watch.Specs(cfg.Watch.Commands, cfg.Project.Dir), l.Await); err != nil {
		logger.Error("watch failed", "error", err)
		return err
	}
	logger.Info("watchers terminated")
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := watch.Send(ctx, cfg.Watch.Addr, cfg.Watch.Payload); err != nil {
		return err
	}
	logger.Info("stop signal sent", "addr", cfg.Watch.Addr)
	return nil
}

func newTask(logger *slog.Logger) (*watch.Task, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return watch.NewTask(cfg.TaskFilePath(), cfg.Watch.TaskMaxAge, cfg.Watch.TaskCommand, cfg.Project.Dir, logger), nil
}

func runTaskStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()
	logger := setupLogger()

	task, err := newTask(logger)
	if err != nil {
		return err
	}
	_, err = task.Start(ctx)
	return err
}

func runTaskStop(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	task, err := newTask(logger)
	if err != nil {
		return err
	}
	stopped, err := task.Stop()
	if err != nil {
		return err
	}
	if !stopped {
		logger.Info("no live watch task to stop", "task_file", task.Path)
	}
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "sqdeploy", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyProjectFlags(cfg)

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	cfg.ResolveProjectDir(cwd)

	logger.Debug("configuration loaded",
		"project_dir", cfg.Project.Dir,
		"server", cfg.ServerAddr(),
		"remote_root", cfg.Deploy.RemoteRoot,
		"mode", cfg.Deploy.Mode)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
