package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides, e.g. SQDEPLOY_SERVER_HOST.
const EnvPrefix = "SQDEPLOY"

// DeployMode selects how the manifest reaches the server
type DeployMode string

const (
	// ModeArchive packs the manifest into one archive and extracts it remotely
	ModeArchive DeployMode = "archive"
	// ModeDirect uploads every file individually
	ModeDirect DeployMode = "direct"
)

// CleanMethod selects how the remote root is cleared before a deploy
type CleanMethod string

const (
	// CleanShell runs a single rm -rf over the exec channel
	CleanShell CleanMethod = "shell"
	// CleanSFTP walks the tree and removes entries one by one over SFTP
	CleanSFTP CleanMethod = "sftp"
)

// Archive formats understood by the archive package
const (
	Format7z     = "7z"
	FormatTarZst = "tar.zst"
	FormatTarLZ4 = "tar.lz4"
)

// Config represents the complete sqdeploy configuration
type Config struct {
	Project ProjectConfig `yaml:"project" split_words:"true"`
	Server  ServerConfig  `yaml:"server" split_words:"true"`
	Deploy  DeployConfig  `yaml:"deploy" split_words:"true"`
	Watch   WatchConfig   `yaml:"watch" split_words:"true"`
}

// ProjectConfig describes the web project that is built and deployed
type ProjectConfig struct {
	// Dir is the project directory holding the csproj, package.json and tsconfig.json.
	Dir string `yaml:"dir" split_words:"true"`
	// RepoName and RepoSubdir reproduce the "started from the repository root" rule:
	// when the working directory ends with RepoName, RepoSubdir is appended.
	RepoName        string           `yaml:"repo_name" split_words:"true"`
	RepoSubdir      string           `yaml:"repo_subdir" split_words:"true"`
	CSProj          string           `yaml:"csproj" split_words:"true"`
	WebpackConfigs  []string         `yaml:"webpack_configs" split_words:"true"`
	AngularDir      string           `yaml:"angular_dir" split_words:"true"`
	AngularProjects []string         `yaml:"angular_projects" split_words:"true"`
	PublishDir      string           `yaml:"publish_dir" split_words:"true"`
	LogConfig       LogConfigRewrite `yaml:"log_config" split_words:"true"`
}

// LogConfigRewrite is the in-place substitution applied to the published log config
type LogConfigRewrite struct {
	File string `yaml:"file" split_words:"true"`
	From string `yaml:"from" split_words:"true"`
	To   string `yaml:"to" split_words:"true"`
}

// ServerConfig configures the SSH/SFTP target
type ServerConfig struct {
	Host              string `yaml:"host" split_words:"true"`
	Port              int    `yaml:"port" split_words:"true"`
	User              string `yaml:"user" split_words:"true"`
	KeyFile           string `yaml:"key_file" split_words:"true"`
	KeyPassphraseFile string `yaml:"key_passphrase_file" split_words:"true"`
	KnownHostsFile    string `yaml:"known_hosts_file" split_words:"true"`
}

// DeployConfig configures the deployment pipeline
type DeployConfig struct {
	LocalRoot       string        `yaml:"local_root" split_words:"true"`
	RemoteRoot      string        `yaml:"remote_root" split_words:"true"`
	AcceptedRoots   []string      `yaml:"accepted_roots" split_words:"true"`
	ExcludeDirs     []string      `yaml:"exclude_dirs" split_words:"true"`
	ExcludeExts     []string      `yaml:"exclude_exts" split_words:"true"`
	ExcludeSuffixes []string      `yaml:"exclude_suffixes" split_words:"true"`
	SegmentPrefix   bool          `yaml:"segment_prefix" split_words:"true"`
	Mode            DeployMode    `yaml:"mode" split_words:"true"`
	Clean           CleanMethod   `yaml:"clean" split_words:"true"`
	Archive         ArchiveConfig `yaml:"archive" split_words:"true"`
}

// ArchiveConfig configures archive mode
type ArchiveConfig struct {
	Format     string `yaml:"format" split_words:"true"`
	Tool       string `yaml:"tool" split_words:"true"`
	RemoteTool string `yaml:"remote_tool" split_words:"true"`
	Name       string `yaml:"name" split_words:"true"`
	ListFile   string `yaml:"list_file" split_words:"true"`
}

// WatchConfig configures the dev-loop watch pipeline
type WatchConfig struct {
	Addr        string          `yaml:"addr" split_words:"true"`
	Payload     string          `yaml:"payload" split_words:"true"`
	Commands    []CommandConfig `yaml:"commands" ignored:"true"`
	TaskFile    string          `yaml:"task_file" split_words:"true"`
	TaskMaxAge  time.Duration   `yaml:"task_max_age" split_words:"true"`
	TaskCommand []string        `yaml:"task_command" split_words:"true"`
}

// CommandConfig is one long-running watcher
type CommandConfig struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML, applies environment overrides and defaults, and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()

	// SQDEPLOY_* variables win over the file
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in path-like string fields
func (c *Config) expandEnv() {
	c.Project.Dir = os.ExpandEnv(c.Project.Dir)
	c.Project.PublishDir = os.ExpandEnv(c.Project.PublishDir)
	c.Project.AngularDir = os.ExpandEnv(c.Project.AngularDir)
	c.Server.Host = os.ExpandEnv(c.Server.Host)
	c.Server.User = os.ExpandEnv(c.Server.User)
	c.Server.KeyFile = os.ExpandEnv(c.Server.KeyFile)
	c.Server.KeyPassphraseFile = os.ExpandEnv(c.Server.KeyPassphraseFile)
	c.Server.KnownHostsFile = os.ExpandEnv(c.Server.KnownHostsFile)
	c.Deploy.LocalRoot = os.ExpandEnv(c.Deploy.LocalRoot)
	c.Deploy.RemoteRoot = os.ExpandEnv(c.Deploy.RemoteRoot)
	c.Watch.TaskFile = os.ExpandEnv(c.Watch.TaskFile)
}

// applyDefaults fills in zero-value fields with the values the web project uses.
func (c *Config) applyDefaults() {
	if c.Project.Dir == "" {
		c.Project.Dir = "."
	}
	if c.Project.PublishDir == "" {
		c.Project.PublishDir = "bin/Release/netcoreapp3.1/publish"
	}
	if c.Project.AngularDir == "" {
		c.Project.AngularDir = "Angular"
	}
	if c.Project.LogConfig.File == "" {
		c.Project.LogConfig.File = "NLog.config"
	}
	if c.Project.LogConfig.From == "" && c.Project.LogConfig.To == "" {
		c.Project.LogConfig.From = "{basedir}/../../../../../../logs"
		c.Project.LogConfig.To = "{basedir}/../logs"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 22
	}

	if c.Deploy.AcceptedRoots == nil {
		c.Deploy.AcceptedRoots = []string{"wwwroot"}
	}
	if c.Deploy.ExcludeDirs == nil {
		c.Deploy.ExcludeDirs = []string{"obj", ".vs", "artifacts", "Properties", "node_modules"}
	}
	if c.Deploy.ExcludeExts == nil {
		c.Deploy.ExcludeExts = []string{"sln", "xproj", "log", "sqlog", "ps1", "sh", "user", "md"}
	}
	if c.Deploy.ExcludeSuffixes == nil {
		c.Deploy.ExcludeSuffixes = []string{".lock.json"}
	}
	if c.Deploy.Mode == "" {
		c.Deploy.Mode = ModeArchive
	}
	if c.Deploy.Clean == "" {
		c.Deploy.Clean = CleanShell
	}
	if c.Deploy.Archive.Format == "" {
		c.Deploy.Archive.Format = Format7z
	}
	if c.Deploy.Archive.Format == Format7z {
		if c.Deploy.Archive.Tool == "" {
			c.Deploy.Archive.Tool = "7z"
		}
		if c.Deploy.Archive.RemoteTool == "" {
			c.Deploy.Archive.RemoteTool = "7z"
		}
	}
	if c.Deploy.Archive.Name == "" {
		c.Deploy.Archive.Name = "deploy." + c.Deploy.Archive.Format
	}
	if c.Deploy.Archive.ListFile == "" {
		c.Deploy.Archive.ListFile = "deployList.txt"
	}

	if c.Watch.Addr == "" {
		c.Watch.Addr = "localhost:8389"
	}
	if c.Watch.Payload == "" {
		c.Watch.Payload = "hello"
	}
	if c.Watch.Commands == nil {
		c.Watch.Commands = []CommandConfig{{Name: "tsc", Args: []string{"tsc", "--watch"}}}
		for _, wp := range c.Project.WebpackConfigs {
			c.Watch.Commands = append(c.Watch.Commands, CommandConfig{
				Name: "webpack " + wp,
				Args: []string{"npx", "webpack", "--config", wp, "--mode=development", "--watch"},
			})
		}
	}
	if c.Watch.TaskFile == "" {
		c.Watch.TaskFile = "watchTaskId.txt"
	}
	if c.Watch.TaskMaxAge == 0 {
		c.Watch.TaskMaxAge = 24 * time.Hour
	}
	if c.Watch.TaskCommand == nil {
		c.Watch.TaskCommand = []string{"tsc", "--watch", "-p", "tsconfig.json"}
	}
}

// Validate checks the configuration for errors that apply to every command
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Deploy.Mode {
	case ModeArchive, ModeDirect:
		// valid
	default:
		return fmt.Errorf("invalid deploy.mode: %s (must be archive or direct)", c.Deploy.Mode)
	}

	switch c.Deploy.Clean {
	case CleanShell, CleanSFTP:
		// valid
	default:
		return fmt.Errorf("invalid deploy.clean: %s (must be shell or sftp)", c.Deploy.Clean)
	}

	switch c.Deploy.Archive.Format {
	case Format7z, FormatTarZst, FormatTarLZ4:
		// valid
	default:
		return fmt.Errorf("invalid deploy.archive.format: %s (must be 7z, tar.zst or tar.lz4)", c.Deploy.Archive.Format)
	}

	if strings.ContainsAny(c.Deploy.Archive.Name, `/\`) {
		return fmt.Errorf("deploy.archive.name must be a bare file name: %s", c.Deploy.Archive.Name)
	}
	if strings.ContainsAny(c.Deploy.Archive.ListFile, `/\`) {
		return fmt.Errorf("deploy.archive.list_file must be a bare file name: %s", c.Deploy.Archive.ListFile)
	}

	for i, cmd := range c.Watch.Commands {
		if len(cmd.Args) == 0 {
			return fmt.Errorf("watch.commands[%d]: args are required", i)
		}
	}
	if len(c.Watch.TaskCommand) == 0 {
		return fmt.Errorf("watch.task_command must not be empty")
	}

	return nil
}

// SetArchiveFormat switches the archive format. A default archive name
// follows the new format; a custom name is kept.
func (c *Config) SetArchiveFormat(format string) {
	a := &c.Deploy.Archive
	if a.Name == "deploy."+a.Format {
		a.Name = "deploy." + format
	}
	if format == Format7z {
		if a.Tool == "" {
			a.Tool = "7z"
		}
		if a.RemoteTool == "" {
			a.RemoteTool = "7z"
		}
	} else if a.Format == Format7z && a.RemoteTool == "7z" {
		a.RemoteTool = ""
	}
	a.Format = format
}

// ValidateDeploy checks the settings only the deploy command needs
func (c *Config) ValidateDeploy() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.User == "" {
		return fmt.Errorf("server.user is required")
	}
	if c.Server.KeyFile == "" {
		return fmt.Errorf("server.key_file is required")
	}
	if c.Deploy.RemoteRoot == "" {
		return fmt.Errorf("deploy.remote_root is required")
	}
	// The remote root is wiped with rm -rf, so it has to be an absolute, non-root path
	if !path.IsAbs(c.Deploy.RemoteRoot) {
		return fmt.Errorf("deploy.remote_root must be an absolute path: %s", c.Deploy.RemoteRoot)
	}
	if path.Clean(c.Deploy.RemoteRoot) == "/" {
		return fmt.Errorf("deploy.remote_root must not be /")
	}
	if len(c.Deploy.AcceptedRoots) == 0 {
		return fmt.Errorf("deploy.accepted_roots must not be empty")
	}
	return nil
}

// ValidateBuild checks the settings only the build commands need
func (c *Config) ValidateBuild() error {
	if c.Project.CSProj == "" {
		return fmt.Errorf("project.csproj is required")
	}
	return nil
}

// ResolveProjectDir turns Project.Dir into an absolute path. When the working
// directory is the repository root (it ends with RepoName) the project lives
// in RepoSubdir below it.
func (c *Config) ResolveProjectDir(cwd string) string {
	dir := c.Project.Dir
	if dir == "." && c.Project.RepoName != "" && c.Project.RepoSubdir != "" &&
		strings.HasSuffix(filepath.Clean(cwd), c.Project.RepoName) {
		dir = c.Project.RepoSubdir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cwd, dir)
	}
	c.Project.Dir = filepath.Clean(dir)
	return c.Project.Dir
}

// ProjectPath resolves p relative to the project directory
func (c *Config) ProjectPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Project.Dir, p)
}

// PublishPath returns the absolute dotnet publish output directory
func (c *Config) PublishPath() string {
	return c.ProjectPath(c.Project.PublishDir)
}

// LocalRoot returns the directory the deploy manifest is computed from.
// It defaults to the publish directory.
func (c *Config) LocalRoot() string {
	if c.Deploy.LocalRoot == "" {
		return c.PublishPath()
	}
	return c.ProjectPath(c.Deploy.LocalRoot)
}

// ArchivePath returns the local archive location
func (c *Config) ArchivePath() string {
	return filepath.Join(c.LocalRoot(), c.Deploy.Archive.Name)
}

// ListFilePath returns the local manifest list file location
func (c *Config) ListFilePath() string {
	return filepath.Join(c.LocalRoot(), c.Deploy.Archive.ListFile)
}

// RemoteArchivePath returns where the archive is uploaded on the server
func (c *Config) RemoteArchivePath() string {
	return path.Join(c.Deploy.RemoteRoot, c.Deploy.Archive.Name)
}

// TaskFilePath returns the watch task sidecar file location
func (c *Config) TaskFilePath() string {
	return c.ProjectPath(c.Watch.TaskFile)
}

// ServerAddr returns host:port of the SSH server
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
