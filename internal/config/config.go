package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the settings for one updater invocation. It is built once at
// process start from the environment and passed into each component; nothing
// reads ambient state afterwards.
type Config struct {
	// Repository is the source repository of core releases, "owner/name" form.
	Repository string
	// ReleaseWindow is how many recent releases the listing view shows.
	// It does not affect "latest" resolution.
	ReleaseWindow int
	// AppName is the compose project and service name of the managed node.
	AppName string
	// DataDir is the host data directory holding the unpacked core and
	// bind-mounted into the container.
	DataDir string
	// ComposeFile is the path to the orchestration config file.
	ComposeFile string
	// ExecutablePath is the in-container path to the core executable,
	// written into the service environment.
	ExecutablePath string
	// Version is an explicit release tag override. Empty means "latest".
	Version string
	// GithubToken is an optional bearer credential for the releases API.
	// Its absence only lowers the rate-limit ceiling.
	GithubToken string
}

const (
	// DefaultRepository is the upstream repository of core releases.
	DefaultRepository = "XTLS/Xray-core"

	// DefaultReleaseWindow is how many recent releases are listed by default.
	DefaultReleaseWindow = 5

	// DefaultAppName is the compose project and service name.
	DefaultAppName = "marzban-node"

	// DefaultDataDir is the host directory bind-mounted into the container.
	DefaultDataDir = "/var/lib/marzban-node"

	// DefaultComposeFile is the orchestration config file of the node.
	DefaultComposeFile = "/opt/marzban-node/docker-compose.yml"

	// CoreSubdirectory is where the unpacked core lives under DataDir.
	CoreSubdirectory = "xray-core"

	// CoreBinaryName is the canonical executable name inside the core directory.
	CoreBinaryName = "xray"

	// EnvVarExecutablePath is the environment key patched into the service.
	EnvVarExecutablePath = "XRAY_EXECUTABLE_PATH"
)

var (
	// errRepositoryInvalid is returned when the repository is not "owner/name".
	errRepositoryInvalid = errors.New("repository must be in owner/name form")
	// errDataDirRequired is returned when the data directory is empty.
	errDataDirRequired = errors.New("data directory must be provided")
	// errComposeFileRequired is returned when the compose file path is empty.
	errComposeFileRequired = errors.New("compose file path must be provided")
)

// Load builds the configuration from the environment, applying defaults for
// anything unset, and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("core_repo", DefaultRepository)
	v.SetDefault("release_window", DefaultReleaseWindow)
	v.SetDefault("app_name", DefaultAppName)
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("compose_file", DefaultComposeFile)
	v.SetDefault("xray_executable_path", "")
	v.SetDefault("xray_version", "")
	v.SetDefault("github_token", "")

	cfg := &Config{
		Repository:     v.GetString("core_repo"),
		ReleaseWindow:  v.GetInt("release_window"),
		AppName:        v.GetString("app_name"),
		DataDir:        v.GetString("data_dir"),
		ComposeFile:    v.GetString("compose_file"),
		ExecutablePath: v.GetString("xray_executable_path"),
		Version:        v.GetString("xray_version"),
		GithubToken:    v.GetString("github_token"),
	}

	if cfg.ExecutablePath == "" {
		cfg.ExecutablePath = filepath.Join(cfg.DataDir, CoreSubdirectory, CoreBinaryName)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and formatting.
func Validate(cfg *Config) error {
	owner, name, ok := strings.Cut(cfg.Repository, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%w: %q", errRepositoryInvalid, cfg.Repository)
	}

	if cfg.DataDir == "" {
		return errDataDirRequired
	}

	if cfg.ComposeFile == "" {
		return errComposeFileRequired
	}

	if cfg.ReleaseWindow <= 0 {
		cfg.ReleaseWindow = DefaultReleaseWindow
	}

	return nil
}

// CoreDir returns the host directory holding the unpacked core.
func (c *Config) CoreDir() string {
	return filepath.Join(c.DataDir, CoreSubdirectory)
}

// BinaryPath returns the canonical host path of the installed core executable.
func (c *Config) BinaryPath() string {
	return filepath.Join(c.CoreDir(), CoreBinaryName)
}

// MountEntry returns the bind-mount entry recorded in the service definition.
func (c *Config) MountEntry() string {
	return c.DataDir + ":" + c.DataDir
}
