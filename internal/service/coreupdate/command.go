package coreupdate

import (
	"context"
	"errors"
	"os"

	"github.com/jellyenderson/marzban-node-updater/internal/compose"
	"github.com/jellyenderson/marzban-node-updater/internal/config"
	"github.com/jellyenderson/marzban-node-updater/internal/logger"
	"github.com/jellyenderson/marzban-node-updater/internal/platform"
	"github.com/jellyenderson/marzban-node-updater/internal/prereq"
	"github.com/jellyenderson/marzban-node-updater/internal/release"
	"github.com/jellyenderson/marzban-node-updater/internal/xraycore"
)

// ErrRootRequired is returned when the update command runs without elevated
// privilege. The check happens before any network activity.
var ErrRootRequired = errors.New("root privilege required")

// Resolver turns a version request into a concrete release reference.
type Resolver interface {
	Resolve(ctx context.Context, repo, requested string) (release.Ref, error)
}

// Fetcher downloads and unpacks one release into the destination directory.
type Fetcher interface {
	Install(ctx context.Context, ref release.Ref, target platform.Target, destDir string) (string, error)
}

// Deps are the collaborators of one update run. Zero fields are replaced by
// the production implementations; tests inject fakes.
type Deps struct {
	// Resolver resolves "latest" against the releases index.
	Resolver Resolver
	// Fetcher installs the selected release.
	Fetcher Fetcher
	// Patch mutates the service-definition document.
	Patch func(path string, p compose.Patch) error
	// Restarter restarts the managed service.
	Restarter compose.Runner
	// Prereqs provides external tools.
	Prereqs prereq.Installer
	// ComposeCommand detects the compose invocation prefix.
	ComposeCommand func() ([]string, error)
	// ProbePlatform reports the host target.
	ProbePlatform func() (platform.Target, error)
	// Euid reports the effective user id.
	Euid func() int
}

// Service executes the core-update workflow: privilege check, prerequisite
// check, platform probe, release resolution, artifact install, config patch,
// service restart — strictly in that order, aborting on the first failure.
type Service struct {
	cfg  *config.Config
	deps Deps
}

// New builds a Service, filling in production defaults for any collaborator
// not supplied.
func New(cfg *config.Config, deps Deps) *Service {
	if deps.Resolver == nil || deps.Fetcher == nil {
		client := release.NewClient(release.WithToken(cfg.GithubToken))

		if deps.Resolver == nil {
			deps.Resolver = client
		}

		if deps.Fetcher == nil {
			deps.Fetcher = xraycore.NewInstaller(client)
		}
	}

	if deps.Patch == nil {
		deps.Patch = compose.Apply
	}

	if deps.Prereqs == nil {
		deps.Prereqs = prereq.SystemInstaller{}
	}

	if deps.ComposeCommand == nil {
		deps.ComposeCommand = prereq.ComposeCommand
	}

	if deps.ProbePlatform == nil {
		deps.ProbePlatform = platform.ProbeHost
	}

	if deps.Euid == nil {
		deps.Euid = os.Geteuid
	}

	return &Service{cfg: cfg, deps: deps}
}

// Run performs one update. An empty requested version means "latest".
// Restart failure is reported but the installed binary and patched config
// stay in place; earlier steps are not transactional with the restart.
func (s *Service) Run(ctx context.Context, requested string) error {
	ctx = logger.WithName(ctx, "core-update")

	if s.deps.Euid() != 0 {
		return ErrRootRequired
	}

	restarter, err := s.restarter(ctx)
	if err != nil {
		return err
	}

	target, err := s.deps.ProbePlatform()
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Probed host platform", "target", target.Suffix())

	if requested == "" {
		requested = s.cfg.Version
	}

	ref, err := s.deps.Resolver.Resolve(ctx, s.cfg.Repository, requested)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Installing core release",
		"repository", ref.Repository, "tag", ref.Tag, "destination", s.cfg.CoreDir())

	binaryPath, err := s.deps.Fetcher.Install(ctx, ref, target, s.cfg.CoreDir())
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Patching service definition",
		"config", s.cfg.ComposeFile, "service", s.cfg.AppName)

	patch := compose.Patch{
		Service:    s.cfg.AppName,
		EnvKey:     config.EnvVarExecutablePath,
		EnvValue:   s.cfg.ExecutablePath,
		MountEntry: s.cfg.MountEntry(),
	}
	if err = s.deps.Patch(s.cfg.ComposeFile, patch); err != nil {
		return err
	}

	if err = restarter.Restart(ctx, s.cfg.ComposeFile, s.cfg.AppName); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Core update completed",
		"tag", ref.Tag, "binary", binaryPath)

	return nil
}

// restarter resolves the restart collaborator, checking the docker
// prerequisite first so a missing runtime fails before any network activity.
func (s *Service) restarter(ctx context.Context) (compose.Runner, error) {
	if s.deps.Restarter != nil {
		return s.deps.Restarter, nil
	}

	if err := s.deps.Prereqs.Ensure(ctx, "docker"); err != nil {
		return nil, err
	}

	command, err := s.deps.ComposeCommand()
	if err != nil {
		return nil, err
	}

	return compose.CLIRunner{Command: command}, nil
}
