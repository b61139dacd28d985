package prereq

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jellyenderson/marzban-node-updater/internal/logger"
)

// ErrPrerequisiteMissing is returned when a required external tool is absent
// and cannot be installed.
var ErrPrerequisiteMissing = errors.New("prerequisite tool missing")

// Installer makes sure external tools the updater shells out to are present.
// The core workflow only depends on this interface, so it is testable
// without any real package manager.
type Installer interface {
	Ensure(ctx context.Context, tool string) error
}

// SystemInstaller installs missing tools through the host package manager.
type SystemInstaller struct{}

// packageManagers lists known install commands, probed in order.
var packageManagers = [][]string{
	{"apt-get", "install", "-y"},
	{"dnf", "install", "-y"},
	{"yum", "install", "-y"},
	{"apk", "add"},
}

// Ensure checks for the tool on PATH and attempts a package-manager install
// when it is missing.
func (SystemInstaller) Ensure(ctx context.Context, tool string) error {
	if _, err := exec.LookPath(tool); err == nil {
		return nil
	}

	manager := detectPackageManager()
	if manager == nil {
		return fmt.Errorf("%w: %s (no supported package manager found)", ErrPrerequisiteMissing, tool)
	}

	logger.InfoKV(ctx, "Installing missing prerequisite",
		"tool", tool, "manager", manager[0])

	args := append(append([]string{}, manager[1:]...), tool)

	output, err := exec.CommandContext(ctx, manager[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: install %s: %v: %s",
			ErrPrerequisiteMissing, tool, err, strings.TrimSpace(string(output)))
	}

	if _, err = exec.LookPath(tool); err != nil {
		return fmt.Errorf("%w: %s still absent after install", ErrPrerequisiteMissing, tool)
	}

	return nil
}

// detectPackageManager returns the first known install command on PATH.
func detectPackageManager() []string {
	for _, manager := range packageManagers {
		if _, err := exec.LookPath(manager[0]); err == nil {
			return manager
		}
	}

	return nil
}

// ComposeCommand resolves the compose invocation prefix available on the
// host, preferring the docker plugin form over the standalone binary.
func ComposeCommand() ([]string, error) {
	if _, err := exec.LookPath("docker"); err == nil {
		return []string{"docker", "compose"}, nil
	}

	if _, err := exec.LookPath("docker-compose"); err == nil {
		return []string{"docker-compose"}, nil
	}

	return nil, fmt.Errorf("%w: docker compose", ErrPrerequisiteMissing)
}
