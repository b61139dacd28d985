package compose

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jellyenderson/marzban-node-updater/internal/logger"
)

// ErrRestartFailed is returned when the compose command exits non-zero.
// The already-applied install and config patch are not rolled back.
var ErrRestartFailed = errors.New("service restart failed")

// Runner restarts the managed service. The updater treats it as opaque and
// never inspects container runtime state itself.
type Runner interface {
	Restart(ctx context.Context, configPath, projectName string) error
}

// CLIRunner restarts the service through the compose command line.
type CLIRunner struct {
	// Command is the compose invocation prefix, e.g. ["docker", "compose"]
	// or ["docker-compose"], as detected by the prerequisite check.
	Command []string
}

// Restart runs `<compose> -f configPath -p projectName restart`.
func (r CLIRunner) Restart(ctx context.Context, configPath, projectName string) error {
	if len(r.Command) == 0 {
		return fmt.Errorf("%w: no compose command configured", ErrRestartFailed)
	}

	argv := append(append([]string{}, r.Command...),
		"-f", configPath, "-p", projectName, "restart")

	logger.InfoKV(ctx, "Restarting service",
		"command", strings.Join(argv, " "), "project", projectName)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %v: %s", ErrRestartFailed, err, strings.TrimSpace(string(output)))
	}

	return nil
}
