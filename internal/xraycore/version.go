package xraycore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrNotInstalled is returned when no core binary exists at the canonical path.
var ErrNotInstalled = errors.New("core is not installed")

var errInvalidVersionOutput = errors.New("invalid version output format")

// versionCommandTimeout bounds the `xray version` invocation.
const versionCommandTimeout = 10 * time.Second

// InstalledVersion reports the version string of the binary at binaryPath by
// running its version command. It distinguishes "nothing installed" from a
// binary that fails to report itself.
func InstalledVersion(ctx context.Context, binaryPath string) (string, error) {
	if _, err := os.Stat(binaryPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotInstalled
		}

		return "", fmt.Errorf("stat core binary: %w", err)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, versionCommandTimeout)
	defer cancel()

	output, err := exec.CommandContext(cmdCtx, binaryPath, "version").Output()
	if err != nil {
		return "", fmt.Errorf("run version command: %w", err)
	}

	return parseVersionOutput(string(output))
}

// parseVersionOutput extracts the version token from output such as
// "Xray 1.8.4 (Xray, Penetrates Everything.) ...".
func parseVersionOutput(output string) (string, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(output), "\n")

	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "Xray" {
		return "", fmt.Errorf("%w: %q", errInvalidVersionOutput, line)
	}

	return fields[1], nil
}
