package platform

import (
	"errors"
	"fmt"
	"runtime"
)

// Target identifies one supported OS/architecture combination. Its string
// value is the platform suffix used in release asset names.
type Target string

const (
	// TargetAMD64 is 64-bit x86, published with the "64" suffix.
	TargetAMD64 Target = "64"
	// TargetARM64 is 64-bit ARM, published with the "arm64-v8a" suffix.
	TargetARM64 Target = "arm64-v8a"
	// TargetI386 is 32-bit x86, published with the "32" suffix.
	TargetI386 Target = "32"
)

// SupportedOS is the only kernel the node runs on. The comparison in Probe
// is exact and case-sensitive.
const SupportedOS = "linux"

var (
	// ErrUnsupportedOS is returned for any OS other than SupportedOS.
	ErrUnsupportedOS = errors.New("unsupported operating system")
	// ErrUnsupportedArchitecture is returned for unknown machine architectures.
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
)

// Probe maps the reported OS name and machine architecture onto a Target.
// It is a pure function: no side effects, no retries — the host does not
// change mid-run.
func Probe(osName, arch string) (Target, error) {
	if osName != SupportedOS {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedOS, osName)
	}

	switch arch {
	case "amd64", "x86_64":
		return TargetAMD64, nil
	case "arm64", "aarch64":
		return TargetARM64, nil
	case "386", "i386", "i686":
		return TargetI386, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, arch)
	}
}

// ProbeHost probes the platform the process is running on.
func ProbeHost() (Target, error) {
	return Probe(runtime.GOOS, runtime.GOARCH)
}

// Suffix returns the asset-name suffix for the target.
func (t Target) Suffix() string {
	return string(t)
}
