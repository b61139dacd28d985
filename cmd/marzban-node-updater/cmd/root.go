package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jellyenderson/marzban-node-updater/internal/compose"
	"github.com/jellyenderson/marzban-node-updater/internal/config"
	"github.com/jellyenderson/marzban-node-updater/internal/logger"
	"github.com/jellyenderson/marzban-node-updater/internal/platform"
	"github.com/jellyenderson/marzban-node-updater/internal/prereq"
	"github.com/jellyenderson/marzban-node-updater/internal/release"
	"github.com/jellyenderson/marzban-node-updater/internal/service/coreupdate"
	"github.com/jellyenderson/marzban-node-updater/internal/version"
	"github.com/jellyenderson/marzban-node-updater/internal/xraycore"
)

// notInstalledSentinel is printed when no core binary is present.
const notInstalledSentinel = "Not installed"

var (
	// logLevel is the value of the --log-level flag.
	logLevel string

	// rootCmd prints the status view; the actual work lives in subcommands.
	rootCmd = &cobra.Command{
		Use:           "marzban-node-updater",
		Short:         "Install and update the Xray core of a marzban-node deployment",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level, ok := logger.ParseLogLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", logLevel)
			}

			logger.SetLevel(level)

			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd)
		},
	}

	// coreUpdateCmd downloads and installs a core release.
	coreUpdateCmd = &cobra.Command{
		Use:   "core-update [version]",
		Short: "Download a core release, install it and restart the node",
		Long: "Download the requested core release (or the most recent one when the " +
			"version is omitted or \"latest\"), unpack it into the node data directory, " +
			"point the service definition at the new binary and restart the managed container.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			requested := ""
			if len(args) > 0 {
				requested = args[0]
			}

			return coreupdate.New(cfg, coreupdate.Deps{}).Run(ctx, requested)
		},
	}
)

// Execute runs the CLI. Every failure is printed with a machine-stable
// leading category word and exits non-zero.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", category(err), err)
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	rootCmd.AddCommand(coreUpdateCmd)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "logging level (debug, info, warn, error, fatal)")
}

// runStatus prints usage, the installed core version and a short listing of
// recent releases. The listing is best effort: an unreachable index must not
// fail the status view.
func runStatus(cmd *cobra.Command) error {
	if err := cmd.Help(); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	installed, err := xraycore.InstalledVersion(cmd.Context(), cfg.BinaryPath())
	if err != nil {
		installed = notInstalledSentinel
	}

	fmt.Fprintf(out, "\nInstalled core: %s\n", installed)

	client := release.NewClient(release.WithToken(cfg.GithubToken))

	recent, err := client.Recent(cmd.Context(), cfg.Repository, cfg.ReleaseWindow)
	if err != nil || len(recent) == 0 {
		return nil
	}

	tags := make([]string, 0, len(recent))
	for _, rel := range recent {
		tags = append(tags, rel.TagName)
	}

	fmt.Fprintf(out, "Recent releases of %s: %s\n", cfg.Repository, strings.Join(tags, ", "))

	return nil
}

// category maps an error to its stable taxonomy word for scripting.
func category(err error) string {
	switch {
	case errors.Is(err, platform.ErrUnsupportedOS):
		return "UnsupportedOS"
	case errors.Is(err, platform.ErrUnsupportedArchitecture):
		return "UnsupportedArchitecture"
	case errors.Is(err, release.ErrNoReleasesFound):
		return "NoReleasesFound"
	case errors.Is(err, release.ErrReleaseNotFound):
		return "ReleaseNotFound"
	case errors.Is(err, release.ErrTransientFetch):
		return "TransientFetchError"
	case errors.Is(err, xraycore.ErrNoMatchingAsset):
		return "NoMatchingAsset"
	case errors.Is(err, xraycore.ErrExtractionIncomplete):
		return "ExtractionIncomplete"
	case errors.Is(err, compose.ErrConfigNotFound):
		return "ConfigNotFound"
	case errors.Is(err, compose.ErrConfigMalformed):
		return "ConfigMalformed"
	case errors.Is(err, compose.ErrRestartFailed):
		return "RestartFailed"
	case errors.Is(err, prereq.ErrPrerequisiteMissing):
		return "PrerequisiteMissing"
	case errors.Is(err, coreupdate.ErrRootRequired):
		return "RootRequired"
	case strings.HasPrefix(err.Error(), "unknown command"):
		return "UnknownCommand"
	default:
		return "Error"
	}
}
