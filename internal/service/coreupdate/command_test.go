package coreupdate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jellyenderson/marzban-node-updater/internal/compose"
	"github.com/jellyenderson/marzban-node-updater/internal/config"
	"github.com/jellyenderson/marzban-node-updater/internal/platform"
	"github.com/jellyenderson/marzban-node-updater/internal/release"
)

type fakeResolver struct {
	releases []string // most recent first
	calls    int
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, repo, requested string) (release.Ref, error) {
	f.calls++

	if f.err != nil {
		return release.Ref{}, f.err
	}

	if requested != "" && requested != release.LatestTag {
		return release.Ref{Repository: repo, Tag: requested}, nil
	}

	if len(f.releases) == 0 {
		return release.Ref{}, release.ErrNoReleasesFound
	}

	return release.Ref{Repository: repo, Tag: f.releases[0]}, nil
}

type fakeFetcher struct {
	installedTag string
	target       platform.Target
	destDir      string
	err          error
}

func (f *fakeFetcher) Install(_ context.Context, ref release.Ref, target platform.Target, destDir string) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	f.installedTag = ref.Tag
	f.target = target
	f.destDir = destDir

	return filepath.Join(destDir, "xray"), nil
}

type fakeRestarter struct {
	calls int
	err   error
}

func (f *fakeRestarter) Restart(_ context.Context, _, _ string) error {
	f.calls++
	return f.err
}

type fixture struct {
	cfg       *config.Config
	resolver  *fakeResolver
	fetcher   *fakeFetcher
	restarter *fakeRestarter
	patches   []compose.Patch
	patchErr  error
}

func newFixture(releases ...string) *fixture {
	return &fixture{
		cfg: &config.Config{
			Repository:     "acme/core",
			ReleaseWindow:  5,
			AppName:        "marzban-node",
			DataDir:        "/var/lib/marzban-node",
			ComposeFile:    "/opt/marzban-node/docker-compose.yml",
			ExecutablePath: "/var/lib/marzban-node/xray-core/xray",
		},
		resolver:  &fakeResolver{releases: releases},
		fetcher:   &fakeFetcher{},
		restarter: &fakeRestarter{},
	}
}

func (fx *fixture) service() *Service {
	return New(fx.cfg, Deps{
		Resolver:  fx.resolver,
		Fetcher:   fx.fetcher,
		Restarter: fx.restarter,
		Patch: func(_ string, p compose.Patch) error {
			if fx.patchErr != nil {
				return fx.patchErr
			}

			fx.patches = append(fx.patches, p)

			return nil
		},
		ProbePlatform: func() (platform.Target, error) { return platform.TargetAMD64, nil },
		Euid:          func() int { return 0 },
	})
}

// TestRunLatestEndToEnd resolves "latest" against [v3 v2 v1], installs v3 and
// applies exactly the documented patch before restarting.
func TestRunLatestEndToEnd(t *testing.T) {
	t.Parallel()

	fx := newFixture("v3", "v2", "v1")

	require.NoError(t, fx.service().Run(context.Background(), release.LatestTag))

	require.Equal(t, "v3", fx.fetcher.installedTag)
	require.Equal(t, platform.TargetAMD64, fx.fetcher.target)
	require.Equal(t, "/var/lib/marzban-node/xray-core", fx.fetcher.destDir)

	require.Len(t, fx.patches, 1)
	require.Equal(t, compose.Patch{
		Service:    "marzban-node",
		EnvKey:     "XRAY_EXECUTABLE_PATH",
		EnvValue:   "/var/lib/marzban-node/xray-core/xray",
		MountEntry: "/var/lib/marzban-node:/var/lib/marzban-node",
	}, fx.patches[0])

	require.Equal(t, 1, fx.restarter.calls)
}

// TestRunExplicitTag installs the verbatim tag without touching the index.
func TestRunExplicitTag(t *testing.T) {
	t.Parallel()

	fx := newFixture()

	require.NoError(t, fx.service().Run(context.Background(), "v1.8.4"))
	require.Equal(t, "v1.8.4", fx.fetcher.installedTag)
}

// TestRunRequiresRoot fails before any collaborator is consulted.
func TestRunRequiresRoot(t *testing.T) {
	t.Parallel()

	fx := newFixture("v3")
	svc := New(fx.cfg, Deps{
		Resolver:      fx.resolver,
		Fetcher:       fx.fetcher,
		Restarter:     fx.restarter,
		Patch:         func(string, compose.Patch) error { return nil },
		ProbePlatform: func() (platform.Target, error) { return platform.TargetAMD64, nil },
		Euid:          func() int { return 1000 },
	})

	require.ErrorIs(t, svc.Run(context.Background(), ""), ErrRootRequired)
	require.Zero(t, fx.resolver.calls)
	require.Zero(t, fx.restarter.calls)
}

// TestRunReleaseNotFoundAborts stops before patch and restart.
func TestRunReleaseNotFoundAborts(t *testing.T) {
	t.Parallel()

	fx := newFixture()
	fx.fetcher.err = release.ErrReleaseNotFound

	err := fx.service().Run(context.Background(), "v0.0.0-doesnotexist")
	require.ErrorIs(t, err, release.ErrReleaseNotFound)
	require.Empty(t, fx.patches)
	require.Zero(t, fx.restarter.calls)
}

// TestRunNoReleasesFound propagates the resolver failure.
func TestRunNoReleasesFound(t *testing.T) {
	t.Parallel()

	fx := newFixture() // empty release list

	err := fx.service().Run(context.Background(), "")
	require.ErrorIs(t, err, release.ErrNoReleasesFound)
	require.Empty(t, fx.fetcher.installedTag)
}

// TestRunPatchFailureSkipsRestart aborts between patch and restart.
func TestRunPatchFailureSkipsRestart(t *testing.T) {
	t.Parallel()

	fx := newFixture("v3")
	fx.patchErr = compose.ErrConfigNotFound

	err := fx.service().Run(context.Background(), "")
	require.ErrorIs(t, err, compose.ErrConfigNotFound)
	require.Zero(t, fx.restarter.calls)
}

// TestRunRestartFailureIsTerminalButNotRolledBack surfaces the restart error
// after the install and patch already happened.
func TestRunRestartFailureIsTerminalButNotRolledBack(t *testing.T) {
	t.Parallel()

	fx := newFixture("v3")
	fx.restarter.err = compose.ErrRestartFailed

	err := fx.service().Run(context.Background(), "")
	require.ErrorIs(t, err, compose.ErrRestartFailed)

	// Install and patch were applied and stay applied.
	require.Equal(t, "v3", fx.fetcher.installedTag)
	require.Len(t, fx.patches, 1)
}

// TestRunUnsupportedPlatformAborts fails before resolving anything.
func TestRunUnsupportedPlatformAborts(t *testing.T) {
	t.Parallel()

	fx := newFixture("v3")
	svc := New(fx.cfg, Deps{
		Resolver:  fx.resolver,
		Fetcher:   fx.fetcher,
		Restarter: fx.restarter,
		Patch:     func(string, compose.Patch) error { return nil },
		ProbePlatform: func() (platform.Target, error) {
			return "", platform.ErrUnsupportedArchitecture
		},
		Euid: func() int { return 0 },
	})

	err := svc.Run(context.Background(), "")
	require.ErrorIs(t, err, platform.ErrUnsupportedArchitecture)
	require.Zero(t, fx.resolver.calls)
}

// TestRunUsesConfiguredVersionOverride falls back to the configured tag when
// the caller passes no explicit version.
func TestRunUsesConfiguredVersionOverride(t *testing.T) {
	t.Parallel()

	fx := newFixture("v3")
	fx.cfg.Version = "v2.0.0"

	require.NoError(t, fx.service().Run(context.Background(), ""))
	require.Equal(t, "v2.0.0", fx.fetcher.installedTag)
}

func TestRunResolverTransientFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture("v3")
	fx.resolver.err = release.ErrTransientFetch

	err := fx.service().Run(context.Background(), release.LatestTag)
	require.ErrorIs(t, err, release.ErrTransientFetch)
	require.Empty(t, fx.fetcher.installedTag)
}

var errSentinel = errors.New("sentinel")

// TestRunPropagatesFetcherErrors keeps unknown error kinds intact.
func TestRunPropagatesFetcherErrors(t *testing.T) {
	t.Parallel()

	fx := newFixture("v3")
	fx.fetcher.err = errSentinel

	require.ErrorIs(t, fx.service().Run(context.Background(), ""), errSentinel)
}
