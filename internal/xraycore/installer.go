package xraycore

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	goupdate "github.com/doitdistributed/go-update"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/jellyenderson/marzban-node-updater/internal/logger"
	"github.com/jellyenderson/marzban-node-updater/internal/platform"
	"github.com/jellyenderson/marzban-node-updater/internal/release"
)

var (
	// ErrNoMatchingAsset is returned when a release publishes no archive
	// for the target platform.
	ErrNoMatchingAsset = errors.New("no matching asset for platform")
	// ErrExtractionIncomplete is returned when the archive did not yield an
	// executable at the canonical path.
	ErrExtractionIncomplete = errors.New("extraction did not produce the core executable")
)

const (
	// BinaryName is the canonical executable name inside the install directory.
	BinaryName = "xray"

	// assetPrefix is the fixed stem of published core archives.
	assetPrefix = "Xray-linux-"

	// downloadAttempts is the fixed retry budget for the asset download.
	// Network-level failures and 5xx responses are retried; plain 4xx
	// responses are not transient and fail immediately.
	downloadAttempts = 3

	// executableMode is applied to the installed core binary.
	executableMode os.FileMode = 0o755

	// anyExecuteBits selects the execute permission bits of a file mode.
	anyExecuteBits os.FileMode = 0o111
)

// ArchiveKind is the container format of a selected asset, inferred from its
// download URL suffix rather than from user input.
type ArchiveKind string

const (
	// KindTarGz is a gzip-compressed tarball, the preferred format.
	KindTarGz ArchiveKind = "tar.gz"
	// KindZip is a zip archive, accepted when no tarball is published.
	KindZip ArchiveKind = "zip"
)

// ManifestFetcher is the slice of the releases client the installer needs.
type ManifestFetcher interface {
	ByTag(ctx context.Context, repo, tag string) (*release.Release, error)
}

// Installer downloads, verifies and unpacks one core release into a
// destination directory, replacing whatever was installed before.
type Installer struct {
	// releases fetches asset manifests.
	releases ManifestFetcher
	// downloader performs the archive download with bounded retry.
	downloader *retryablehttp.Client
}

// Option customizes an Installer.
type Option func(*Installer)

// WithDownloadClient replaces the retrying download client.
func WithDownloadClient(c *retryablehttp.Client) Option {
	return func(i *Installer) { i.downloader = c }
}

// NewInstaller creates an Installer using the provided manifest fetcher.
func NewInstaller(releases ManifestFetcher, opts ...Option) *Installer {
	dl := retryablehttp.NewClient()
	dl.RetryMax = downloadAttempts - 1
	dl.Logger = nil

	i := &Installer{
		releases:   releases,
		downloader: dl,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// SelectAsset picks the archive for the target out of a manifest. The
// tarball is preferred over the zip regardless of manifest order; the
// archive kind is inferred from the chosen asset's URL suffix.
func SelectAsset(assets []release.Asset, target platform.Target) (release.Asset, ArchiveKind, error) {
	names := []string{
		assetPrefix + target.Suffix() + ".tar.gz",
		assetPrefix + target.Suffix() + ".zip",
	}

	for _, wanted := range names {
		for _, asset := range assets {
			if asset.Name != wanted {
				continue
			}

			switch {
			case strings.HasSuffix(asset.DownloadURL, ".tar.gz"):
				return asset, KindTarGz, nil
			case strings.HasSuffix(asset.DownloadURL, ".zip"):
				return asset, KindZip, nil
			default:
				return release.Asset{}, "", fmt.Errorf("%w: unrecognized archive suffix in %s",
					ErrNoMatchingAsset, asset.DownloadURL)
			}
		}
	}

	return release.Asset{}, "", fmt.Errorf("%w: target %s", ErrNoMatchingAsset, target.Suffix())
}

// Install fetches the manifest for ref, downloads the platform archive and
// unpacks it into destDir. The previously installed binary is removed before
// extraction; on any failure destDir is left without an executable at the
// canonical path, never with a stale one. The returned path is the installed
// executable.
func (i *Installer) Install(ctx context.Context, ref release.Ref, target platform.Target, destDir string) (string, error) {
	rel, err := i.releases.ByTag(ctx, ref.Repository, ref.Tag)
	if err != nil {
		return "", err
	}

	asset, kind, err := SelectAsset(rel.Assets, target)
	if err != nil {
		return "", err
	}

	logger.InfoKV(ctx, "Selected release asset",
		"tag", ref.Tag, "asset", asset.Name, "kind", string(kind))

	if err = os.MkdirAll(destDir, executableMode); err != nil {
		return "", fmt.Errorf("prepare install directory: %w", err)
	}

	archivePath, err := i.download(ctx, asset.DownloadURL, destDir)
	if err != nil {
		return "", err
	}

	// The archive is temporary on success and failure alike.
	defer func() {
		_ = os.Remove(archivePath)
	}()

	binaryPath := filepath.Join(destDir, BinaryName)

	// Drop the old binary first so a partial extraction can never leave a
	// stale executable of a different version at the canonical path.
	if err = os.Remove(binaryPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("remove previous core binary: %w", err)
	}

	if err = extract(kind, archivePath, destDir, binaryPath); err != nil {
		_ = os.Remove(binaryPath)
		return "", err
	}

	if err = verifyExecutable(binaryPath); err != nil {
		_ = os.Remove(binaryPath)
		return "", err
	}

	logger.InfoKV(ctx, "Core installed", "path", binaryPath, "tag", ref.Tag)

	return binaryPath, nil
}

// download fetches the archive into a temporary file inside destDir and
// returns its path. Retries are handled by the underlying client; exhausted
// retries and connection failures surface as transient fetch errors.
func (i *Installer) download(ctx context.Context, url, destDir string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := i.downloader.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: download %s: %v", release.ErrTransientFetch, url, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: download %s: %s", release.ErrTransientFetch, url, resp.Status)
	}

	tmp, err := os.CreateTemp(destDir, "core-download-*")
	if err != nil {
		return "", fmt.Errorf("create download file: %w", err)
	}

	if _, err = io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return "", fmt.Errorf("%w: save %s: %v", release.ErrTransientFetch, url, err)
	}

	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close download file: %w", err)
	}

	return tmp.Name(), nil
}

// extract unpacks the archive into destDir. Auxiliary files are written in
// place; the core executable itself is applied through go-update so it lands
// at the canonical path atomically and with the executable mode set.
func extract(kind ArchiveKind, archivePath, destDir, binaryPath string) error {
	switch kind {
	case KindTarGz:
		return extractTarGz(archivePath, destDir, binaryPath)
	case KindZip:
		return extractZip(archivePath, destDir, binaryPath)
	default:
		return fmt.Errorf("%w: unsupported archive kind %q", ErrExtractionIncomplete, kind)
	}
}

func extractTarGz(archivePath, destDir, binaryPath string) error {
	f, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionIncomplete, err)
	}

	defer func() {
		_ = gz.Close()
	}()

	tr := tar.NewReader(gz)

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("%w: read tar header: %v", ErrExtractionIncomplete, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			target, err := entryTarget(destDir, header.Name)
			if err != nil {
				return err
			}

			if err = os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(destDir, header.Name, tr, os.FileMode(header.Mode), binaryPath); err != nil {
				return err
			}
		default:
			// Links and special entries are not part of core archives.
		}
	}
}

func extractZip(archivePath, destDir, binaryPath string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionIncomplete, err)
	}

	defer func() {
		_ = reader.Close()
	}()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			target, err := entryTarget(destDir, file.Name)
			if err != nil {
				return err
			}

			if err = os.MkdirAll(target, file.Mode()); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}

			continue
		}

		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("%w: open entry %s: %v", ErrExtractionIncomplete, file.Name, err)
		}

		err = writeEntry(destDir, file.Name, rc, file.Mode(), binaryPath)

		_ = rc.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

// entryTarget resolves an archive entry name under destDir, rejecting paths
// that would escape it.
func entryTarget(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %s escapes install directory", ErrExtractionIncomplete, name)
	}

	return target, nil
}

// writeEntry stores one regular archive entry. The entry matching the core
// executable goes through go-update (write-then-rename, executable mode);
// everything else is written directly.
func writeEntry(destDir, name string, r io.Reader, mode os.FileMode, binaryPath string) error {
	target, err := entryTarget(destDir, name)
	if err != nil {
		return err
	}

	if filepath.Base(target) == filepath.Base(binaryPath) && filepath.Dir(target) == filepath.Dir(binaryPath) {
		return applyBinary(r, binaryPath)
	}

	if err = os.MkdirAll(filepath.Dir(target), executableMode); err != nil {
		return fmt.Errorf("prepare entry %s: %w", name, err)
	}

	out, err := os.OpenFile(filepath.Clean(target), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}

	if _, err = io.Copy(out, r); err != nil {
		_ = out.Close()
		return fmt.Errorf("%w: write entry %s: %v", ErrExtractionIncomplete, name, err)
	}

	if err = out.Close(); err != nil {
		return fmt.Errorf("close entry %s: %w", name, err)
	}

	return nil
}

// applyBinary places the executable at binaryPath via go-update.
func applyBinary(r io.Reader, binaryPath string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("%w: read executable entry: %v", ErrExtractionIncomplete, err)
	}

	options := goupdate.Options{
		TargetPath: binaryPath,
		TargetMode: executableMode,
	}

	if err = goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return fmt.Errorf("%w: apply executable: %v", ErrExtractionIncomplete, err)
	}

	// go-update keeps the replaced file around; there is nothing to roll
	// back to once the new binary is verified.
	oldPath := binaryPath + ".old"
	if _, err = os.Stat(oldPath); err == nil {
		_ = os.Remove(oldPath)
	}

	return nil
}

// verifyExecutable is the post-condition of an install: the canonical binary
// exists and carries an execute bit.
func verifyExecutable(binaryPath string) error {
	info, err := os.Stat(binaryPath)
	if err != nil {
		return fmt.Errorf("%w: %s is missing", ErrExtractionIncomplete, binaryPath)
	}

	if info.IsDir() || info.Mode()&anyExecuteBits == 0 {
		return fmt.Errorf("%w: %s is not executable", ErrExtractionIncomplete, binaryPath)
	}

	return nil
}
