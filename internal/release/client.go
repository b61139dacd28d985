package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jellyenderson/marzban-node-updater/internal/logger"
	"github.com/jellyenderson/marzban-node-updater/internal/version"
)

// LatestTag is the sentinel version request resolved to the most recent
// release. It is never persisted and never passed to the manifest endpoints.
const LatestTag = "latest"

const (
	// defaultBaseURL is the releases index API root.
	defaultBaseURL = "https://api.github.com"

	// defaultTimeout bounds every index query. Manifest queries are not
	// retried, so the transport timeout is the only budget they get.
	defaultTimeout = 30 * time.Second
)

var (
	// ErrNoReleasesFound is returned when the repository has no releases
	// to resolve "latest" against.
	ErrNoReleasesFound = errors.New("no releases found")
	// ErrReleaseNotFound is returned when an explicitly requested tag has
	// no matching release.
	ErrReleaseNotFound = errors.New("release not found")
	// ErrTransientFetch wraps network-level and server-side failures that
	// the caller may choose to retry.
	ErrTransientFetch = errors.New("transient fetch failure")
)

// Asset is one downloadable file attached to a release.
type Asset struct {
	// Name is the published file name.
	Name string `json:"name"`
	// DownloadURL is where the asset body is served from.
	DownloadURL string `json:"browser_download_url"`
}

// Release is one tagged publication with its asset manifest.
type Release struct {
	// TagName is the release tag.
	TagName string `json:"tag_name"`
	// Assets is the ordered asset manifest of the release.
	Assets []Asset `json:"assets"`
}

// Ref names one concrete release of one repository. Tag is never LatestTag.
type Ref struct {
	// Repository is the "owner/name" source repository.
	Repository string
	// Tag is the resolved release tag.
	Tag string
}

// Client queries the releases index over HTTPS.
type Client struct {
	// baseURL is the API root, overridable for tests.
	baseURL string
	// token is an optional bearer credential raising the rate-limit ceiling.
	token string
	// httpClient performs the requests.
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at a different index root.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithToken attaches a bearer credential to every index request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a releases index client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Resolve turns a version request into a concrete Ref. An empty or LatestTag
// request queries the index for the most recent release; anything else is
// taken verbatim without confirming existence — the manifest fetch reports
// ErrReleaseNotFound for tags that do not exist.
func (c *Client) Resolve(ctx context.Context, repo, requested string) (Ref, error) {
	if requested != "" && requested != LatestTag {
		return Ref{Repository: repo, Tag: requested}, nil
	}

	latest, err := c.Latest(ctx, repo)
	if err != nil {
		return Ref{}, err
	}

	logger.InfoKV(ctx, "Resolved latest release", "repository", repo, "tag", latest.TagName)

	return Ref{Repository: repo, Tag: latest.TagName}, nil
}

// Latest returns the single most recent release of the repository.
func (c *Client) Latest(ctx context.Context, repo string) (*Release, error) {
	var rel Release
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/releases/latest", repo), ErrNoReleasesFound, &rel); err != nil {
		return nil, err
	}

	if rel.TagName == "" {
		return nil, fmt.Errorf("%w: %s reports a release without a tag", ErrNoReleasesFound, repo)
	}

	return &rel, nil
}

// ByTag returns the release manifest for an explicit tag.
func (c *Client) ByTag(ctx context.Context, repo, tag string) (*Release, error) {
	path := fmt.Sprintf("/repos/%s/releases/tags/%s", repo, url.PathEscape(tag))

	var rel Release
	if err := c.getJSON(ctx, path, ErrReleaseNotFound, &rel); err != nil {
		return nil, err
	}

	return &rel, nil
}

// Recent lists up to n most recent releases. The listing is cosmetic: it
// backs the usage output and plays no part in "latest" resolution.
func (c *Client) Recent(ctx context.Context, repo string, n int) ([]Release, error) {
	path := fmt.Sprintf("/repos/%s/releases?per_page=%d", repo, n)

	var rels []Release
	if err := c.getJSON(ctx, path, ErrNoReleasesFound, &rels); err != nil {
		return nil, err
	}

	return rels, nil
}

// getJSON performs one index query and decodes the response. A 404 maps to
// notFound; every other failure is transient by classification.
func (c *Client) getJSON(ctx context.Context, path string, notFound error, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("build index request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "marzban-node-updater/"+version.Short())

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientFetch, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", notFound, path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s returned %s", ErrTransientFetch, path, resp.Status)
	}

	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode index response: %v", ErrTransientFetch, err)
	}

	return nil
}
