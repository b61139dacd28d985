package release

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestResolveLatest checks that "latest" and the empty request hit the index
// and return the most recent tag.
func TestResolveLatest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/core/releases/latest", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tag_name":"v3","assets":[{"name":"Xray-linux-64.zip","browser_download_url":"http://x/z"}]}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	for _, requested := range []string{"", LatestTag} {
		ref, err := c.Resolve(context.Background(), "acme/core", requested)
		require.NoError(t, err)
		require.Equal(t, Ref{Repository: "acme/core", Tag: "v3"}, ref)
	}
}

// TestResolveExplicitTagSkipsIndex verifies a concrete request never touches
// the network: existence is only confirmed by the manifest fetch later.
func TestResolveExplicitTagSkipsIndex(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))

	ref, err := c.Resolve(context.Background(), "acme/core", "v1.2.3")
	require.NoError(t, err)
	require.Equal(t, "v1.2.3", ref.Tag)
	require.Zero(t, calls.Load())
}

// TestLatestNoReleases maps both a 404 and a null tag to ErrNoReleasesFound.
func TestLatestNoReleases(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).Latest(context.Background(), "acme/empty")
	require.ErrorIs(t, err, ErrNoReleasesFound)

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"","assets":[]}`))
	}))
	defer srv2.Close()

	_, err = NewClient(WithBaseURL(srv2.URL)).Latest(context.Background(), "acme/empty")
	require.ErrorIs(t, err, ErrNoReleasesFound)
}

// TestByTagNotFound maps a missing tag to ErrReleaseNotFound, distinct from
// the transient kind.
func TestByTagNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).ByTag(context.Background(), "acme/core", "v0.0.0-doesnotexist")
	require.ErrorIs(t, err, ErrReleaseNotFound)
	require.NotErrorIs(t, err, ErrTransientFetch)
}

// TestTransientFailures classifies 5xx and connection errors as transient.
func TestTransientFailures(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).Latest(context.Background(), "acme/core")
	require.ErrorIs(t, err, ErrTransientFetch)

	// Connection refused: the server is already closed.
	srv.Close()

	_, err = NewClient(WithBaseURL(srv.URL)).Latest(context.Background(), "acme/core")
	require.ErrorIs(t, err, ErrTransientFetch)
}

// TestBearerTokenAttached checks the credential header when configured.
func TestBearerTokenAttached(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"tag_name":"v1","assets":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL), WithToken("sekret")).Latest(context.Background(), "acme/core")
	require.NoError(t, err)
}

// TestRecentWindow checks the listing endpoint carries the window size.
func TestRecentWindow(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/core/releases", r.URL.Path)
		require.Equal(t, "7", r.URL.Query().Get("per_page"))
		_, _ = w.Write([]byte(`[{"tag_name":"v3"},{"tag_name":"v2"},{"tag_name":"v1"}]`))
	}))
	defer srv.Close()

	rels, err := NewClient(WithBaseURL(srv.URL)).Recent(context.Background(), "acme/core", 7)
	require.NoError(t, err)
	require.Len(t, rels, 3)
	require.Equal(t, "v3", rels[0].TagName)
}
