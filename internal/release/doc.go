// Package release resolves version requests against the repository's
// releases index and fetches asset manifests.
//
// The manifest is fetched fresh on every invocation and never cached across
// runs. Index queries are not retried here; only the artifact download has a
// retry budget (see the xraycore package).
package release
