// Package xraycore installs core releases: it selects the platform archive
// out of a release manifest, downloads it with bounded retry, unpacks it into
// the data directory and verifies that an executable landed at the canonical
// path. It also probes the version of an already installed core.
package xraycore
