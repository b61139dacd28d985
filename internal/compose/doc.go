// Package compose edits the node's service-definition document and restarts
// the managed service.
//
// The patcher owns the document for the duration of one patch: it reads,
// mutates the YAML node tree in place and rewrites the file atomically.
// Repeated patches are no-ops, so the updater can run any number of times
// without accumulating duplicate mounts or environment keys.
package compose
