// Package coreupdate orchestrates one update of the node's proxy core:
// resolve the requested release, install its platform artifact, point the
// service definition at the new binary and restart the managed container.
//
// Every step aborts the workflow on failure. There is no compensating
// transaction: a failed restart leaves the new binary and the patched config
// in place, and the process exits non-zero.
package coreupdate
