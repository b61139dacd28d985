// Package prereq verifies and, where possible, installs the external tools
// the updater shells out to.
package prereq
