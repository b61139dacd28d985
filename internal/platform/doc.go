// Package platform maps the host OS and CPU architecture onto the closed set
// of targets the core is published for.
package platform
