// Package config builds the updater settings from environment variables with
// sensible defaults and validates them.
//
// Every knob is optional: with an empty environment the updater targets the
// stock marzban-node layout (XTLS/Xray-core releases, /var/lib/marzban-node
// data directory, /opt/marzban-node/docker-compose.yml).
package config
