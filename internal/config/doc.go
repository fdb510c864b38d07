// Package config loads adapter settings and merges launch-configuration
// defaults.
//
// Settings come from three layers with increasing precedence: built-in
// defaults, the spyglass.yaml settings file (or SPYGLASS_* environment
// variables), and per-session overlays sent by the client.
package config
