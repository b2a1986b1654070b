// Package config loads voxpipe's TOML configuration file and applies
// environment overrides on top of it. Command line flags are layered on top
// by the cli package.
package config
