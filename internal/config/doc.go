// Package config loads relay configuration from YAML with ${VAR} environment
// expansion, then applies COVEN_RELAY_* environment overrides on top. Every
// option has a default, so an empty file and no environment is a valid,
// fully-tuned configuration.
package config
