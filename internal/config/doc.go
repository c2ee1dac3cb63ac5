// Package config loads the LeoPrime runtime configuration: a YAML file,
// an optional .env file next to it, and environment overrides for secrets.
// Validation happens once at load time so that missing credentials fail the
// process at startup instead of inside a running phase.
package config
