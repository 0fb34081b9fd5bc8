// Package config loads, normalizes, and validates avatarctl configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours AVATARCTL_* environment overrides.
// The Config type centralizes every knob the CLI needs: the API endpoint and
// request timeout, the credential file, polling policy, the job ledger and
// logging.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, bounded poll intervals, and clear validation errors.
package config
