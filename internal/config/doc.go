// Package config loads gateway settings from the process environment, an
// optional .env file and an optional YAML overlay, and validates them before
// any network connection is attempted.
package config
