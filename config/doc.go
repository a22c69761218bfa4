// Package config loads relay configuration from a YAML file with an
// overlay of BLINK_* environment variables.
package config
