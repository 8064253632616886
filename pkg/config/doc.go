// Package config loads application configuration from LARIAT_* environment
// variables, with an optional YAML file overlay, and builds the shared AWS
// client configuration.
package config
