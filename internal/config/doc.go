// Package config loads the YAML runtime configuration for riskd and fills in
// defaults relative to the configuration file's directory.
package config
