// Package config loads gateway configuration from defaults, an optional YAML
// file, a .env file and STREAMGATE_* environment variables, in increasing
// order of precedence.
package config
