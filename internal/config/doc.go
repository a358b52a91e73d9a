// Package config loads the console-gateway YAML configuration with
// ${ENV_VAR} expansion and duration parsing.
package config
