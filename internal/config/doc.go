// Package config loads the council daemon configuration from a YAML or JSON
// file, applies defaults and validates the retry, budget and memory tables.
package config
