// Package config loads and validates Shepherd's YAML configuration.
// Validation rejects bad configs before anything is applied: capacity below
// two, an empty domain set, or a probe timeout that is not strictly shorter
// than the probe interval are all hard errors.
package config
