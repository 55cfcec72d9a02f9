// Package config loads chatcore's YAML configuration with ${ENV_VAR}
// expansion and duration-string parsing for the presence watchdog timings.
package config
