// Package config loads the delivery engine configuration: production
// defaults, an optional YAML file, then environment overrides, in that
// order. The dev profile shortens the orphan threshold and relaxes the
// router score floor.
package config
