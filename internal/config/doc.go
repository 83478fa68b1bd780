// Package config loads the meshd runtime configuration from a JSON file,
// fills defaults, applies MESH_* environment overrides and validates the
// result before any component is constructed.
package config
