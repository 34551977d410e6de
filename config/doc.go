// Package config loads toolmesh configuration.
//
// Configuration comes from a single file named by the TOOLMESH_CONFIG
// environment variable or the --config flag. YAML (.yaml, .yml) and JSON with
// comments (.json, .jsonc) are supported; values not present in the file keep
// their defaults. Watch re-reads the file when it changes so timeouts and
// retries can be tuned without a restart.
package config
