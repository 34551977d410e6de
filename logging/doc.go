// Package logging provides a minimal logging interface and adapters for toolmesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the router, coordinator, session store and adapter engine use for
// observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping a plain *slog.Logger
//   - MeshLogger with component/command context and a fatal level
//   - NoOpLogger for silent operation (testing, minimal setups)
//   - GuardProcess for logging uncaught panics before a controlled exit
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	mesh := toolmesh.New(func(o *toolmesh.Options) { o.Logger = logger })
package logging
