// Package adapter implements the execution engine that sits between command
// handlers and backend capability providers.
//
// An Engine wraps a core.Adapter and adds:
//
//   - lazy connection and one reconnect attempt after a connection error
//   - a sequential retry loop driven by policy.TimeoutPolicy
//   - per-attempt timeouts that grow by 30% per attempt (capped at 180s)
//   - retryability classification (IsRetryable)
//   - sanitized, wrapped terminal errors
//   - a health check that never fails
//
// Concrete adapters only implement the business meaning of their commands.
package adapter
