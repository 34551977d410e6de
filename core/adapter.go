package core

import (
	"context"
	"time"
)

// ExecOptions tunes a single adapter execution. Zero values fall back to the
// timeout policy.
type ExecOptions struct {
	// Operation names the policy key; defaults to the command name.
	Operation string
	// Timeout overrides the policy timeout for every attempt's base budget.
	Timeout time.Duration
	// MaxRetries overrides the policy retry count when non-nil.
	MaxRetries *int
}

// Retries is a helper for setting ExecOptions.MaxRetries inline.
func Retries(n int) *int { return &n }

// Adapter is the capability contract implemented by backend providers
// (search, content fetch, key-value memory, vector store). Implementations own
// what a command name means for their backend; the execution engine only
// invokes, time-boxes, retries and reports.
//
// Execute must honour ctx cancellation: when an attempt times out its context
// is cancelled and the result is discarded.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Execute(ctx context.Context, command string, params map[string]any, opts ExecOptions) (any, error)
	HealthCheck(ctx context.Context) (map[string]any, error)
}

// HealthStatus is the never-failing summary produced by a health check.
type HealthStatus struct {
	Status  string         `json:"status"`
	Adapter string         `json:"adapter"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Healthy reports whether the status is healthy.
func (h HealthStatus) Healthy() bool { return h.Status == StatusHealthy }
