package adapter

import (
	"context"

	"github.com/hupe1980/toolmesh/core"
)

// ExecuteFunc is the signature of an adapter's command execution.
type ExecuteFunc func(ctx context.Context, command string, params map[string]any, opts core.ExecOptions) (any, error)

// FuncAdapter exposes plain Go functions as a core.Adapter. The On* hooks
// are optional; when nil they succeed.
type FuncAdapter struct {
	name    string
	execute ExecuteFunc

	OnConnect     func(ctx context.Context) error
	OnDisconnect  func(ctx context.Context) error
	OnHealthCheck func(ctx context.Context) (map[string]any, error)
}

// NewFuncAdapter constructs a FuncAdapter.
//
// Example:
//
//	echo := adapter.NewFuncAdapter("echo", func(_ context.Context, cmd string, p map[string]any, _ core.ExecOptions) (any, error) {
//	  return map[string]any{"command": cmd, "parameters": p}, nil
//	})
func NewFuncAdapter(name string, execute ExecuteFunc) *FuncAdapter {
	return &FuncAdapter{name: name, execute: execute}
}

// Name returns the adapter name.
func (a *FuncAdapter) Name() string { return a.name }

// Connect runs the optional connect hook.
func (a *FuncAdapter) Connect(ctx context.Context) error {
	if a.OnConnect == nil {
		return nil
	}
	return a.OnConnect(ctx)
}

// Disconnect runs the optional disconnect hook.
func (a *FuncAdapter) Disconnect(ctx context.Context) error {
	if a.OnDisconnect == nil {
		return nil
	}
	return a.OnDisconnect(ctx)
}

// Execute runs the wrapped function.
func (a *FuncAdapter) Execute(ctx context.Context, command string, params map[string]any, opts core.ExecOptions) (any, error) {
	return a.execute(ctx, command, params, opts)
}

// HealthCheck runs the optional health hook.
func (a *FuncAdapter) HealthCheck(ctx context.Context) (map[string]any, error) {
	if a.OnHealthCheck == nil {
		return map[string]any{"adapter": a.name}, nil
	}
	return a.OnHealthCheck(ctx)
}
