package toolmesh

import (
	"context"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/internal/util"
	"github.com/hupe1980/toolmesh/router"
)

// Built-in command names.
const (
	CommandPing           = "ping"
	CommandCommands       = "commands"
	CommandSessionGet     = "session.get"
	CommandSessionList    = "session.list"
	CommandSessionDelete  = "session.delete"
	CommandAdaptersHealth = "adapters.health"
	CommandPolicyStats    = "policy.stats"
)

func (m *Mesh) registerBuiltins() {
	builtins := []struct {
		name    string
		handler core.Handler
		opts    router.RegisterOptions
	}{
		{CommandPing, m.handlePing, router.RegisterOptions{Description: "Liveness probe"}},
		{CommandCommands, m.handleCommands, router.RegisterOptions{Description: "List registered commands"}},
		{CommandSessionGet, m.handleSessionGet, router.RegisterOptions{Description: "Return the current session with sensitive values redacted"}},
		{CommandSessionList, m.handleSessionList, router.RegisterOptions{Description: "List live sessions with sensitive values redacted"}},
		{CommandSessionDelete, m.handleSessionDelete, router.RegisterOptions{
			Description: "Delete a session (the current one unless id is given)",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"id": map[string]any{"type": "string"}},
			},
		}},
		{CommandAdaptersHealth, m.handleAdaptersHealth, router.RegisterOptions{Description: "Health of all registered adapters"}},
		{CommandPolicyStats, m.handlePolicyStats, router.RegisterOptions{Description: "Adapter error statistics and policy settings"}},
	}

	for _, b := range builtins {
		// Names are constant and handlers non-nil; registration cannot fail.
		_ = m.router.Register(b.name, b.handler, b.opts)
	}
}

func (m *Mesh) handlePing(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
	return map[string]any{"pong": true, "timestamp": core.Now()}, nil
}

func (m *Mesh) handleCommands(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
	return map[string]any{"commands": m.router.Commands()}, nil
}

func (m *Mesh) handleSessionGet(_ context.Context, _ core.CommandEnvelope, s *core.Session) (any, error) {
	return map[string]any{
		"id":        s.ID,
		"createdAt": s.CreatedAt.UTC().Format(core.TimestampLayout),
		"updatedAt": s.UpdatedAt.UTC().Format(core.TimestampLayout),
		"expiresAt": s.ExpiresAt.UTC().Format(core.TimestampLayout),
		"state":     util.RedactMap(s.State, util.SessionSensitiveKeys),
	}, nil
}

func (m *Mesh) handleSessionList(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
	sessions := m.store.ListSanitized()
	return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
}

func (m *Mesh) handleSessionDelete(_ context.Context, cmd core.CommandEnvelope, s *core.Session) (any, error) {
	id := s.ID
	if v, ok := cmd.Parameters["id"].(string); ok && v != "" {
		id = v
	}
	return map[string]any{"id": id, "deleted": m.store.Delete(id)}, nil
}

func (m *Mesh) handleAdaptersHealth(ctx context.Context, _ core.CommandEnvelope, _ *core.Session) (any, error) {
	statuses := m.HealthCheck(ctx)
	healthy := true
	for _, st := range statuses {
		if !st.Healthy() {
			healthy = false
		}
	}
	return map[string]any{"healthy": healthy, "adapters": statuses}, nil
}

func (m *Mesh) handlePolicyStats(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
	return map[string]any{
		"errors":   m.policy.GetErrorStats(),
		"settings": m.policy.Snapshot(),
	}, nil
}
