package testutil

import (
	"github.com/hupe1980/toolmesh/core"
)

// EnvelopeBuilder provides a fluent helper for constructing command envelopes in tests.
// Example:
//
//	env := NewEnvelopeBuilder("echo").Session("s1").Param("a", 1).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EnvelopeBuilder struct {
	env core.CommandEnvelope
}

// NewEnvelopeBuilder starts a builder for command.
func NewEnvelopeBuilder(command string) *EnvelopeBuilder {
	return &EnvelopeBuilder{env: core.CommandEnvelope{
		ID:         core.NewID(),
		Command:    command,
		SessionID:  core.NewID(),
		Parameters: map[string]any{},
		Timestamp:  core.Now(),
	}}
}

// ID sets the command id (chainable).
func (b *EnvelopeBuilder) ID(id string) *EnvelopeBuilder {
	b.env.ID = id
	return b
}

// Session sets the session id (chainable).
func (b *EnvelopeBuilder) Session(id string) *EnvelopeBuilder {
	b.env.SessionID = id
	return b
}

// Param sets a single parameter (chainable).
func (b *EnvelopeBuilder) Param(key string, val any) *EnvelopeBuilder {
	b.env.Parameters[key] = val
	return b
}

// Params replaces all parameters (chainable).
func (b *EnvelopeBuilder) Params(p map[string]any) *EnvelopeBuilder {
	b.env.Parameters = p
	return b
}

// Build returns the envelope.
func (b *EnvelopeBuilder) Build() core.CommandEnvelope {
	return b.env
}
