package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/internal/testutil"
	"github.com/hupe1980/toolmesh/protocol"
	"github.com/hupe1980/toolmesh/session"
)

type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Debug(string, ...any)      {}
func (l *recordingLogger) Info(string, ...any)       {}
func (l *recordingLogger) Warn(msg string, _ ...any) { l.warnings = append(l.warnings, msg) }
func (l *recordingLogger) Error(string, ...any)      {}

func newTestRouter(t *testing.T, optFns ...func(o *Options)) *Router {
	t.Helper()
	store := session.NewInMemoryStore(func(o *session.Options) { o.SweepInterval = 0 })
	t.Cleanup(func() { _ = store.Close() })
	return New(protocol.New(store), optFns...)
}

func echo(_ context.Context, cmd core.CommandEnvelope, _ *core.Session) (any, error) {
	return map[string]any{"echo": cmd.Parameters}, nil
}

func TestRouter_RegisterValidation(t *testing.T) {
	r := newTestRouter(t)

	err := r.Register("  ", echo, RegisterOptions{})
	assert.ErrorIs(t, err, core.ErrValidation)

	err = r.Register("echo", nil, RegisterOptions{})
	assert.ErrorIs(t, err, core.ErrValidation)

	require.NoError(t, r.Register("echo", echo, RegisterOptions{Description: "Echo parameters"}))
	assert.True(t, r.Has("echo"))
}

func TestRouter_UnregisterAndCommands(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.Register("zeta", echo, RegisterOptions{}))
	require.NoError(t, r.Register("alpha", echo, RegisterOptions{Description: "first"}))

	cmds := r.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "alpha", cmds[0].Name)
	assert.Equal(t, "first", cmds[0].Description)
	assert.Equal(t, "zeta", cmds[1].Name)

	assert.True(t, r.Unregister("zeta"))
	assert.False(t, r.Unregister("zeta"))
	assert.False(t, r.Has("zeta"))
}

func TestRouter_DispatchEcho(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.Register("echo", echo, RegisterOptions{}))

	resp, err := r.Dispatch(context.Background(),
		testutil.NewEnvelopeBuilder("echo").Session("s1").Param("a", 1).Build())
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, map[string]any{"echo": map[string]any{"a": 1}}, resp.Result)
}

func TestRouter_DispatchUnknownCommand(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.Register("echo", echo, RegisterOptions{}))
	require.NoError(t, r.Register("ping", echo, RegisterOptions{}))

	_, err := r.Dispatch(context.Background(), testutil.NewEnvelopeBuilder("missing").Build())
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)

	var ce *core.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"echo", "ping"}, ce.Details["availableCommands"])
}

func TestRouter_SchemaIsAdvisory(t *testing.T) {
	logger := &recordingLogger{}
	r := newTestRouter(t, func(o *Options) { o.Logger = logger })

	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []string{"query"},
	}
	require.NoError(t, r.Register("search", echo, RegisterOptions{Schema: schema}))

	resp, err := r.Dispatch(context.Background(), testutil.NewEnvelopeBuilder("search").Param("limit", 3).Build())
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Contains(t, logger.warnings, "router.parameters.invalid")

	logger.warnings = nil
	_, err = r.Dispatch(context.Background(), testutil.NewEnvelopeBuilder("search").Param("query", "go").Build())
	require.NoError(t, err)
	assert.Empty(t, logger.warnings)
}

func TestRouter_DispatchRaw(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.Register("echo", echo, RegisterOptions{}))

	resp := r.DispatchRaw(context.Background(), core.RawMap{"name": "echo", "sessionId": "s1", "args": map[string]any{"x": true}})
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"echo": map[string]any{"x": true}}, resp.Result)

	resp = r.DispatchRaw(context.Background(), core.RawMap{"command": "missing", "sessionId": "s1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "s1", resp.SessionID)
}
