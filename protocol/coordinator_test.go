package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/toolmesh/core"
	"github.com/hupe1980/toolmesh/internal/testutil"
	"github.com/hupe1980/toolmesh/session"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *session.InMemoryStore) {
	t.Helper()
	store := session.NewInMemoryStore(func(o *session.Options) { o.SweepInterval = 0 })
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func echoHandler(_ context.Context, cmd core.CommandEnvelope, _ *core.Session) (any, error) {
	return map[string]any{"echo": cmd.Parameters}, nil
}

func counterHandler(_ context.Context, _ core.CommandEnvelope, s *core.Session) (any, error) {
	n, _ := s.State["counter"].(int)
	n++
	return map[string]any{
		"counter":          n,
		core.StatePatchKey: map[string]any{"counter": n},
	}, nil
}

func TestCoordinator_Echo(t *testing.T) {
	c, _ := newTestCoordinator(t)

	env := testutil.NewEnvelopeBuilder("echo").ID("cmd-1").Session("s1").Param("a", 1).Build()
	resp := c.Process(context.Background(), env, echoHandler)

	require.Nil(t, resp.Error)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "cmd-1", resp.ID)
	assert.Equal(t, map[string]any{"echo": map[string]any{"a": 1}}, resp.Result)
	require.NoError(t, core.ValidateResponse(resp))
}

func TestCoordinator_PlainErrorBecomesInternal(t *testing.T) {
	c, _ := newTestCoordinator(t)

	resp := c.Process(context.Background(), testutil.NewEnvelopeBuilder("fail").Session("s1").Build(),
		func(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
			return nil, errors.New("boom")
		})

	require.NotNil(t, resp.Error)
	assert.Nil(t, resp.Result)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Equal(t, "InternalError", resp.Error.Type)
	assert.Equal(t, "boom", resp.Error.Message)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.NotContains(t, wire, "result")
	assert.Contains(t, wire, "error")
}

func TestCoordinator_TaxonomyErrorKeepsKind(t *testing.T) {
	c, _ := newTestCoordinator(t)

	resp := c.Process(context.Background(), testutil.NewEnvelopeBuilder("lookup").Build(),
		func(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
			return nil, core.NewNotFoundError("document %s not found", "d1")
		})

	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "NotFoundError", resp.Error.Type)
}

func TestCoordinator_SessionIsolation(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	for _, sid := range []string{"s1", "s2", "s1"} {
		resp := c.Process(ctx, testutil.NewEnvelopeBuilder("incr").Session(sid).Build(), counterHandler)
		require.Nil(t, resp.Error)
		assert.NotContains(t, resp.Result.(map[string]any), core.StatePatchKey)
	}

	s1, err := store.GetStateSnapshot("s1")
	require.NoError(t, err)
	s2, err := store.GetStateSnapshot("s2")
	require.NoError(t, err)

	assert.Equal(t, 2, s1["counter"])
	assert.Equal(t, 1, s2["counter"])
}

func TestCoordinator_HandlerResultPatch(t *testing.T) {
	c, store := newTestCoordinator(t)

	resp := c.Process(context.Background(), testutil.NewEnvelopeBuilder("login").Session("s1").Build(),
		func(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
			return core.WithStatePatch("ok", map[string]any{"user": "ada"}), nil
		})

	require.Nil(t, resp.Error)
	assert.Equal(t, "ok", resp.Result)

	state, err := store.GetStateSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, "ada", state["user"])
}

func TestCoordinator_HandlerCannotMutateLiveSession(t *testing.T) {
	c, store := newTestCoordinator(t)
	_, err := store.CreateWithID("s1", map[string]any{"n": 1, "nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	resp := c.Process(context.Background(), testutil.NewEnvelopeBuilder("mutate").Session("s1").Build(),
		func(_ context.Context, _ core.CommandEnvelope, s *core.Session) (any, error) {
			s.State["n"] = 99
			s.State["nested"].(map[string]any)["k"] = "changed"
			return nil, nil
		})

	require.Nil(t, resp.Error)
	assert.Nil(t, resp.Result)

	state, err := store.GetStateSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, state["n"])
	assert.Equal(t, "v", state["nested"].(map[string]any)["k"])
}

func TestCoordinator_NilResultIsEncoded(t *testing.T) {
	c, _ := newTestCoordinator(t)

	resp := c.Process(context.Background(), testutil.NewEnvelopeBuilder("noop").Build(),
		func(context.Context, core.CommandEnvelope, *core.Session) (any, error) { return nil, nil })

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "result")
	assert.Nil(t, wire["result"])
	assert.NotContains(t, wire, "error")
}

func TestCoordinator_PanicIsRecovered(t *testing.T) {
	c, _ := newTestCoordinator(t)

	resp := c.Process(context.Background(), testutil.NewEnvelopeBuilder("crash").Session("s1").Build(),
		func(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
			panic("handler exploded")
		})

	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "handler exploded")
	assert.Equal(t, "s1", resp.SessionID)
}

func TestCoordinator_PanickingPatchIsRecovered(t *testing.T) {
	c, store := newTestCoordinator(t)
	_, err := store.CreateWithID("s1", map[string]any{"n": 1})
	require.NoError(t, err)

	handler := func(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
		return core.HandlerResult{
			Value: "ok",
			StatePatch: core.FuncPatch(func(map[string]any) map[string]any {
				panic("bad patch")
			}),
		}, nil
	}

	var resp core.ResponseEnvelope
	require.NotPanics(t, func() {
		resp = c.Process(context.Background(), testutil.NewEnvelopeBuilder("update").Session("s1").Build(), handler)
	})

	require.NotNil(t, resp.Error)
	assert.Equal(t, "INTERNAL_ERROR", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "bad patch")
	assert.Equal(t, "s1", resp.SessionID)

	state, err := store.GetStateSnapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1}, state)
}

func TestCoordinator_InvalidPatchIsProtocolError(t *testing.T) {
	c, _ := newTestCoordinator(t)

	resp := c.Process(context.Background(), testutil.NewEnvelopeBuilder("bad").Build(),
		func(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
			return map[string]any{core.StatePatchKey: 42}, nil
		})

	require.NotNil(t, resp.Error)
	assert.Equal(t, "PROTOCOL_ERROR", resp.Error.Code)
}

func TestCoordinator_EmptySessionIDGetsFreshSession(t *testing.T) {
	c, store := newTestCoordinator(t)

	env := testutil.NewEnvelopeBuilder("echo").Session("").Build()
	resp := c.Process(context.Background(), env, echoHandler)

	require.Nil(t, resp.Error)
	require.NotEmpty(t, resp.SessionID)
	_, err := store.Get(resp.SessionID)
	assert.NoError(t, err)
}

type failingStore struct {
	*session.InMemoryStore
}

func (failingStore) Get(string) (*core.Session, error) {
	return nil, core.NewUnauthorizedError("session locked")
}

func TestCoordinator_StoreErrorIsReported(t *testing.T) {
	store := session.NewInMemoryStore(func(o *session.Options) { o.SweepInterval = 0 })
	defer store.Close()
	c := New(failingStore{store})

	called := false
	resp := c.Process(context.Background(), testutil.NewEnvelopeBuilder("echo").Session("s1").Build(),
		func(context.Context, core.CommandEnvelope, *core.Session) (any, error) {
			called = true
			return nil, nil
		})

	assert.False(t, called)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
}

func TestCoordinator_ProcessRaw(t *testing.T) {
	c, _ := newTestCoordinator(t)
	resolve := func(_ context.Context, env core.CommandEnvelope) (core.Handler, error) {
		if env.Command != "echo" {
			return nil, core.NewNotFoundError("unknown command %q", env.Command)
		}
		return echoHandler, nil
	}

	resp := c.ProcessRaw(context.Background(),
		core.RawJSON(`{"cmd": "echo", "session_id": "s9", "id": 7, "params": "{\"a\": 1, /* note */}"}`),
		resolve)
	require.Nil(t, resp.Error)
	assert.Equal(t, "s9", resp.SessionID)
	assert.Equal(t, "7", resp.ID)
	assert.Equal(t, map[string]any{"echo": map[string]any{"a": float64(1)}}, resp.Result)

	resp = c.ProcessRaw(context.Background(), core.RawMap{"command": "nope", "sessionId": "s9"}, resolve)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "s9", resp.SessionID)

	resp = c.ProcessRaw(context.Background(), core.RawMap{"parameters": map[string]any{}}, resolve)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.NotEmpty(t, resp.SessionID)
	require.NoError(t, core.ValidateResponse(resp))
}
