package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_CloneIsDeep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession("s1", map[string]any{"nested": map[string]any{"n": 1}}, now, time.Minute)

	c := s.Clone()
	c.State["nested"].(map[string]any)["n"] = 2

	assert.Equal(t, 1, s.State["nested"].(map[string]any)["n"])
	assert.Equal(t, now.Add(time.Minute), s.ExpiresAt)
}

func TestSession_ExpiredAndTouch(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSession("s1", nil, now, time.Minute)

	assert.False(t, s.Expired(now.Add(time.Minute)))
	assert.True(t, s.Expired(now.Add(time.Minute+time.Millisecond)))

	s.Touch(now.Add(2*time.Minute), time.Minute)
	assert.False(t, s.Expired(now.Add(2*time.Minute)))
	assert.Equal(t, now.Add(2*time.Minute), s.UpdatedAt)
}

func TestMergePatch(t *testing.T) {
	got := MergePatch{"a": 2, "c": 3}.Apply(map[string]any{"a": 1, "b": 1})
	assert.Equal(t, map[string]any{"a": 2, "b": 1, "c": 3}, got)

	assert.Equal(t, map[string]any{"x": 1}, MergePatch{"x": 1}.Apply(nil))
}

func TestFuncPatch(t *testing.T) {
	p := FuncPatch(func(state map[string]any) map[string]any {
		n, _ := state["count"].(int)
		state["count"] = n + 1
		return state
	})
	assert.Equal(t, map[string]any{"count": 1}, p.Apply(map[string]any{}))
}

func TestExtractStatePatch(t *testing.T) {
	t.Run("plain value", func(t *testing.T) {
		v, p, err := ExtractStatePatch("hello")
		require.NoError(t, err)
		assert.Equal(t, "hello", v)
		assert.Nil(t, p)
	})

	t.Run("handler result", func(t *testing.T) {
		v, p, err := ExtractStatePatch(WithStatePatch(1, map[string]any{"k": "v"}))
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		assert.Equal(t, MergePatch{"k": "v"}, p)
	})

	t.Run("nil handler result pointer", func(t *testing.T) {
		v, p, err := ExtractStatePatch((*HandlerResult)(nil))
		require.NoError(t, err)
		assert.Nil(t, v)
		assert.Nil(t, p)
	})

	t.Run("map with reserved key is not mutated", func(t *testing.T) {
		result := map[string]any{"count": 1, StatePatchKey: map[string]any{"count": 1}}
		v, p, err := ExtractStatePatch(result)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"count": 1}, v)
		assert.Equal(t, MergePatch{"count": 1}, p)
		assert.Contains(t, result, StatePatchKey)
	})

	t.Run("function patch", func(t *testing.T) {
		fn := func(s map[string]any) map[string]any { return s }
		_, p, err := ExtractStatePatch(map[string]any{StatePatchKey: fn})
		require.NoError(t, err)
		assert.IsType(t, FuncPatch(nil), p)
	})

	t.Run("invalid patch", func(t *testing.T) {
		_, _, err := ExtractStatePatch(map[string]any{StatePatchKey: 5})
		assert.True(t, errors.Is(err, ErrProtocol))
	})
}

func TestHandlerSignature(t *testing.T) {
	var h Handler = func(_ context.Context, cmd CommandEnvelope, _ *Session) (any, error) {
		return cmd.Parameters, nil
	}
	v, err := h(context.Background(), CommandEnvelope{Parameters: map[string]any{"a": 1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, v)
}
