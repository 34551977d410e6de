package core

import "context"

// StatePatchKey is the reserved result field through which a handler returning
// a map asks for a session state change. The field is stripped from the
// result before it reaches the caller.
const StatePatchKey = "_statePatch"

// Handler executes one command against a snapshot of its session. The session
// is a deep clone; mutating it has no effect. State changes are requested by
// returning a HandlerResult or a map carrying StatePatchKey.
type Handler func(ctx context.Context, cmd CommandEnvelope, session *Session) (any, error)

// HandlerResult is a handler return value carrying an explicit state patch.
type HandlerResult struct {
	Value      any
	StatePatch Patch
}

// WithStatePatch wraps value together with a merge patch.
func WithStatePatch(value any, patch map[string]any) HandlerResult {
	return HandlerResult{Value: value, StatePatch: MergePatch(patch)}
}

// ExtractStatePatch separates a handler result into the caller visible payload
// and an optional patch. Map results carrying StatePatchKey are copied before
// the key is removed so the handler's value is not mutated.
func ExtractStatePatch(result any) (any, Patch, error) {
	switch r := result.(type) {
	case HandlerResult:
		return r.Value, r.StatePatch, nil
	case *HandlerResult:
		if r == nil {
			return nil, nil, nil
		}
		return r.Value, r.StatePatch, nil
	case map[string]any:
		raw, ok := r[StatePatchKey]
		if !ok {
			return r, nil, nil
		}
		out := make(map[string]any, len(r)-1)
		for k, v := range r {
			if k != StatePatchKey {
				out[k] = v
			}
		}
		switch p := raw.(type) {
		case nil:
			return out, nil, nil
		case Patch:
			return out, p, nil
		case map[string]any:
			return out, MergePatch(p), nil
		case func(map[string]any) map[string]any:
			return out, FuncPatch(p), nil
		default:
			return out, nil, NewProtocolError("%s must be an object, got %T", StatePatchKey, raw)
		}
	default:
		return result, nil, nil
	}
}
