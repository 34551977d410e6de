package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// RawCommand is the set of loosely shaped inputs NormalizeCommand accepts:
// RawMap (decoded JSON object), RawJSON (undecoded bytes or string) and an
// already built CommandEnvelope.
type RawCommand interface {
	rawCommand()
}

// RawMap is a decoded but unvalidated command object.
type RawMap map[string]any

// RawJSON is an undecoded command document. Comments and trailing commas are
// tolerated.
type RawJSON []byte

func (RawMap) rawCommand()          {}
func (RawJSON) rawCommand()         {}
func (CommandEnvelope) rawCommand() {}

// AsRawCommand lifts an arbitrary decoded value into a RawCommand. Unknown
// shapes produce a RawMap that will fail normalization with a validation error.
func AsRawCommand(v any) RawCommand {
	switch t := v.(type) {
	case RawCommand:
		return t
	case map[string]any:
		return RawMap(t)
	case []byte:
		return RawJSON(t)
	case string:
		return RawJSON(t)
	case *CommandEnvelope:
		if t != nil {
			return *t
		}
	}
	return RawMap{}
}

var (
	commandKeys    = []string{"command", "name", "cmd", "method", "action"}
	sessionKeys    = []string{"sessionId", "session_id", "session"}
	parameterKeys  = []string{"parameters", "params", "args", "arguments"}
	identifierKeys = []string{"id", "requestId", "request_id"}
)

// NormalizeCommand repairs raw input into a CommandEnvelope. Missing ids,
// session ids and timestamps are generated; alternate field names are
// accepted; parameters are coerced to a map. Each repair that changes the
// caller's data in a non-obvious way is reported as a warning. The only
// failure is the absence of any usable command name, reported as a
// validation error; the partial envelope returned alongside it still carries
// the (possibly generated) id and session id.
func NormalizeCommand(raw RawCommand) (CommandEnvelope, []string, error) {
	var warnings []string

	switch t := raw.(type) {
	case nil:
		return CommandEnvelope{}, nil, NewValidationError("command is required")
	case CommandEnvelope:
		m := RawMap{
			"id":         t.ID,
			"command":    t.Command,
			"sessionId":  t.SessionID,
			"parameters": t.Parameters,
			"timestamp":  t.Timestamp,
		}
		if t.Parameters == nil {
			delete(m, "parameters")
		}
		return normalizeMap(m, warnings)
	case RawJSON:
		m, err := decodeObject(t)
		if err != nil {
			return CommandEnvelope{}, nil, NewValidationError("command is not a JSON object: %v", err)
		}
		return normalizeMap(m, warnings)
	case RawMap:
		return normalizeMap(t, warnings)
	default:
		return CommandEnvelope{}, nil, NewValidationError("unsupported command shape %T", raw)
	}
}

func normalizeMap(m RawMap, warnings []string) (CommandEnvelope, []string, error) {
	env := CommandEnvelope{}

	if id, _ := firstString(m, identifierKeys); id != "" {
		env.ID = id
	} else {
		env.ID = NewID()
	}

	if sid, _ := firstString(m, sessionKeys); sid != "" {
		env.SessionID = sid
	} else {
		env.SessionID = NewID()
	}

	command, key := firstString(m, commandKeys)
	if command == "" {
		// The partial envelope still carries ids so the failure can be
		// answered and correlated.
		return env, warnings, NewValidationError("command is required").
			WithDetail("acceptedFields", commandKeys)
	}
	if key != "command" {
		warnings = append(warnings, fmt.Sprintf("command name taken from %q", key))
	}
	env.Command = command

	if ts, ok := m["timestamp"].(string); ok && strings.TrimSpace(ts) != "" {
		env.Timestamp = ts
	} else {
		env.Timestamp = Now()
	}

	params, paramWarnings := coerceParameters(m)
	env.Parameters = params
	warnings = append(warnings, paramWarnings...)

	return env, warnings, nil
}

func coerceParameters(m RawMap) (map[string]any, []string) {
	for _, key := range parameterKeys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		params, err := toParameterMap(v)
		if err != nil {
			return map[string]any{}, []string{fmt.Sprintf("%s ignored: %v", key, err)}
		}
		if key != "parameters" {
			return params, []string{fmt.Sprintf("parameters taken from %q", key)}
		}
		return params, nil
	}
	return map[string]any{}, nil
}

func toParameterMap(v any) (map[string]any, error) {
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case RawMap:
		return map[string]any(t), nil
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = val
		}
		return out, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return map[string]any{}, nil
		}
		return decodeObject([]byte(t))
	case []byte:
		return decodeObject(t)
	case json.RawMessage:
		return decodeObject(t)
	default:
		return nil, fmt.Errorf("expected object, got %T", v)
	}
}

func decodeObject(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("expected object, got null")
	}
	return out, nil
}

// firstString returns the first non-empty string-like value among keys and
// the key it was found under. Numbers are stringified.
func firstString(m RawMap, keys []string) (string, string) {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s, key
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), key
		case int:
			return strconv.Itoa(v), key
		case int64:
			return strconv.FormatInt(v, 10), key
		case uint64:
			return strconv.FormatUint(v, 10), key
		case json.Number:
			return v.String(), key
		}
	}
	return "", ""
}
