package util

import "strings"

// RedactedMarker replaces the value of every sensitive key.
const RedactedMarker = "[REDACTED]"

// SessionSensitiveKeys are redacted from sessions listed for diagnostics.
var SessionSensitiveKeys = []string{"password", "token", "apiKey", "secret", "credentials"}

// ParameterSensitiveKeys are redacted from adapter parameters before they are
// attached to errors or logged.
var ParameterSensitiveKeys = []string{"password", "token", "apiKey", "secret", "auth", "credentials"}

// Redact returns a deep copy of v with the value of every map entry whose key
// matches one of keys replaced by RedactedMarker. Matching ignores case,
// underscores and dashes, so "api_key" and "API-KEY" match "apiKey".
func Redact(v any, keys []string) any {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[canonicalKey(k)] = struct{}{}
	}
	return redact(v, set)
}

// RedactMap is Redact specialised for string keyed maps.
func RedactMap(m map[string]any, keys []string) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return Redact(m, keys).(map[string]any)
}

func redact(v any, keys map[string]struct{}) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, ok := keys[canonicalKey(k)]; ok {
				out[k] = RedactedMarker
				continue
			}
			out[k] = redact(val, keys)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if _, ok := keys[canonicalKey(k)]; ok {
				out[k] = RedactedMarker
				continue
			}
			out[k] = val
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redact(val, keys)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(t))
		for i, val := range t {
			out[i] = redact(val, keys).(map[string]any)
		}
		return out
	default:
		return DeepClone(v)
	}
}

func canonicalKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}
