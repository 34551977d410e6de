package codec

import (
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/toolmesh/core"
)

// Reader yields inbound commands. Read returns io.EOF once the stream ends.
type Reader interface {
	Read() (core.RawCommand, error)
}

// Writer emits responses. Implementations are safe for concurrent use.
type Writer interface {
	Write(resp core.ResponseEnvelope) error
}

// Codec creates readers and writers for one wire format.
type Codec interface {
	Name() string
	NewReader(r io.Reader) Reader
	NewWriter(w io.Writer) Writer
}

// Names of the built-in codecs.
const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

// ByName returns the codec registered under name (case insensitive).
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case NameJSON, "":
		return JSON{}, nil
	case NameCBOR:
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// responseWire is the map form of a response shared by the non-JSON codecs.
// Exactly one of "result" and "error" is present.
func responseWire(resp core.ResponseEnvelope) map[string]any {
	out := map[string]any{
		"id":        resp.ID,
		"sessionId": resp.SessionID,
		"timestamp": resp.Timestamp,
	}
	if resp.Error != nil {
		details := resp.Error.Details
		if details == nil {
			details = map[string]any{}
		}
		out["error"] = map[string]any{
			"type":    resp.Error.Type,
			"code":    resp.Error.Code,
			"message": resp.Error.Message,
			"details": details,
		}
		return out
	}
	out["result"] = resp.Result
	return out
}

// responseFromWire is the inverse of responseWire and validates the result.
func responseFromWire(m map[string]any) (core.ResponseEnvelope, error) {
	resp := core.ResponseEnvelope{}
	resp.ID, _ = m["id"].(string)
	resp.SessionID, _ = m["sessionId"].(string)
	resp.Timestamp, _ = m["timestamp"].(string)

	if raw, ok := m["error"]; ok && raw != nil {
		em, ok := raw.(map[string]any)
		if !ok {
			return resp, core.NewProtocolError("response error must be an object, got %T", raw)
		}
		detail := &core.ErrorDetail{}
		detail.Type, _ = em["type"].(string)
		detail.Code, _ = em["code"].(string)
		detail.Message, _ = em["message"].(string)
		detail.Details, _ = em["details"].(map[string]any)
		resp.Error = detail
	}

	_, hasResult := m["result"]
	if hasResult && resp.Error != nil {
		return resp, core.NewProtocolError("response carries both result and error")
	}
	if hasResult {
		resp.Result = m["result"]
	}
	if !hasResult && resp.Error == nil {
		return resp, core.NewProtocolError("response carries neither result nor error")
	}
	return resp, core.ValidateResponse(resp)
}
