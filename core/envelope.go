package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the wire format for envelope timestamps (RFC3339, ms precision, UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// CommandEnvelope is a normalized inbound command. After NormalizeCommand,
// Command and SessionID are always non-empty and Parameters is never nil.
type CommandEnvelope struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	SessionID  string         `json:"sessionId"`
	Parameters map[string]any `json:"parameters"`
	Timestamp  string         `json:"timestamp"`
}

// ErrorDetail is the wire form of a failed command.
type ErrorDetail struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ResponseEnvelope carries exactly one of Result or Error. A nil Result is a
// legitimate handler outcome and is encoded as "result": null; use
// BuildResponse rather than struct literals so the invariant holds.
type ResponseEnvelope struct {
	ID        string
	SessionID string
	Timestamp string
	Result    any
	Error     *ErrorDetail
}

// IsError reports whether the response carries an error.
func (r ResponseEnvelope) IsError() bool { return r.Error != nil }

type responseWire struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionId"`
	Timestamp string       `json:"timestamp"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// MarshalJSON encodes the response, always emitting "result" for successful
// responses (even when the result is nil) and never for failed ones.
func (r ResponseEnvelope) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(responseWire{ID: r.ID, SessionID: r.SessionID, Timestamp: r.Timestamp, Error: r.Error})
	}
	return json.Marshal(struct {
		responseWire
		Result any `json:"result"`
	}{
		responseWire: responseWire{ID: r.ID, SessionID: r.SessionID, Timestamp: r.Timestamp},
		Result:       r.Result,
	})
}

// UnmarshalJSON decodes a response and rejects envelopes violating the
// exactly-one-of invariant.
func (r *ResponseEnvelope) UnmarshalJSON(data []byte) error {
	var wire struct {
		responseWire
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	_, hasResult := raw["result"]

	r.ID = wire.ID
	r.SessionID = wire.SessionID
	r.Timestamp = wire.Timestamp
	r.Error = wire.Error
	r.Result = nil
	if hasResult && len(wire.Result) > 0 {
		var v any
		if err := json.Unmarshal(wire.Result, &v); err != nil {
			return err
		}
		r.Result = v
	}

	return validateResponseShape(r.SessionID, hasResult, r.Error)
}

// ValidateResponse checks the wire invariants of a decoded response.
func ValidateResponse(r ResponseEnvelope) error {
	return validateResponseShape(r.SessionID, r.Error == nil, r.Error)
}

func validateResponseShape(sessionID string, hasResult bool, errDetail *ErrorDetail) error {
	if sessionID == "" {
		return NewProtocolError("response is missing sessionId")
	}
	if hasResult && errDetail != nil {
		return NewProtocolError("response carries both result and error")
	}
	if !hasResult && errDetail == nil {
		return NewProtocolError("response carries neither result nor error")
	}
	if errDetail != nil && (errDetail.Type == "" || errDetail.Message == "") {
		return NewProtocolError("response error requires type and message")
	}
	return nil
}

// ResponsePayload is the input to BuildResponse. Construct it with
// NewResultPayload or NewErrorPayload.
type ResponsePayload struct {
	Result    any
	HasResult bool
	Error     *ErrorDetail
}

// NewResultPayload returns a payload carrying a (possibly nil) result.
func NewResultPayload(result any) ResponsePayload {
	return ResponsePayload{Result: result, HasResult: true}
}

// NewErrorPayload returns a payload carrying an error detail.
func NewErrorPayload(detail ErrorDetail) ResponsePayload {
	return ResponsePayload{Error: &detail}
}

// BuildResponse assembles a ResponseEnvelope. Supplying both or neither of a
// result and an error is a programming error and panics.
func BuildResponse(sessionID string, p ResponsePayload) ResponseEnvelope {
	if p.HasResult && p.Error != nil {
		panic("core: BuildResponse called with both result and error")
	}
	if !p.HasResult && p.Error == nil {
		panic("core: BuildResponse called with neither result nor error")
	}

	resp := ResponseEnvelope{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Timestamp: Now(),
	}
	if p.Error != nil {
		detail := *p.Error
		if detail.Details == nil {
			detail.Details = map[string]any{}
		}
		resp.Error = &detail
		return resp
	}
	resp.Result = p.Result
	return resp
}

// Now returns the current time formatted with TimestampLayout.
func Now() string { return time.Now().UTC().Format(TimestampLayout) }

// NewID returns a new random identifier.
func NewID() string { return uuid.NewString() }
