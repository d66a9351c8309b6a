package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ErrorKind enumerates the error taxonomy visible to callers (SPEC_FULL.md
// §10 / spec.md §7).
type ErrorKind string

const (
	ErrorKindUnknownRpc  ErrorKind = "UnknownRpc"
	ErrorKindIo          ErrorKind = "Io"
	ErrorKindInvalidArgs ErrorKind = "InvalidArgs"
)

// Error is a handler- or broker-reported failure for a call.
type Error struct {
	Kind    ErrorKind       `json:"kind"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Details)
}

// NewError builds an Error with a JSON-marshalable details payload.
func NewError(kind ErrorKind, details any) *Error {
	var raw json.RawMessage
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			raw = b
		}
	}
	return &Error{Kind: kind, Details: raw}
}

// resultStatus tags which variant of Result is populated.
type resultStatus int

const (
	statusOk resultStatus = iota
	statusErr
	statusNotHandled
)

// Result is the terminal (or, for NotHandled, control-signal) outcome of a
// call: exactly one of Ok(value), Err(error), or NotHandled.
type Result struct {
	status resultStatus
	value  json.RawMessage
	err    *Error
}

// Ok builds a successful Result wrapping value (already JSON-encoded).
func Ok(value json.RawMessage) Result {
	return Result{status: statusOk, value: rawOrNull(value)}
}

// OkValue JSON-encodes v and wraps it as a successful Result.
func OkValue(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Ok(b), nil
}

// Err builds a failed Result.
func Err(err *Error) Result {
	return Result{status: statusErr, err: err}
}

// NotHandled is the control signal a handler returns to decline a call so
// the broker tries the next-priority handler.
func NotHandled() Result {
	return Result{status: statusNotHandled}
}

// IsOk, IsErr, IsNotHandled report the Result's variant.
func (r Result) IsOk() bool         { return r.status == statusOk }
func (r Result) IsErr() bool        { return r.status == statusErr }
func (r Result) IsNotHandled() bool { return r.status == statusNotHandled }

// Value returns the Ok payload, or nil if r is not Ok.
func (r Result) Value() json.RawMessage { return r.value }

// Unwrap returns the Err payload, or nil if r is not Err.
func (r Result) Unwrap() *Error { return r.err }

var notHandledJSON = []byte(`"NotHandled"`)

// MarshalJSON encodes Result per SPEC_FULL.md §9: {"Ok":v}, {"Err":{...}},
// or the bare string "NotHandled".
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.status {
	case statusOk:
		return json.Marshal(map[string]json.RawMessage{"Ok": rawOrNull(r.value)})
	case statusErr:
		return json.Marshal(map[string]*Error{"Err": r.err})
	case statusNotHandled:
		return notHandledJSON, nil
	default:
		return nil, fmt.Errorf("rpc: unknown result status %d", r.status)
	}
}

// UnmarshalJSON implements the inverse of MarshalJSON.
func (r *Result) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, notHandledJSON) {
		*r = NotHandled()
		return nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("rpc: decode result: %w", err)
	}
	if raw, ok := envelope["Ok"]; ok {
		*r = Ok(raw)
		return nil
	}
	if raw, ok := envelope["Err"]; ok {
		var e Error
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("rpc: decode Err: %w", err)
		}
		*r = Err(&e)
		return nil
	}
	return fmt.Errorf("rpc: result has neither Ok, Err, nor NotHandled")
}
