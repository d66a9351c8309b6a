package rpc

import (
	"encoding/json"
	"fmt"
)

// Call is a request to invoke a named procedure. Function names starting
// with "core." are reserved for broker-synthesized procedures.
type Call struct {
	Function string          `json:"function"`
	Context  string          `json:"context"`
	Args     json.RawMessage `json:"args"`
}

// Cancel asks the broker (and, transitively, the current handler) to stop
// working on Context. Only the original caller's cancel is honored; a
// cancel from any other client is silently ignored.
type Cancel struct {
	Context string `json:"context"`
}

// Response carries either an intermediate (Partial) or terminal (Last)
// reply for Context. Exactly one of Partial/Last is populated, selected by
// Kind.
type Response struct {
	Context string
	Kind    ResponseKind
	Partial json.RawMessage
	Last    Result
}

// ResponseKind selects which field of Response is populated.
type ResponseKind int

const (
	KindPartial ResponseKind = iota
	KindLast
)

// PartialResponse builds a streaming update response.
func PartialResponse(context string, value json.RawMessage) Response {
	return Response{Context: context, Kind: KindPartial, Partial: value}
}

// LastResponse builds a terminal response.
func LastResponse(context string, result Result) Response {
	return Response{Context: context, Kind: KindLast, Last: result}
}

// Message is the on-wire tagged union: exactly one of Call, Response, or
// Cancel is non-nil. It serializes as {"RpcCall": {...}}, {"RpcResponse":
// {...}}, or {"RpcCancel": {...}} per the wire format in SPEC_FULL.md §9.
type Message struct {
	Call     *Call
	Response *Response
	Cancel   *Cancel
}

// CallMessage wraps a Call as a Message.
func CallMessage(c Call) Message { return Message{Call: &c} }

// ResponseMessage wraps a Response as a Message.
func ResponseMessage(r Response) Message { return Message{Response: &r} }

// CancelMessage wraps a Cancel as a Message.
func CancelMessage(c Cancel) Message { return Message{Cancel: &c} }

type wireResponseKind struct {
	Partial json.RawMessage `json:"Partial,omitempty"`
	Last    json.RawMessage `json:"Last,omitempty"`
}

type wireResponse struct {
	Context string          `json:"context"`
	Kind    json.RawMessage `json:"kind"`
}

// MarshalJSON implements the tagged-union wire encoding described in
// SPEC_FULL.md §9 (mirrors swiboe's serde-derived enum tagging).
func (m Message) MarshalJSON() ([]byte, error) {
	switch {
	case m.Call != nil:
		return json.Marshal(map[string]*Call{"RpcCall": m.Call})
	case m.Cancel != nil:
		return json.Marshal(map[string]*Cancel{"RpcCancel": m.Cancel})
	case m.Response != nil:
		var kindJSON []byte
		var err error
		switch m.Response.Kind {
		case KindPartial:
			kindJSON, err = json.Marshal(map[string]json.RawMessage{"Partial": rawOrNull(m.Response.Partial)})
		case KindLast:
			var resultJSON []byte
			resultJSON, err = json.Marshal(m.Response.Last)
			if err != nil {
				return nil, err
			}
			kindJSON, err = json.Marshal(map[string]json.RawMessage{"Last": resultJSON})
		default:
			return nil, fmt.Errorf("rpc: unknown response kind %d", m.Response.Kind)
		}
		if err != nil {
			return nil, err
		}
		wr := wireResponse{Context: m.Response.Context, Kind: kindJSON}
		return json.Marshal(map[string]wireResponse{"RpcResponse": wr})
	default:
		return nil, fmt.Errorf("rpc: empty message")
	}
}

// UnmarshalJSON implements the inverse of MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("rpc: decode envelope: %w", err)
	}
	if raw, ok := envelope["RpcCall"]; ok {
		var c Call
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("rpc: decode RpcCall: %w", err)
		}
		m.Call = &c
		return nil
	}
	if raw, ok := envelope["RpcCancel"]; ok {
		var c Cancel
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("rpc: decode RpcCancel: %w", err)
		}
		m.Cancel = &c
		return nil
	}
	if raw, ok := envelope["RpcResponse"]; ok {
		var wr wireResponse
		if err := json.Unmarshal(raw, &wr); err != nil {
			return fmt.Errorf("rpc: decode RpcResponse: %w", err)
		}
		var wk wireResponseKind
		if err := json.Unmarshal(wr.Kind, &wk); err != nil {
			return fmt.Errorf("rpc: decode response kind: %w", err)
		}
		resp := Response{Context: wr.Context}
		switch {
		case wk.Partial != nil:
			resp.Kind = KindPartial
			resp.Partial = wk.Partial
		case wk.Last != nil:
			resp.Kind = KindLast
			if err := json.Unmarshal(wk.Last, &resp.Last); err != nil {
				return fmt.Errorf("rpc: decode Last result: %w", err)
			}
		default:
			return fmt.Errorf("rpc: response kind has neither Partial nor Last")
		}
		m.Response = &resp
		return nil
	}
	return fmt.Errorf("rpc: unknown message variant")
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
