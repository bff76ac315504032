// Package wire defines the frames exchanged with collaboration clients:
// request/response envelopes, server-push status payloads and the error
// codes clients are expected to understand.
package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Code classifies a wire error for client dispatch.
type Code string

const (
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeUnknownMethod  Code = "UNKNOWN_METHOD"
	CodeUpgrading      Code = "UPGRADING"
	CodeShuttingDown   Code = "SHUTTING_DOWN"
	CodePipelineError  Code = "PIPELINE_ERROR"
	CodeTransportError Code = "TRANSPORT_ERROR"
)

// Error is the error payload carried inside a Response.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an error payload.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ID is a request identifier. Clients may send JSON numbers or strings;
// responses echo the value byte for byte. The zero ID marshals as null and
// marks server-push frames.
type ID struct {
	raw json.RawMessage
}

// NumberID builds an ID from an integer.
func NumberID(n int64) ID {
	return ID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
}

// StringID builds an ID from a string.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: b}
}

// IsZero reports whether the ID is absent.
func (id ID) IsZero() bool {
	return len(id.raw) == 0 || string(id.raw) == "null"
}

// String renders the ID for logging.
func (id ID) String() string {
	if id.IsZero() {
		return "<none>"
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler. Only numbers, strings and
// null are accepted.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		id.raw = nil
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("invalid numeric id: %w", err)
		}
	default:
		return fmt.Errorf("id must be a number or a string, got %s", data)
	}
	id.raw = append(id.raw[:0], data...)
	return nil
}

// Request is an inbound client frame.
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound frame. Broadcast pushes reuse this envelope with
// a zero ID.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Result builds a successful response for a request id.
func Result(id ID, result json.RawMessage) *Response {
	return &Response{ID: id, Result: result}
}

// Push wraps a server-initiated payload in a Response envelope with a
// zero ID.
func Push(v any) (*Response, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding push payload: %w", err)
	}
	return &Response{Result: raw}, nil
}

// Fail builds an error response for a request id.
func Fail(id ID, code Code, message string) *Response {
	return &Response{ID: id, Error: NewError(code, message)}
}
