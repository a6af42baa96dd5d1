package rpc

import (
	"encoding/json"
	"fmt"
)

// ErrorCodeSessionExpired is the reserved error code by which the server
// reports that the authenticated session is no longer valid. It is
// surfaced as a distinct auth signal, never as a transport failure.
const ErrorCodeSessionExpired = 401

// Request is an outbound command. Args are flattened into the top level
// of the JSON object next to message_id and command.
type Request struct {
	MessageID string
	Command   string
	Args      map[string]interface{}
}

func (r *Request) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(r.Args)+2)
	for k, v := range r.Args {
		m[k] = v
	}
	m["message_id"] = r.MessageID
	m["command"] = r.Command
	return json.Marshal(m)
}

// Response is one inbound message correlated to a request. A response
// with Partial set carries a fragment of a streamed result set.
type Response struct {
	MessageID string            `json:"message_id"`
	Result    []json.RawMessage `json:"result,omitempty"`
	Partial   bool              `json:"partial,omitempty"`
	ErrorCode *int              `json:"error_code,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Err returns the server-reported error carried by the response, or nil.
func (r *Response) Err() error {
	if r.ErrorCode == nil && r.Error == "" {
		return nil
	}
	code := 0
	if r.ErrorCode != nil {
		code = *r.ErrorCode
	}
	return &ServerError{Code: code, Message: r.Error}
}

// ServerError is an application-level error reported by the server in a
// response.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error (code %d)", e.Code)
	}
	return fmt.Sprintf("server error (code %d): %s", e.Code, e.Message)
}

// SessionExpired reports whether the error is the reserved auth-expiry
// signal.
func (e *ServerError) SessionExpired() bool {
	return e.Code == ErrorCodeSessionExpired
}
