// Package api defines the wire types exchanged over the bridge socket.
// One connection carries exactly one request and one response; the request
// is complete when the client closes its write half.
package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scriptbridge/bridged/internal/dyn"
)

// Request is the envelope a client sends. Params is optional and preserves
// the key order the client wrote.
type Request struct {
	// Module names the capability group, e.g. "database" or "test".
	Module string `json:"module"`
	// Function names the operation within the module.
	Function string `json:"function"`
	// Params carries function arguments as an ordered JSON object.
	Params *dyn.Map `json:"params,omitempty"`
	// Timestamp is the client's send time as a Unix epoch in seconds,
	// fractional part allowed. Informational only.
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Validate checks the envelope fields before dispatch. Parameter shape
// limits are enforced separately.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Module) == "" {
		return fmt.Errorf("request missing module")
	}
	if strings.TrimSpace(r.Function) == "" {
		return fmt.Errorf("request missing function")
	}
	return nil
}

// Capability returns the dotted module.function name.
func (r *Request) Capability() string {
	return r.Module + "." + r.Function
}

// Response is the envelope the daemon returns. Exactly one of Result or
// Error is populated, keyed off Success.
type Response struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// OK wraps a handler result in a success envelope. A nil result becomes an
// empty object so clients always see a JSON object under "result".
func OK(result map[string]any) Response {
	if result == nil {
		result = map[string]any{}
	}
	return Response{Success: true, Result: result}
}

// Err wraps an error in a failure envelope.
func Err(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

// Errf formats a failure envelope.
func Errf(format string, args ...any) Response {
	return Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Encode marshals the response followed by a trailing newline.
func (r Response) Encode() ([]byte, error) {
	buf, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return append(buf, '\n'), nil
}
