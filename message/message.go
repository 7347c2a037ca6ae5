// Package message defines the envelope exchanged between the two peers of a connection.
//
// Envelope is the unit of every exchange. It gets serialized by the codec layer and
// written as one frame on the transport. Both peers speak the same four kinds:
//
//   - request: ID, Method and Params are set; the peer answers with success or error.
//   - success: ID of the request being answered and its Result.
//   - error:   ID of the request being answered and an ErrorInfo.
//   - invalid: produced only by decoding; Raw holds the bytes that could not be parsed.
package message

import (
	"encoding/json"
	"fmt"
)

// Kind tells the dispatcher how to route an envelope.
type Kind string

const (
	KindRequest Kind = "request"
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindInvalid Kind = "invalid"
)

// MethodAssignIdentifier is the reserved request the server sends right after
// admitting a connection. Params carry {"identifier": <token>}; the peer answers "OK".
const MethodAssignIdentifier = "WSK_assignUID"

// ResultOK is the result carried by acknowledgments such as the identifier assignment reply.
const ResultOK = "OK"

// Standard error codes (JSON-RPC 2.0 numbering).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Envelope carries a single protocol message.
type Envelope struct {
	Kind   Kind            `json:"kind"`
	ID     string          `json:"id,omitempty"`     // Correlation token, set for request/success/error
	Method string          `json:"method,omitempty"` // Request only
	Params json.RawMessage `json:"params,omitempty"` // Request only, opaque to this layer
	Result json.RawMessage `json:"result,omitempty"` // Success only, opaque to this layer
	Error  *ErrorInfo      `json:"error,omitempty"`  // Error only

	// Raw and Reason are set on invalid envelopes for diagnostics and are never sent.
	Raw    []byte `json:"-"`
	Reason string `json:"-"`
}

// ErrorInfo is the payload of an error envelope. It doubles as the error value
// delivered to a result sink when the peer answers with an error.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// AssignParams is the params object of MethodAssignIdentifier.
type AssignParams struct {
	Identifier string `json:"identifier"`
	UID        string `json:"uid,omitempty"` // Older peers send the identifier under "uid"
}

// Token returns the assigned identifier, preferring the current field name.
func (p *AssignParams) Token() string {
	if p.Identifier != "" {
		return p.Identifier
	}
	return p.UID
}

// Invalid builds an invalid envelope around raw input.
func Invalid(raw []byte, reason string) *Envelope {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &Envelope{Kind: KindInvalid, Raw: cp, Reason: reason}
}
