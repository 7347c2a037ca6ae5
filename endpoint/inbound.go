package endpoint

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"duplex-rpc/message"
)

// Inbound is a request received from the peer. It is answered at most once.
type Inbound struct {
	ConnectionID string // identifier of the connection it arrived on, empty if unassigned
	ID           string // correlation id to answer
	Method       string
	Params       json.RawMessage
	Envelope     *message.Envelope

	ep      *Endpoint
	replied atomic.Bool
}

// Endpoint returns the connection the request arrived on.
func (in *Inbound) Endpoint() *Endpoint {
	return in.ep
}

// Bind decodes Params into v.
func (in *Inbound) Bind(v any) error {
	if len(in.Params) == 0 {
		return fmt.Errorf("method %s: missing params", in.Method)
	}
	if err := json.Unmarshal(in.Params, v); err != nil {
		return fmt.Errorf("method %s: %w", in.Method, err)
	}
	return nil
}

// Reply answers with a success envelope carrying result.
func (in *Inbound) Reply(result any) error {
	if !in.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	return in.ep.Reply(in.ID, result)
}

// ReplyError answers with an error envelope.
func (in *Inbound) ReplyError(code int, msg string) error {
	if !in.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	return in.ep.ReplyError(in.ID, code, msg)
}

// OK answers with the "OK" acknowledgment.
func (in *Inbound) OK() error {
	return in.Reply(message.ResultOK)
}

// Replied reports whether an answer was already sent.
func (in *Inbound) Replied() bool {
	return in.replied.Load()
}

// NewInbound builds a request bound to ep, for callers that answer requests outside
// the dispatch path such as tests and middleware.
func NewInbound(ep *Endpoint, env *message.Envelope) *Inbound {
	return &Inbound{
		ConnectionID: ep.Identifier(),
		ID:           env.ID,
		Method:       env.Method,
		Params:       env.Params,
		Envelope:     env,
		ep:           ep,
	}
}
