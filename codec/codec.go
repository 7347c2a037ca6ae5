// Package codec turns envelopes into frame bodies and back.
//
// Decoding never fails: anything a peer sends that does not form a well-formed envelope
// comes back as a message.KindInvalid envelope carrying the raw bytes, so the dispatch
// layer never has to handle decode errors.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"duplex-rpc/message"
)

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

func (t CodecType) String() string {
	if t == CodecTypeBinary {
		return "binary"
	}
	return "json"
}

type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte) *message.Envelope
	Type() CodecType // 0=JSON, 1=Binary
}

// ErrMalformedEnvelope is returned by Encode for envelopes that could never decode.
var ErrMalformedEnvelope = errors.New("codec: malformed envelope")

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeBinary {
		return &BinaryCodec{}
	}

	return &JSONCodec{}
}

// ParseType maps a configuration value to a CodecType. Unknown names select JSON.
func ParseType(s string) CodecType {
	if strings.EqualFold(s, "binary") {
		return CodecTypeBinary
	}
	return CodecTypeJSON
}

// EncodeRequest encodes a request envelope. params may be nil, a json.RawMessage, or
// any value encoding/json can marshal.
func EncodeRequest(c Codec, id, method string, params any) ([]byte, error) {
	raw, err := marshalPayload(params, false)
	if err != nil {
		return nil, fmt.Errorf("encode params of %s: %w", method, err)
	}
	return c.Encode(&message.Envelope{Kind: message.KindRequest, ID: id, Method: method, Params: raw})
}

// EncodeSuccess encodes a success envelope answering request id.
func EncodeSuccess(c Codec, id string, result any) ([]byte, error) {
	raw, err := marshalPayload(result, true)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", id, err)
	}
	return c.Encode(&message.Envelope{Kind: message.KindSuccess, ID: id, Result: raw})
}

// EncodeError encodes an error envelope answering request id.
func EncodeError(c Codec, id string, code int, msg string) ([]byte, error) {
	return c.Encode(&message.Envelope{
		Kind:  message.KindError,
		ID:    id,
		Error: &message.ErrorInfo{Code: code, Message: msg},
	})
}

// marshalPayload converts an opaque payload to raw JSON. A nil or empty result still has
// to be present on the wire, so it becomes null when required is set.
func marshalPayload(v any, required bool) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		if required {
			return json.RawMessage("null"), nil
		}
		return nil, nil
	case json.RawMessage:
		if len(p) == 0 && required {
			return json.RawMessage("null"), nil
		}
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// validate reports why env cannot be sent, or "" if it is well formed.
// Decoders apply the same rules so that everything encodable also decodes.
func validate(env *message.Envelope) string {
	switch env.Kind {
	case message.KindRequest:
		if env.ID == "" {
			return "request without id"
		}
		if env.Method == "" {
			return "request without method"
		}
	case message.KindSuccess:
		if env.ID == "" {
			return "success without id"
		}
		if env.Result == nil {
			return "success without result"
		}
	case message.KindError:
		if env.ID == "" {
			return "error without id"
		}
		if env.Error == nil {
			return "error without error object"
		}
	default:
		return fmt.Sprintf("unknown kind %q", env.Kind)
	}
	return ""
}
