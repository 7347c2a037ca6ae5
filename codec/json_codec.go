package codec

import (
	"encoding/json"
	"fmt"

	"duplex-rpc/message"
)

// JSONCodec is the wire format both peers speak by default: one JSON object per frame.
type JSONCodec struct{}

func (c *JSONCodec) Encode(env *message.Envelope) ([]byte, error) {
	if env.Kind == message.KindInvalid {
		// Invalid envelopes only exist for diagnostics; echo what was received.
		out := make([]byte, len(env.Raw))
		copy(out, env.Raw)
		return out, nil
	}
	if reason := validate(env); reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEnvelope, reason)
	}
	return json.Marshal(env)
}

func (c *JSONCodec) Decode(data []byte) *message.Envelope {
	// Decode field by field so a missing key can be told apart from a null value.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return message.Invalid(data, "not a JSON object: "+err.Error())
	}

	env := &message.Envelope{}
	if err := unmarshalField(fields, "kind", &env.Kind); err != nil {
		return message.Invalid(data, err.Error())
	}
	if env.Kind == message.KindInvalid {
		return message.Invalid(data, "peer sent an invalid envelope")
	}
	if err := unmarshalField(fields, "id", &env.ID); err != nil {
		return message.Invalid(data, err.Error())
	}

	switch env.Kind {
	case message.KindRequest:
		if err := unmarshalField(fields, "method", &env.Method); err != nil {
			return message.Invalid(data, err.Error())
		}
		env.Params = fields["params"]
	case message.KindSuccess:
		env.Result = fields["result"]
	case message.KindError:
		if raw, ok := fields["error"]; ok {
			var info *message.ErrorInfo
			if err := json.Unmarshal(raw, &info); err != nil {
				return message.Invalid(data, "error: "+err.Error())
			}
			env.Error = info
		}
	}

	if reason := validate(env); reason != "" {
		return message.Invalid(data, reason)
	}
	return env
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

func unmarshalField(fields map[string]json.RawMessage, key string, v any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
