package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"duplex-rpc/message"
)

// BinaryCodec is a compact length-prefixed layout for peers that agree on it:
//
//	kind(1) | idLen(2) id | methodLen(2) method | payloadLen(4) payload | code(4) | msgLen(2) msg
//
// payload is Params for requests and Result for successes; code and msg are only
// meaningful for errors.
type BinaryCodec struct{}

const (
	binKindRequest byte = 1
	binKindSuccess byte = 2
	binKindError   byte = 3
)

func (c *BinaryCodec) Encode(env *message.Envelope) ([]byte, error) {
	if env.Kind == message.KindInvalid {
		out := make([]byte, len(env.Raw))
		copy(out, env.Raw)
		return out, nil
	}
	if reason := validate(env); reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEnvelope, reason)
	}

	var kind byte
	var payload []byte
	var code int32
	var msg string
	switch env.Kind {
	case message.KindRequest:
		kind, payload = binKindRequest, env.Params
	case message.KindSuccess:
		kind, payload = binKindSuccess, env.Result
	case message.KindError:
		kind, code, msg = binKindError, int32(env.Error.Code), env.Error.Message
	}
	if len(env.ID) > 0xFFFF || len(env.Method) > 0xFFFF || len(msg) > 0xFFFF {
		return nil, fmt.Errorf("%w: field longer than 65535 bytes", ErrMalformedEnvelope)
	}

	// Calculate the length of message
	total := 1 + 2 + len(env.ID) + 2 + len(env.Method) + 4 + len(payload) + 4 + 2 + len(msg)
	buf := make([]byte, total)

	offset := 0
	buf[offset] = kind
	offset++

	offset = putString16(buf, offset, env.ID)
	offset = putString16(buf, offset, env.Method)

	// Payload length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(payload)))
	offset += 4
	copy(buf[offset:offset+len(payload)], payload)
	offset += len(payload)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(code))
	offset += 4

	putString16(buf, offset, msg)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte) *message.Envelope {
	r := &binReader{data: data}

	kind := r.u8()
	id := r.str16()
	method := r.str16()
	payload := r.bytes32()
	code := int32(r.u32())
	msg := r.str16()
	if r.err != nil {
		return message.Invalid(data, r.err.Error())
	}
	if r.off != len(data) {
		return message.Invalid(data, fmt.Sprintf("%d trailing bytes", len(data)-r.off))
	}

	env := &message.Envelope{ID: id}
	switch kind {
	case binKindRequest:
		env.Kind = message.KindRequest
		env.Method = method
		env.Params = payload
	case binKindSuccess:
		env.Kind = message.KindSuccess
		env.Result = payload
	case binKindError:
		env.Kind = message.KindError
		env.Error = &message.ErrorInfo{Code: int(code), Message: msg}
	default:
		return message.Invalid(data, fmt.Sprintf("unknown kind byte %d", kind))
	}

	if reason := validate(env); reason != "" {
		return message.Invalid(data, reason)
	}
	return env
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func putString16(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
	offset += 2
	copy(buf[offset:offset+len(s)], s)
	return offset + len(s)
}

var errShortBuffer = errors.New("truncated binary envelope")

// binReader reads big-endian fields and remembers the first short read.
type binReader struct {
	data []byte
	off  int
	err  error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *binReader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *binReader) str16() string {
	b := r.take(2)
	if b == nil {
		return ""
	}
	return string(r.take(int(binary.BigEndian.Uint16(b))))
}

func (r *binReader) bytes32() []byte {
	n := r.u32()
	if r.err != nil {
		return nil
	}
	b := r.take(int(n))
	if b == nil || len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
