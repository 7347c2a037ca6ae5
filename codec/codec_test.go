package codec

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"duplex-rpc/message"
)

func sampleEnvelopes() map[string]*message.Envelope {
	return map[string]*message.Envelope{
		"request": {
			Kind:   message.KindRequest,
			ID:     "req-1",
			Method: "echo",
			Params: json.RawMessage(`{"x":1}`),
		},
		"request without params": {
			Kind:   message.KindRequest,
			ID:     "req-2",
			Method: "ping",
		},
		"success": {
			Kind:   message.KindSuccess,
			ID:     "req-1",
			Result: json.RawMessage(`"done"`),
		},
		"error": {
			Kind:  message.KindError,
			ID:    "req-1",
			Error: &message.ErrorInfo{Code: message.CodeMethodNotFound, Message: "no such method"},
		},
		"invalid": message.Invalid([]byte(`{"kind":"request"`), ""),
	}
}

func TestRoundTrip(t *testing.T) {
	for _, cdc := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		for name, env := range sampleEnvelopes() {
			t.Run(cdc.Type().String()+"/"+name, func(t *testing.T) {
				data, err := cdc.Encode(env)
				if err != nil {
					t.Fatalf("Encode failed: %v", err)
				}

				got := cdc.Decode(data)
				if env.Kind == message.KindInvalid {
					// Reason is diagnostic text produced by the decoder.
					got.Reason = ""
				}
				if !reflect.DeepEqual(got, env) {
					t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, env)
				}
			})
		}
	}
}

func TestJSONDecodeMalformed(t *testing.T) {
	cdc := &JSONCodec{}
	cases := map[string]string{
		"not json":           `hello world`,
		"array":              `[1,2,3]`,
		"missing kind":       `{"id":"1","method":"m"}`,
		"unknown kind":       `{"kind":"notify","id":"1"}`,
		"request without id": `{"kind":"request","method":"m"}`,
		"request no method":  `{"kind":"request","id":"1"}`,
		"numeric id":         `{"kind":"request","id":7,"method":"m"}`,
		"success no result":  `{"kind":"success","id":"1"}`,
		"error no object":    `{"kind":"error","id":"1"}`,
		"error null object":  `{"kind":"error","id":"1","error":null}`,
		"error bad object":   `{"kind":"error","id":"1","error":"boom"}`,
		"peer sent invalid":  `{"kind":"invalid","id":"1"}`,
		"truncated":          `{"kind":"success","id":"1","result":`,
		"method wrong type":  `{"kind":"request","id":"1","method":{}}`,
		"empty input":        ``,
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			env := cdc.Decode([]byte(input))
			if env.Kind != message.KindInvalid {
				t.Fatalf("expected invalid envelope, got %s", env.Kind)
			}
			if string(env.Raw) != input {
				t.Errorf("Raw mismatch: got %q, want %q", env.Raw, input)
			}
			if env.Reason == "" {
				t.Error("expected a diagnostic reason")
			}
		})
	}
}

func TestJSONDecodeNullResult(t *testing.T) {
	env := (&JSONCodec{}).Decode([]byte(`{"kind":"success","id":"1","result":null}`))
	if env.Kind != message.KindSuccess {
		t.Fatalf("expected success, got %s (%s)", env.Kind, env.Reason)
	}
	if string(env.Result) != "null" {
		t.Errorf("Result mismatch: got %s", env.Result)
	}
}

func TestBinaryDecodeMalformed(t *testing.T) {
	cdc := &BinaryCodec{}
	good, err := EncodeRequest(cdc, "1", "echo", map[string]int{"x": 1})
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string][]byte{
		"empty":          {},
		"truncated":      good[:len(good)-3],
		"trailing bytes": append(append([]byte{}, good...), 0x00),
		"unknown kind":   append([]byte{0x09}, good[1:]...),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			env := cdc.Decode(input)
			if env.Kind != message.KindInvalid {
				t.Fatalf("expected invalid envelope, got %s", env.Kind)
			}
		})
	}
}

func TestEncodeHelpers(t *testing.T) {
	cdc := &JSONCodec{}

	data, err := EncodeRequest(cdc, "abc", "echo", map[string]int{"x": 1})
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	if string(data) != `{"kind":"request","id":"abc","method":"echo","params":{"x":1}}` {
		t.Errorf("unexpected request encoding %s", data)
	}

	data, err = EncodeSuccess(cdc, "abc", message.ResultOK)
	if err != nil {
		t.Fatalf("EncodeSuccess failed: %v", err)
	}
	if string(data) != `{"kind":"success","id":"abc","result":"OK"}` {
		t.Errorf("unexpected success encoding %s", data)
	}

	data, err = EncodeSuccess(cdc, "abc", nil)
	if err != nil {
		t.Fatalf("EncodeSuccess(nil) failed: %v", err)
	}
	if string(data) != `{"kind":"success","id":"abc","result":null}` {
		t.Errorf("unexpected nil-result encoding %s", data)
	}

	data, err = EncodeError(cdc, "abc", message.CodeInternalError, "boom")
	if err != nil {
		t.Fatalf("EncodeError failed: %v", err)
	}
	if string(data) != `{"kind":"error","id":"abc","error":{"code":-32603,"message":"boom"}}` {
		t.Errorf("unexpected error encoding %s", data)
	}
}

func TestEncodeSuccessEmptyRawResult(t *testing.T) {
	for _, cdc := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		data, err := EncodeSuccess(cdc, "abc", json.RawMessage{})
		if err != nil {
			t.Fatalf("%s: EncodeSuccess(empty) failed: %v", cdc.Type(), err)
		}
		env := cdc.Decode(data)
		if env.Kind != message.KindSuccess {
			t.Fatalf("%s: expected success, got %s (%s)", cdc.Type(), env.Kind, env.Reason)
		}
		if string(env.Result) != "null" {
			t.Errorf("%s: Result mismatch: got %s", cdc.Type(), env.Result)
		}
	}
}

func TestEncodeRejectsMalformed(t *testing.T) {
	for _, cdc := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		_, err := cdc.Encode(&message.Envelope{Kind: message.KindRequest, ID: "1"})
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("%s: expected ErrMalformedEnvelope, got %v", cdc.Type(), err)
		}
	}

	_, err := EncodeRequest(&JSONCodec{}, "1", "m", make(chan int))
	if err == nil {
		t.Error("expected an error for an unmarshalable param")
	}
}

func TestGetCodec(t *testing.T) {
	if GetCodec(ParseType("binary")).Type() != CodecTypeBinary {
		t.Error("expected binary codec")
	}
	if GetCodec(ParseType("JSON")).Type() != CodecTypeJSON {
		t.Error("expected json codec")
	}
	if GetCodec(ParseType("")).Type() != CodecTypeJSON {
		t.Error("expected json codec as default")
	}
}
