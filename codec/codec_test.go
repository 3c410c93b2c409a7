package codec

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"mini-ipc/message"
)

func sampleEnvelope() *message.Envelope {
	return &message.Envelope{
		FunctionID: 4,
		ObjectID:   1 << 40,
		Properties: message.Properties{
			message.PropAuthToken: "secret123",
			message.PropCommandID: "17",
		},
		Body:   []byte{0, 1, 2, 0xff},
		Status: message.StatusBadFunction,
	}
}

func TestEnvelopeCodecs(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary} {
		c := GetCodec(ct)
		if c.Type() != ct {
			t.Fatalf("GetCodec(%d) returned codec of type %d", ct, c.Type())
		}

		original := sampleEnvelope()
		data, err := c.Encode(original)
		if err != nil {
			t.Fatalf("codec %d: Encode failed: %v", ct, err)
		}

		var decoded message.Envelope
		if err := c.Decode(data, &decoded); err != nil {
			t.Fatalf("codec %d: Decode failed: %v", ct, err)
		}
		if !reflect.DeepEqual(original, &decoded) {
			t.Errorf("codec %d: mismatch\n got %+v\nwant %+v", ct, decoded, *original)
		}
	}
}

func TestJSONCodecTrailingData(t *testing.T) {
	c := GetCodec(CodecTypeJSON)
	out, err := c.Encode(&message.Envelope{FunctionID: 2, ObjectID: 1, Properties: message.Properties{message.PropError: "<b>"}})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(out, []byte(`\u003c`)) {
		t.Fatalf("html escaped: %s", out)
	}
	var env message.Envelope
	if err := c.Decode(append(out, []byte(` {}`)...), &env); err == nil {
		t.Fatal("expect error for trailing data")
	}
	if err := c.Decode(out, &env); err != nil || env.FunctionID != 2 {
		t.Fatalf("decode: %v %+v", err, env)
	}
}

func TestBinaryCodecDeterministic(t *testing.T) {
	c := &BinaryCodec{}
	a, _ := c.Encode(sampleEnvelope())
	b, _ := c.Encode(sampleEnvelope())
	if !bytes.Equal(a, b) {
		t.Fatal("properties must be emitted in a stable order")
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(sampleEnvelope())
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{0, 3, 14, len(data) - 1} {
		var env message.Envelope
		if err := c.Decode(data[:n], &env); !errors.Is(err, ErrShortBuffer) {
			t.Fatalf("truncated at %d: expect ErrShortBuffer, got %v", n, err)
		}
	}
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	c := &BinaryCodec{}
	if _, err := c.Encode("not an envelope"); err == nil {
		t.Fatal("expect error for non-envelope value")
	}
}

type point struct {
	X, Y int
	Tag  string
}

func TestPackUnpackRoundTrip(t *testing.T) {
	for _, vc := range []ValueCodec{JSONValues{}, ProtoJSON{}} {
		body, err := Pack(vc, 42, "hello", point{1, 2, "p"}, []float64{1.5, -2}, map[string]bool{"ok": true})
		if err != nil {
			t.Fatalf("%s: pack failed: %v", vc.Name(), err)
		}

		r := NewArgReader(vc, body)
		i, err := Read[int](r)
		if err != nil || i != 42 {
			t.Fatalf("%s: int: %v %v", vc.Name(), i, err)
		}
		s, err := Read[string](r)
		if err != nil || s != "hello" {
			t.Fatalf("%s: string: %q %v", vc.Name(), s, err)
		}
		p, err := Read[point](r)
		if err != nil || p != (point{1, 2, "p"}) {
			t.Fatalf("%s: struct: %+v %v", vc.Name(), p, err)
		}
		f, err := Read[[]float64](r)
		if err != nil || !reflect.DeepEqual(f, []float64{1.5, -2}) {
			t.Fatalf("%s: slice: %v %v", vc.Name(), f, err)
		}
		m, err := Read[map[string]bool](r)
		if err != nil || !m["ok"] {
			t.Fatalf("%s: map: %v %v", vc.Name(), m, err)
		}
		if r.Remaining() {
			t.Fatalf("%s: expect all arguments consumed", vc.Name())
		}
		if _, err := Read[int](r); !errors.Is(err, ErrShortBuffer) {
			t.Fatalf("%s: expect ErrShortBuffer past the end, got %v", vc.Name(), err)
		}
	}
}

func TestProtoValues(t *testing.T) {
	vc := ProtoJSON{}
	in := wrapperspb.String("payload")
	body, err := Pack(vc, in, wrapperspb.Int64(0))
	if err != nil {
		t.Fatal(err)
	}

	r := NewArgReader(vc, body)
	out, err := Read[*wrapperspb.StringValue](r)
	if err != nil {
		t.Fatal(err)
	}
	if !proto.Equal(in, out) {
		t.Fatalf("expect %v, got %v", in, out)
	}
	zero, err := Read[*wrapperspb.Int64Value](r)
	if err != nil || zero.GetValue() != 0 {
		t.Fatalf("empty proto message should decode, got %v %v", zero, err)
	}
}

func TestUnpackTrailingData(t *testing.T) {
	body, _ := Pack(nil, 1, 2)
	if _, err := Unpack[int](nil, body); err == nil {
		t.Fatal("expect trailing data error")
	}
	one, _ := Pack(nil, 7)
	if v, err := Unpack[int](nil, one); err != nil || v != 7 {
		t.Fatalf("expect 7, got %v %v", v, err)
	}
}
