package codec

import (
	"encoding/json"

	"google.golang.org/protobuf/proto"
)

// ValueCodec encodes argument and result values. Implementations must round-trip exactly
// and be safe for concurrent use.
type ValueCodec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONValues encodes every value with encoding/json.
type JSONValues struct{}

func (JSONValues) Name() string { return "json" }

func (JSONValues) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONValues) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// ProtoJSON encodes protobuf messages with the protobuf wire format and falls back to
// JSON for everything else. Both sides decode into the declared type, so the choice is
// symmetric without any tag on the wire.
type ProtoJSON struct{}

func (ProtoJSON) Name() string { return "proto+json" }

func (ProtoJSON) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return json.Marshal(v)
}

func (ProtoJSON) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

// Default is the value codec used when none is configured.
var Default ValueCodec = ProtoJSON{}
