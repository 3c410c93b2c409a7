// Package codec serializes envelopes and the values they carry.
//
// Two layers:
//   - Codec turns a *message.Envelope into bytes (JSON or Binary, chosen per frame).
//   - ValueCodec turns argument and result values into bytes. Both sides of a
//     client/server pair must use the same ValueCodec; the ping handshake checks its Name.
package codec

import "errors"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

// ErrShortBuffer is returned when a binary payload ends before a declared field.
var ErrShortBuffer = errors.New("codec: short buffer")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}

// Codecs are stateless; one instance of each is shared by every connection.
var (
	jsonCodec   Codec = &JSONCodec{}
	binaryCodec Codec = &BinaryCodec{}
)

// GetCodec returns the codec named by a frame header. Unknown values mean Binary.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return jsonCodec
	}
	return binaryCodec
}
