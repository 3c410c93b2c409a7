// Package protocol implements the binary frame protocol that turns a byte stream into
// whole messages.
//
// The comm layer assumes message-oriented delivery. Stream transports (tcp, ipc, inproc)
// get it from a fixed-size 14-byte header followed by a variable-length body; message
// transports (websocket) carry exactly one frame per message.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ mip  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x69 // 'i'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize bounds a single frame so a corrupt length cannot exhaust memory.
	MaxBodySize = 256 << 20
)

// MsgType distinguishes the frame kinds.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server call envelope
	MsgTypeResponse  MsgType = 1 // Server → Client reply envelope (same seq as the request)
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body, no reply)
	MsgTypePing      MsgType = 3 // Liveness handshake, body = client value codec name
	MsgTypePong      MsgType = 4 // Ping answer, body = server value codec name
	MsgTypeControl   MsgType = 5 // Out-of-band control envelope (cancel, subscriptions, object sync)
	MsgTypeStatus    MsgType = 6 // Server → Client status publication (seq 0)
)

// Envelope codec ids, mirrored from the codec package to avoid a circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Envelope serialization: 0=JSON, 1=Binary
	MsgType   MsgType // Frame kind
	Seq       uint32  // Matches a response to its request
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize+len(body))
	putHeader(buf, h, len(body))
	copy(buf[HeaderSize:], body)

	// One write per frame so stream sockets never see a split header
	_, err := w.Write(buf)
	return err
}

// Marshal returns a complete frame as a byte slice, for message transports.
func Marshal(h *Header, body []byte) []byte {
	var buf bytes.Buffer
	Encode(&buf, h, body) // bytes.Buffer writes never fail
	return buf.Bytes()
}

func putHeader(buf []byte, h *Header, bodyLen int) {
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(bodyLen))
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body size.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	h, err := parseHeader(headerBuf)
	if err != nil {
		return nil, nil, err
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}

// Unmarshal parses a frame held entirely in data.
func Unmarshal(data []byte) (*Header, []byte, error) {
	if len(data) < HeaderSize {
		return nil, nil, fmt.Errorf("short frame: %d bytes", len(data))
	}
	h, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, nil, err
	}
	if int(h.BodyLen) != len(data)-HeaderSize {
		return nil, nil, fmt.Errorf("body length mismatch: header %d, frame %d", h.BodyLen, len(data)-HeaderSize)
	}
	return h, data[HeaderSize:], nil
}

func parseHeader(headerBuf []byte) (*Header, error) {
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeStatus {
		return nil, fmt.Errorf("unsupported message type: %d", msgType)
	}
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, fmt.Errorf("frame body too large: %d", bodyLen)
	}
	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       binary.BigEndian.Uint32(headerBuf[6:10]),
		BodyLen:   bodyLen,
	}, nil
}
