package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"mini-ipc/message"
)

// BinaryCodec lays an envelope out as fixed-width integers and length-prefixed strings:
//
//	functionID u32 | objectID u64 | status u8 | nprops u16 | (klen u16, key, vlen u32, value)* | bodyLen u32 | body
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *Envelope")
	}

	keys := msg.Properties.Keys()
	total := 4 + 8 + 1 + 2 + 4 + len(msg.Body)
	for _, k := range keys {
		total += 2 + len(k) + 4 + len(msg.Properties[k])
	}
	buf := make([]byte, 0, total)

	buf = binary.BigEndian.AppendUint32(buf, uint32(msg.FunctionID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(msg.ObjectID))
	buf = append(buf, byte(msg.Status))

	if len(keys) > 0xffff {
		return nil, fmt.Errorf("BinaryCodec: too many properties: %d", len(keys))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(keys)))
	for _, k := range keys {
		if len(k) > 0xffff {
			return nil, fmt.Errorf("BinaryCodec: property key too long: %d", len(k))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		val := msg.Properties[k]
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(val)))
		buf = append(buf, val...)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Body)))
	buf = append(buf, msg.Body...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return errors.New("BinaryCodec: v must be *Envelope")
	}
	r := reader{data: data}

	msg.FunctionID = message.FunctionID(r.u32())
	msg.ObjectID = message.ObjectID(r.u64())
	msg.Status = message.Status(r.u8())

	n := int(r.u16())
	msg.Properties = nil
	for i := 0; i < n && r.err == nil; i++ {
		k := string(r.bytes(int(r.u16())))
		val := string(r.bytes(int(r.u32())))
		msg.SetProperty(k, val)
	}

	body := r.bytes(int(r.u32()))
	if r.err != nil {
		return r.err
	}
	msg.Body = append([]byte(nil), body...)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a buffer and latches the first bounds error.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrShortBuffer
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}
