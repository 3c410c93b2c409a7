package codec

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ArgWriter packs values in declaration order. Each value is encoded with the value
// codec and prefixed by its uvarint length.
type ArgWriter struct {
	codec ValueCodec
	buf   []byte
	n     int
}

func NewArgWriter(c ValueCodec) *ArgWriter {
	if c == nil {
		c = Default
	}
	return &ArgWriter{codec: c}
}

// Write appends one value.
func (w *ArgWriter) Write(v any) error {
	data, err := w.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode argument %d (%T): %w", w.n, v, err)
	}
	w.buf = binary.AppendUvarint(w.buf, uint64(len(data)))
	w.buf = append(w.buf, data...)
	w.n++
	return nil
}

// Bytes returns the packed body.
func (w *ArgWriter) Bytes() []byte {
	return w.buf
}

// Pack encodes values in order into one body.
func Pack(c ValueCodec, values ...any) ([]byte, error) {
	w := NewArgWriter(c)
	for _, v := range values {
		if err := w.Write(v); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

// ArgReader unpacks a body written by ArgWriter.
type ArgReader struct {
	codec ValueCodec
	data  []byte
	index int
}

func NewArgReader(c ValueCodec, data []byte) *ArgReader {
	if c == nil {
		c = Default
	}
	return &ArgReader{codec: c, data: data}
}

// Codec returns the value codec the reader decodes with.
func (r *ArgReader) Codec() ValueCodec {
	return r.codec
}

// Remaining reports whether undecoded values are left.
func (r *ArgReader) Remaining() bool {
	return len(r.data) > 0
}

func (r *ArgReader) next() ([]byte, error) {
	if len(r.data) == 0 {
		return nil, fmt.Errorf("argument %d: %w", r.index, ErrShortBuffer)
	}
	l, k := binary.Uvarint(r.data)
	if k <= 0 || uint64(len(r.data)-k) < l {
		return nil, fmt.Errorf("argument %d: %w", r.index, ErrShortBuffer)
	}
	data := r.data[k : k+int(l)]
	r.data = r.data[k+int(l):]
	r.index++
	return data, nil
}

// ReadInto decodes the next value into v, which must be a pointer.
func (r *ArgReader) ReadInto(v any) error {
	data, err := r.next()
	if err != nil {
		return err
	}
	if err := r.codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode argument %d (%T): %w", r.index-1, v, err)
	}
	return nil
}

// Read decodes the next value as a T. Protobuf message types (*pb.Foo) are allocated
// before decoding.
func Read[T any](r *ArgReader) (T, error) {
	var v T
	if m, ok := any(v).(proto.Message); ok {
		m = m.ProtoReflect().New().Interface()
		if err := r.ReadInto(m); err != nil {
			return v, err
		}
		return m.(T), nil
	}
	err := r.ReadInto(&v)
	return v, err
}

// Unpack decodes a single-value body as a T.
func Unpack[T any](c ValueCodec, data []byte) (T, error) {
	r := NewArgReader(c, data)
	v, err := Read[T](r)
	if err != nil {
		return v, err
	}
	if r.Remaining() {
		return v, fmt.Errorf("unpack %T: trailing data", v)
	}
	return v, nil
}
