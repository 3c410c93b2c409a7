package auth

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"mini-ipc/message"
)

// Signed stamps a keyed BLAKE2b-256 MAC over the routing fields, the properties and the
// body. Unlike Token the secret never travels on the wire and a tampered body fails.
type Signed struct {
	key []byte
}

// NewSigned returns a signing method. key must be at most 64 bytes.
func NewSigned(key []byte) (*Signed, error) {
	if _, err := blake2b.New256(key); err != nil {
		return nil, err
	}
	return &Signed{key: append([]byte(nil), key...)}, nil
}

func (s *Signed) ApplyAuth(env *message.Envelope) {
	env.SetProperty(message.PropSignature, hex.EncodeToString(s.sum(env)))
}

func (s *Signed) ValidateAuth(env *message.Envelope) bool {
	sig, ok := env.Properties.Get(message.PropSignature)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, s.sum(env)) == 1
}

func (s *Signed) sum(env *message.Envelope) []byte {
	h, _ := blake2b.New256(s.key) // key length checked in NewSigned

	var hdr [13]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(env.FunctionID))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(env.ObjectID))
	hdr[12] = byte(env.Status)
	h.Write(hdr[:])

	var n [4]byte
	field := func(b string) {
		binary.BigEndian.PutUint32(n[:], uint32(len(b)))
		h.Write(n[:])
		h.Write([]byte(b))
	}
	for _, k := range env.Properties.Keys() {
		if k == message.PropSignature {
			continue
		}
		field(k)
		field(env.Properties[k])
	}
	field(string(env.Body))
	return h.Sum(nil)
}
