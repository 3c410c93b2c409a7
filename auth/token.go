package auth

import (
	"crypto/subtle"

	"mini-ipc/message"
)

// Token is a shared secret carried in the authtoken property and validated by exact match.
type Token struct {
	secret string
}

func NewToken(secret string) *Token {
	return &Token{secret: secret}
}

func (t *Token) ApplyAuth(env *message.Envelope) {
	env.SetProperty(message.PropAuthToken, t.secret)
}

func (t *Token) ValidateAuth(env *message.Envelope) bool {
	got, ok := env.Properties.Get(message.PropAuthToken)
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(t.secret)) == 1
}
