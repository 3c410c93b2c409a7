// Package auth stamps and validates credentials on envelopes.
//
// A Method has two operations: ApplyAuth adds credentials to an outgoing envelope and
// ValidateAuth checks an incoming one. Server and client hold an ordered Stack of
// methods; new variants plug in without touching either side.
package auth

import "mini-ipc/message"

// Method is one authentication policy.
type Method interface {
	ApplyAuth(env *message.Envelope)
	ValidateAuth(env *message.Envelope) bool
}

// Stack applies methods in order and validates in reverse order, so the outermost
// stamp is checked first.
type Stack []Method

func (s Stack) ApplyAuth(env *message.Envelope) {
	for _, m := range s {
		m.ApplyAuth(env)
	}
}

func (s Stack) ValidateAuth(env *message.Envelope) bool {
	for i := len(s) - 1; i >= 0; i-- {
		if !s[i].ValidateAuth(env) {
			return false
		}
	}
	return true
}
