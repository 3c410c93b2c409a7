//go:build windows

package cancel

import "os"

// os.Interrupt covers CTRL_C_EVENT and CTRL_BREAK_EVENT.
var interruptSignals = []os.Signal{os.Interrupt}

// raise calls the handler directly; a console control event cannot target only this
// process.
func raise(s *SignalSource) {
	s.fire()
}
