//go:build !windows

package cancel

import (
	"os"
	"syscall"
)

var interruptSignals = []os.Signal{syscall.SIGINT}

// raise sends SIGINT to the current process; the installed notifier picks it up.
func raise(s *SignalSource) {
	if err := syscall.Kill(os.Getpid(), syscall.SIGINT); err != nil {
		s.fire()
	}
}
