package cancel

import (
	"os"
	"os/signal"
	"sync"
)

// Source delivers cancellation requests (e.g. a console interrupt) to a handler.
type Source interface {
	SetHandler(fn func())
	UnsetHandler()
	RaiseCancel()
}

// SignalSource turns console interrupts into handler calls. While a handler is set the
// process is not terminated by the interrupt.
type SignalSource struct {
	mu      sync.Mutex
	handler func()
	ch      chan os.Signal
	done    chan struct{}
}

func NewSignalSource() *SignalSource {
	return &SignalSource{}
}

func (s *SignalSource) SetHandler(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
	if s.ch != nil {
		return
	}
	s.ch = make(chan os.Signal, 1)
	s.done = make(chan struct{})
	signal.Notify(s.ch, interruptSignals...)
	go s.loop(s.ch, s.done)
}

func (s *SignalSource) loop(ch chan os.Signal, done chan struct{}) {
	for {
		select {
		case <-ch:
			s.fire()
		case <-done:
			return
		}
	}
}

func (s *SignalSource) fire() {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *SignalSource) UnsetHandler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
	if s.ch == nil {
		return
	}
	signal.Stop(s.ch)
	close(s.done)
	s.ch, s.done = nil, nil
}

// RaiseCancel simulates an interrupt. It is a no-op while no handler is set.
func (s *SignalSource) RaiseCancel() {
	s.mu.Lock()
	installed := s.ch != nil
	s.mu.Unlock()
	if installed {
		raise(s)
	}
}

// ManualSource is a Source driven only by RaiseCancel, for embedding and tests.
type ManualSource struct {
	mu      sync.Mutex
	handler func()
}

func (m *ManualSource) SetHandler(fn func()) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

func (m *ManualSource) UnsetHandler() {
	m.SetHandler(nil)
}

func (m *ManualSource) RaiseCancel() {
	m.mu.Lock()
	fn := m.handler
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}
