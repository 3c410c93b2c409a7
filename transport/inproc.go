package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/prep/socketpair"
)

var inproc = struct {
	sync.Mutex
	listeners map[string]*inprocListener
}{listeners: make(map[string]*inprocListener)}

// inprocListener hands out one end of a socketpair per dial.
type inprocListener struct {
	name      string
	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

func listenInproc(name string) (Listener, error) {
	inproc.Lock()
	defer inproc.Unlock()
	if _, ok := inproc.listeners[name]; ok {
		return nil, fmt.Errorf("listen inproc://%s: address already in use", name)
	}
	l := &inprocListener{
		name:  name,
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}
	inproc.listeners[name] = l
	return l, nil
}

func dialInproc(ctx context.Context, name string) (Conn, error) {
	inproc.Lock()
	l, ok := inproc.listeners[name]
	inproc.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial inproc://%s: connection refused", name)
	}

	local, remote, err := socketpair.New("unix")
	if err != nil {
		return nil, fmt.Errorf("dial inproc://%s: %w", name, err)
	}
	select {
	case l.conns <- NewStreamConn(remote):
		return NewStreamConn(local), nil
	case <-l.done:
		err = fmt.Errorf("dial inproc://%s: connection refused", name)
	case <-ctx.Done():
		err = ctx.Err()
	}
	local.Close()
	remote.Close()
	return nil, err
}

func (l *inprocListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *inprocListener) Close() error {
	l.closeOnce.Do(func() {
		inproc.Lock()
		delete(inproc.listeners, l.name)
		inproc.Unlock()
		close(l.done)
	})
	return nil
}

func (l *inprocListener) Addr() string {
	return SchemeInproc + "://" + l.name
}
