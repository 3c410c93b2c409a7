// Package transport moves protocol frames between a comm client and a comm server.
//
// Every endpoint scheme yields the same two abstractions: a Conn that reads and writes
// whole frames, and a Listener that accepts Conns. Stream sockets (tcp, ipc, inproc)
// delimit frames with the protocol header; websockets carry one frame per message.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"mini-ipc/protocol"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Conn is one framed connection. WriteFrame may be called concurrently; ReadFrame must
// only be called from a single goroutine.
type Conn interface {
	WriteFrame(h *protocol.Header, body []byte) error
	ReadFrame() (*protocol.Header, []byte, error)
	Close() error
	RemoteAddr() string
}

// Listener accepts framed connections on one endpoint.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	// Addr is the bound endpoint, with any wildcard port resolved.
	Addr() string
}

// streamConn frames a byte stream.
type streamConn struct {
	conn    net.Conn
	sending sync.Mutex // one frame per write, frames never interleave
}

// NewStreamConn wraps a byte-stream connection.
func NewStreamConn(c net.Conn) Conn {
	return &streamConn{conn: c}
}

func (c *streamConn) WriteFrame(h *protocol.Header, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return protocol.Encode(c.conn, h, body)
}

func (c *streamConn) ReadFrame() (*protocol.Header, []byte, error) {
	return protocol.Decode(c.conn)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

func (c *streamConn) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

type netListener struct {
	ln     net.Listener
	scheme string
}

func (l *netListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewStreamConn(c), nil
}

func (l *netListener) Close() error {
	return l.ln.Close()
}

func (l *netListener) Addr() string {
	return l.scheme + "://" + l.ln.Addr().String()
}

// ListenConfig holds listener options.
type ListenConfig struct {
	// Debug logs every websocket upgrade request.
	Debug bool
}

// Listen binds endpoint with the default configuration.
func Listen(endpoint string) (Listener, error) {
	return ListenConfig{}.Listen(endpoint)
}

// Listen binds endpoint. Binding an address already in use fails.
func (lc ListenConfig) Listen(endpoint string) (Listener, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch ep.Scheme {
	case SchemeTCP:
		ln, err := net.Listen("tcp", ep.Address)
		if err != nil {
			return nil, err
		}
		return &netListener{ln: ln, scheme: SchemeTCP}, nil
	case SchemeIPC:
		ln, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, err
		}
		return &netListener{ln: ln, scheme: SchemeIPC}, nil
	case SchemeInproc:
		return listenInproc(ep.Address)
	case SchemeWS:
		return listenWebsocket(ep.Address, lc.Debug)
	}
	return nil, fmt.Errorf("unsupported scheme %q", ep.Scheme)
}

// Dial connects to endpoint.
func Dial(ctx context.Context, endpoint string) (Conn, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	switch ep.Scheme {
	case SchemeTCP:
		c, err := d.DialContext(ctx, "tcp", ep.Address)
		if err != nil {
			return nil, err
		}
		return NewStreamConn(c), nil
	case SchemeIPC:
		c, err := d.DialContext(ctx, "unix", ep.Address)
		if err != nil {
			return nil, err
		}
		return NewStreamConn(c), nil
	case SchemeInproc:
		return dialInproc(ctx, ep.Address)
	case SchemeWS:
		return dialWebsocket(ctx, ep.Address)
	}
	return nil, fmt.Errorf("unsupported scheme %q", ep.Scheme)
}
