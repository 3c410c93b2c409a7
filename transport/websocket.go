package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"mini-ipc/protocol"
)

// Subprotocol is negotiated on websocket upgrade.
const Subprotocol = "mini-ipc.v1"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsConn struct {
	ws      *websocket.Conn
	sending sync.Mutex
}

func (c *wsConn) WriteFrame(h *protocol.Header, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, protocol.Marshal(h, body))
}

func (c *wsConn) ReadFrame() (*protocol.Header, []byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return protocol.Unmarshal(data)
	}
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

type wsListener struct {
	ln        net.Listener
	path      string
	srv       *http.Server
	conns     chan Conn
	done      chan struct{}
	closeOnce sync.Once
}

func splitWebsocketAddress(addr string) (hostPort, path string) {
	hostPort, path, _ = strings.Cut(addr, "/")
	return hostPort, "/" + path
}

func listenWebsocket(addr string, debug bool) (Listener, error) {
	hostPort, path := splitWebsocketAddress(addr)
	ln, err := net.Listen("tcp", hostPort)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:    ln,
		path:  path,
		conns: make(chan Conn),
		done:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.upgrade)
	h := http.Handler(mux)
	if debug {
		h = requestlog.Wrap(h)
	}
	l.srv = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go l.srv.Serve(ln)
	return l, nil
}

func (l *wsListener) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied with an HTTP error
	}
	select {
	case l.conns <- &wsConn{ws: ws}:
	case <-l.done:
		ws.Close()
	}
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.srv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	})
	return err
}

func (l *wsListener) Addr() string {
	return SchemeWS + "://" + l.ln.Addr().String() + l.path
}

func dialWebsocket(ctx context.Context, addr string) (Conn, error) {
	d := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     []string{Subprotocol},
	}
	ws, _, err := d.DialContext(ctx, "ws://"+addr, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}
