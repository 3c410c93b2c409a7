package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-ipc/codec"
	"mini-ipc/message"
	"mini-ipc/protocol"
)

// DefaultHeartbeat is the interval between heartbeat frames.
const DefaultHeartbeat = 30 * time.Second

// ClientConfig configures a ClientTransport.
type ClientConfig struct {
	Codec     codec.CodecType
	Heartbeat time.Duration // 0 = DefaultHeartbeat, negative disables
	// OnStatus receives status frames published by the server.
	OnStatus func(*message.Envelope)
	Logger   *zap.Logger
}

// ClientTransport multiplexes calls over one framed connection.
//
// Each request gets a sequence number; recvLoop reads replies and routes them to the
// waiting caller by that number, so replies may arrive in any order:
//
//	caller-1 ──Send(seq=1)──┐
//	caller-2 ──Send(seq=2)──┼──→ one Conn ──→ server
//	ping     ──Ping(seq=3)──┘
//
//	recvLoop: ←── reply(seq=2) → pending[2] → caller-2 wakes up
type ClientTransport struct {
	conn    Conn
	codec   codec.Codec
	cfg     ClientConfig
	logger  *zap.Logger
	seqMu   sync.Mutex
	seq     uint32
	pending sync.Map // map[uint32]chan *message.Envelope

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewClientTransport starts the receive loop and, unless disabled, the heartbeat loop.
func NewClientTransport(conn Conn, cfg ClientConfig) *ClientTransport {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	t := &ClientTransport{
		conn:   conn,
		codec:  codec.GetCodec(cfg.Codec),
		cfg:    cfg,
		logger: logger.With(zap.String("remote", conn.RemoteAddr())),
		done:   make(chan struct{}),
	}
	go t.recvLoop()
	if cfg.Heartbeat > 0 {
		go t.heartbeatLoop(cfg.Heartbeat)
	}
	return t
}

func (t *ClientTransport) nextSeq() uint32 {
	t.seqMu.Lock()
	defer t.seqMu.Unlock()
	t.seq++
	if t.seq == 0 { // 0 is reserved for unsolicited frames
		t.seq++
	}
	return t.seq
}

func (t *ClientTransport) write(mt protocol.MsgType, seq uint32, body []byte) error {
	select {
	case <-t.done:
		return t.Err()
	default:
	}
	h := &protocol.Header{CodecType: byte(t.codec.Type()), MsgType: mt, Seq: seq}
	if err := t.conn.WriteFrame(h, body); err != nil {
		t.fail(err)
		return err
	}
	return nil
}

func (t *ClientTransport) await(mt protocol.MsgType, body []byte) (uint32, <-chan *message.Envelope, error) {
	seq := t.nextSeq()
	// register before writing so recvLoop never sees an unknown seq
	ch := make(chan *message.Envelope, 1)
	t.pending.Store(seq, ch)
	if err := t.write(mt, seq, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, err
	}
	return seq, ch, nil
}

// Send writes a request envelope. The returned channel receives exactly one reply; if
// the connection breaks first, the reply carries COMM_FAILURE.
func (t *ClientTransport) Send(env *message.Envelope) (uint32, <-chan *message.Envelope, error) {
	body, err := t.codec.Encode(env)
	if err != nil {
		return 0, nil, err
	}
	return t.await(protocol.MsgTypeRequest, body)
}

// Forget drops the pending slot of seq; a late reply is discarded.
func (t *ClientTransport) Forget(seq uint32) {
	t.pending.Delete(seq)
}

// Control writes a control envelope. Control frames get no reply.
func (t *ClientTransport) Control(env *message.Envelope) error {
	body, err := t.codec.Encode(env)
	if err != nil {
		return err
	}
	return t.write(protocol.MsgTypeControl, 0, body)
}

// Ping performs the liveness handshake, announcing the client's value codec name. It
// returns the server's value codec name.
func (t *ClientTransport) Ping(ctx context.Context, valueCodec string) (string, error) {
	seq, ch, err := t.await(protocol.MsgTypePing, []byte(valueCodec))
	if err != nil {
		return "", err
	}
	select {
	case rep := <-ch:
		if err := rep.Err(); err != nil {
			return "", err
		}
		return string(rep.Body), nil
	case <-ctx.Done():
		t.Forget(seq)
		return "", ctx.Err()
	}
}

// recvLoop is the only reader of the connection: frame boundaries have to be parsed in
// order.
func (t *ClientTransport) recvLoop() {
	for {
		h, body, err := t.conn.ReadFrame()
		if err != nil {
			t.fail(err)
			return
		}
		switch h.MsgType {
		case protocol.MsgTypeResponse:
			env := &message.Envelope{}
			if err := codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, env); err != nil {
				env = &message.Envelope{Status: message.StatusCommFailure}
				env.SetProperty(message.PropError, fmt.Sprintf("malformed reply: %v", err))
			}
			t.deliver(h.Seq, env)
		case protocol.MsgTypePong:
			t.deliver(h.Seq, &message.Envelope{Body: body})
		case protocol.MsgTypeStatus:
			if t.cfg.OnStatus == nil {
				continue
			}
			env := &message.Envelope{}
			if err := codec.GetCodec(codec.CodecType(h.CodecType)).Decode(body, env); err == nil {
				t.cfg.OnStatus(env)
			}
		case protocol.MsgTypeHeartbeat:
		default:
			t.logger.Debug("unexpected frame", zap.Uint8("type", uint8(h.MsgType)))
		}
	}
}

func (t *ClientTransport) deliver(seq uint32, env *message.Envelope) {
	if ch, ok := t.pending.LoadAndDelete(seq); ok {
		ch.(chan *message.Envelope) <- env
	}
}

// fail closes the transport with err and fails every pending caller.
func (t *ClientTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.err = err
		t.errMu.Unlock()
		close(t.done)
		t.conn.Close()
		t.closeAllPending(err)
	})
}

// closeAllPending hands every waiting caller a COMM_FAILURE reply so none blocks forever.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			env := &message.Envelope{Status: message.StatusCommFailure}
			env.SetProperty(message.PropError, err.Error())
			value.(chan *message.Envelope) <- env
		}
		return true
	})
}

// heartbeatLoop keeps idle connections from being reaped and detects dead peers.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.write(protocol.MsgTypeHeartbeat, 0, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// Done is closed once the transport is unusable.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err returns why the transport closed, nil while it is open.
func (t *ClientTransport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close shuts the connection down. Pending callers receive COMM_FAILURE.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}
