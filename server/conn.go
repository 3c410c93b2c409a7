package server

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"mini-ipc/codec"
	"mini-ipc/dispatch"
	"mini-ipc/message"
	"mini-ipc/middleware"
	"mini-ipc/protocol"
	"mini-ipc/transport"
)

// session is one accepted connection.
type session struct {
	conn       transport.Conn
	codec      atomic.Uint32 // envelope codec of the last frame, used for status frames
	subscribed atomic.Bool
}

func (sess *session) write(mt protocol.MsgType, seq uint32, ct codec.CodecType, body []byte) error {
	return sess.conn.WriteFrame(&protocol.Header{CodecType: byte(ct), MsgType: mt, Seq: seq}, body)
}

// handleConn reads frames sequentially and answers requests in parallel. Replies share
// the connection's write lock, so frames never interleave.
func (s *Server) handleConn(sess *session) {
	logger := s.logger.With(zap.String("remote", sess.conn.RemoteAddr()))
	logger.Debug("connection opened")
	defer func() {
		sess.conn.Close()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		logger.Debug("connection closed")
	}()

	for {
		h, body, err := sess.conn.ReadFrame()
		if err != nil {
			return
		}
		ct := codec.CodecType(h.CodecType)
		sess.codec.Store(uint32(ct))

		switch h.MsgType {
		case protocol.MsgTypeHeartbeat:
		case protocol.MsgTypePing:
			if string(body) != s.cfg.ValueCodec.Name() {
				logger.Warn("client value codec differs", zap.ByteString("client", body), zap.String("server", s.cfg.ValueCodec.Name()))
			}
			if err := sess.write(protocol.MsgTypePong, h.Seq, ct, []byte(s.cfg.ValueCodec.Name())); err != nil {
				return
			}
		case protocol.MsgTypeControl:
			s.handleControl(sess, ct, body)
		case protocol.MsgTypeRequest:
			if s.shutdown.Load() {
				continue // the connection is about to be closed
			}
			// Without `go`, a slow call would block every later frame on this conn,
			// including the cancel meant for it.
			s.wg.Add(1)
			go s.handleRequest(sess, h, body)
		default:
			logger.Debug("unexpected frame", zap.Uint8("type", uint8(h.MsgType)))
		}
	}
}

func (s *Server) handleRequest(sess *session, h *protocol.Header, body []byte) {
	defer s.wg.Done()

	cdc := codec.GetCodec(codec.CodecType(h.CodecType))
	req := &message.Envelope{}
	var rep *message.Envelope
	if err := cdc.Decode(body, req); err != nil {
		rep = req.Fail(message.StatusException, fmt.Sprintf("malformed request: %v", err))
	} else if err := s.workers.Acquire(s.ctx, 1); err != nil {
		rep = req.Fail(message.StatusCommFailure, "server shutting down")
	} else {
		rep = s.route(s.ctx, req)
		s.workers.Release(1)
	}

	if rep.Status != message.StatusAuthFailure {
		s.cfg.Auth.ApplyAuth(rep)
	}
	out, err := cdc.Encode(rep)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.Error(err))
		return
	}
	// Same seq as the request: this is how the client matches replies
	if err := sess.write(protocol.MsgTypeResponse, h.Seq, cdc.Type(), out); err != nil {
		s.logger.Debug("failed to write reply", zap.Error(err))
	}
}

type targetKey struct{}

type target struct {
	object *objectEntry
	entry  *dispatch.Entry
}

// route authenticates req and hands it to its target. Authentication failures never touch the
// registry.
func (s *Server) route(ctx context.Context, req *message.Envelope) *message.Envelope {
	if !s.cfg.Auth.ValidateAuth(req) {
		s.logger.Warn("authentication failure", zap.Uint64("object_id", uint64(req.ObjectID)))
		return req.Fail(message.StatusAuthFailure, "Authentication Failure")
	}

	switch req.FunctionID {
	case message.CreateObject:
		return s.createObject(req)
	case message.DestroyObject:
		if s.objects.remove(req.ObjectID) {
			s.logger.Debug("destroyed object", zap.Uint64("object_id", uint64(req.ObjectID)))
		}
		return req.Reply(message.StatusOK)
	}

	obj, ok := s.objects.get(req.ObjectID)
	if !ok {
		return req.Fail(message.StatusBadObject, fmt.Sprintf("No object %d", req.ObjectID))
	}
	entry, ok := obj.table.Lookup(req.FunctionID)
	if !ok {
		return req.Fail(message.StatusBadFunction,
			fmt.Sprintf("No function %d on %s", req.FunctionID, obj.table.TypeName()))
	}

	ctx = context.WithValue(ctx, targetKey{}, &target{object: obj, entry: entry})
	ctx = middleware.WithCallInfo(ctx, middleware.CallInfo{TypeName: obj.table.TypeName(), Function: entry.Name})
	return s.handler(ctx, req)
}

func (s *Server) createObject(req *message.Envelope) *message.Envelope {
	typeName, err := codec.Unpack[string](s.cfg.ValueCodec, req.Body)
	if err != nil {
		return req.Fail(message.StatusException, fmt.Sprintf("bad type name: %v", err))
	}
	s.typesMu.RLock()
	te, ok := s.types[typeName]
	s.typesMu.RUnlock()
	if !ok {
		return req.Fail(message.StatusException, fmt.Sprintf("Cannot find object type %s", typeName))
	}

	id := s.objects.add(te.ctor(), te.table)
	s.publish(message.StatusInfo, fmt.Sprintf("Creating object of type %s as %d", typeName, id))
	rep := req.Reply(message.StatusOK)
	rep.Body, err = codec.Pack(s.cfg.ValueCodec, id)
	if err != nil {
		return req.Fail(message.StatusException, err.Error())
	}
	return rep
}

// businessHandler runs the resolved function. It is wrapped by the middleware chain.
func (s *Server) businessHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	tgt := ctx.Value(targetKey{}).(*target)

	cmdID, _ := strconv.ParseUint(req.Property(message.PropCommandID), 10, 64)
	if cmdID != 0 {
		var release context.CancelFunc
		ctx, release = s.tracker.Begin(ctx, cmdID)
		defer release()
	}
	s.publish(message.StatusInfo, fmt.Sprintf("Calling object %d function: %s", tgt.object.id, tgt.entry.Name))

	body, err := s.invoke(ctx, tgt, req.Body)

	var checked, cancelled bool
	if cmdID != 0 {
		checked, cancelled = s.tracker.End(cmdID)
	}

	var rep *message.Envelope
	if err != nil {
		s.publish(message.StatusError, fmt.Sprintf("Function %s failed: %v", tgt.entry.Name, err))
		rep = req.Fail(message.StatusException, err.Error())
	} else {
		s.publish(message.StatusInfo, "Function Execution Success")
		rep = req.Reply(message.StatusOK)
		rep.Body = body
	}
	if checked {
		rep.SetProperty(message.PropCancel, strconv.FormatBool(cancelled))
	}
	return rep
}

// invoke turns a handler panic into an error so one bad call cannot take the server down.
func (s *Server) invoke(ctx context.Context, tgt *target, body []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in exported function",
				zap.String("function", tgt.entry.Name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tgt.entry.Invoke(ctx, tgt.object.obj, body, s.cfg.ValueCodec, s.objects)
}

// handleControl applies one control frame. Control frames get no reply; unauthenticated
// ones are dropped.
func (s *Server) handleControl(sess *session, ct codec.CodecType, body []byte) {
	env := &message.Envelope{}
	if err := codec.GetCodec(ct).Decode(body, env); err != nil {
		s.logger.Debug("malformed control frame", zap.Error(err))
		return
	}
	if !s.cfg.Auth.ValidateAuth(env) {
		s.logger.Warn("unauthenticated control frame dropped", zap.String("op", env.Property(message.PropControl)))
		return
	}

	switch op := env.Property(message.PropControl); op {
	case message.ControlCancel:
		id, _ := strconv.ParseUint(env.Property(message.PropCommandID), 10, 64)
		if s.tracker.RequestCancel(id) {
			s.logger.Info("cancelled command", zap.Uint64("command_id", id))
		}
	case message.ControlSubscribe:
		sess.subscribed.Store(true)
	case message.ControlUnsubscribe:
		sess.subscribed.Store(false)
	case message.ControlSyncObjects:
		ids, err := codec.Unpack[[]message.ObjectID](s.cfg.ValueCodec, env.Body)
		if err != nil {
			s.logger.Warn("bad object list", zap.Error(err))
			return
		}
		s.DeleteUnusedObjects(ids, true)
	default:
		s.logger.Debug("unknown control op", zap.String("op", op))
	}
}

// publish sends a status frame to every subscribed connection.
func (s *Server) publish(kind, text string) {
	if s.cfg.Debug {
		s.logger.Debug(text, zap.String("status", kind))
	}
	s.mu.Lock()
	var subs []*session
	for sess := range s.sessions {
		if sess.subscribed.Load() {
			subs = append(subs, sess)
		}
	}
	s.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	env := &message.Envelope{Body: []byte(text)}
	env.SetProperty(message.PropStatus, kind)
	for _, sess := range subs {
		cdc := codec.GetCodec(codec.CodecType(sess.codec.Load()))
		out, err := cdc.Encode(env)
		if err != nil {
			continue
		}
		sess.write(protocol.MsgTypeStatus, 0, cdc.Type(), out)
	}
}
