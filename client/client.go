// Package client implements the comm client: it connects to one comm server, stamps
// credentials on every call and turns replies into values or typed errors.
//
// Lifecycle:
//
//	NewClient → Start (dial + ping handshake) → Call / CreateObject / DestroyObject → Stop
//
// A failed Start leaves the client permanently failed; every later call returns
// COMM_FAILURE without touching the network.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"mini-ipc/auth"
	"mini-ipc/codec"
	"mini-ipc/message"
	"mini-ipc/transport"
)

// Client is the comm client. Calls are strictly sequential: one outstanding call at a
// time per client.
type Client struct {
	endpoint string
	cfg      Config
	logger   *zap.Logger

	callMu sync.Mutex // one outstanding call

	connMu  sync.Mutex
	tr      *transport.ClientTransport
	ctrl    *transport.ClientTransport
	addr    string // endpoint currently connected
	ctrlEP  string
	started bool
	failed  error
	stopped bool

	commandID atomic.Uint64 // last command id handed out
	running   atomic.Uint64 // command id of the call in flight, 0 when idle
	cancelReq atomic.Bool

	refMu sync.Mutex
	refs  map[message.ObjectID]int

	watchMu sync.Mutex
	watches map[string]func(kind, text string)
}

// NewClient creates a client for endpoint. With WithDiscovery, endpoint may be empty.
func NewClient(endpoint string, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.ValueCodec == nil {
		cfg.ValueCodec = codec.Default
	}
	c := &Client{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   cfg.Logger.Named("client"),
		ctrlEP:   cfg.ControlEndpoint,
		refs:     make(map[message.ObjectID]int),
		watches:  make(map[string]func(kind, text string)),
	}
	// command ids share one tracker on the server, so clients start at random
	// points; the top bit stays clear so ids never reach 0 or the tracker sentinel.
	c.commandID.Store(rand.Uint64() >> 1)
	return c
}

// Start connects and pings the server, retrying per the connect timeout. On failure
// the client is marked failed for good and the error carries COMM_FAILURE.
func (c *Client) Start(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	switch {
	case c.stopped:
		return commFailure(ErrStopped)
	case c.failed != nil:
		return commFailure(c.failed)
	case c.started:
		return nil
	}

	if err := c.connect(ctx); err != nil {
		c.failed = err
		c.logger.Warn("start failed", zap.Error(err))
		return commFailure(err)
	}
	c.started = true
	if src := c.cfg.Interrupt; src != nil {
		src.SetHandler(func() { c.Cancel() })
	}
	return nil
}

// connect dials until it succeeds or the connect timeout runs out; c.connMu is held.
func (c *Client) connect(ctx context.Context) error {
	timeout := c.cfg.ConnectTimeout
	if timeout > 0 {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, timeout)
		defer cancelFn()
	}

	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: true}
	for {
		err := c.dial(ctx)
		if err == nil {
			return nil
		}
		if timeout == 0 || errors.Is(err, ErrCodecMismatch) {
			return err
		}
		d := b.Duration()
		c.logger.Debug("connect failed, retrying", zap.Error(err), zap.Duration("in", d))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return err
		}
	}
}

// resolve returns the endpoint to dial: the fixed one, or one picked from discovery.
func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.endpoint != "" || c.cfg.Registry == nil {
		return c.endpoint, nil
	}
	instances, err := c.cfg.Registry.Discover(ctx, c.cfg.ServiceName)
	if err != nil {
		return "", err
	}
	inst, err := c.cfg.Balancer.Pick(c.cfg.AffinityKey, instances)
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.cfg.ServiceName, err)
	}
	if c.cfg.ControlEndpoint == "" {
		c.ctrlEP = inst.Control
	}
	return inst.Addr, nil
}

// dial makes one connection attempt including the ping handshake; c.connMu is held.
func (c *Client) dial(ctx context.Context) error {
	endpoint, err := c.resolve(ctx)
	if err != nil {
		return &ConnectionError{Endpoint: c.cfg.ServiceName, Err: err}
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancelFn()
	}

	tr, err := c.open(ctx, endpoint)
	if err != nil {
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}
	serverCodec, err := tr.Ping(ctx, c.cfg.ValueCodec.Name())
	if err != nil {
		tr.Close()
		return &ConnectionError{Endpoint: endpoint, Err: err}
	}
	if serverCodec != c.cfg.ValueCodec.Name() {
		tr.Close()
		return fmt.Errorf("%w: client %s, server %s", ErrCodecMismatch, c.cfg.ValueCodec.Name(), serverCodec)
	}

	var ctrl *transport.ClientTransport
	if c.ctrlEP != "" {
		if ctrl, err = c.open(ctx, c.ctrlEP); err != nil {
			tr.Close()
			return &ConnectionError{Endpoint: c.ctrlEP, Err: err}
		}
	}

	c.closeTransports()
	c.tr, c.ctrl, c.addr = tr, ctrl, endpoint
	if c.hasWatches() {
		c.subscription(message.ControlSubscribe)
	}
	c.logger.Debug("connected", zap.String("addr", endpoint), zap.Stringer("codec", c.cfg.Codec))
	return nil
}

func (c *Client) open(ctx context.Context, endpoint string) (*transport.ClientTransport, error) {
	conn, err := transport.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return transport.NewClientTransport(conn, transport.ClientConfig{
		Codec:     c.cfg.Codec,
		Heartbeat: c.cfg.Heartbeat,
		OnStatus:  c.onStatus,
		Logger:    c.logger,
	}), nil
}

func (c *Client) closeTransports() {
	if c.tr != nil {
		c.tr.Close()
	}
	if c.ctrl != nil {
		c.ctrl.Close()
	}
	c.tr, c.ctrl = nil, nil
}

// transport returns a live transport, reconnecting once if the last one broke.
func (c *Client) transport(ctx context.Context) (*transport.ClientTransport, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	switch {
	case c.stopped:
		return nil, ErrStopped
	case c.failed != nil:
		return nil, c.failed
	case !c.started:
		return nil, ErrNotStarted
	}
	if c.tr != nil {
		select {
		case <-c.tr.Done():
		default:
			return c.tr, nil
		}
		c.logger.Info("connection lost, reconnecting", zap.String("addr", c.addr), zap.Error(c.tr.Err()))
	}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c.tr, nil
}

// Call invokes function fn on object obj with a packed body and returns the packed
// result. Every non-OK outcome is a *message.Error.
func (c *Client) Call(ctx context.Context, obj message.ObjectID, fn message.FunctionID, body []byte) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	tr, err := c.transport(ctx)
	if err != nil {
		return nil, commFailure(err)
	}

	req := &message.Envelope{FunctionID: fn, ObjectID: obj, Body: body}
	id := c.commandID.Add(1)
	req.SetProperty(message.PropCommandID, strconv.FormatUint(id, 10))
	c.cfg.Auth.ApplyAuth(req)

	c.cancelReq.Store(false)
	c.running.Store(id)
	defer c.running.Store(0)

	seq, ch, err := tr.Send(req)
	if err != nil {
		return nil, commFailure(err)
	}
	rep, err := c.await(ctx, tr, seq, id, ch)
	if err != nil {
		return nil, err
	}
	return c.reply(rep)
}

func (c *Client) await(ctx context.Context, tr *transport.ClientTransport, seq uint32, id uint64, ch <-chan *message.Envelope) (*message.Envelope, error) {
	timeout := c.cfg.CallTimeout
	if timeout == 0 {
		select {
		case rep := <-ch:
			return rep, nil
		default:
			tr.Forget(seq)
			return nil, commFailure(errors.New("call timed out"))
		}
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case rep := <-ch:
		return rep, nil
	case <-expired:
		// the server keeps executing; only this side gives up
		tr.Forget(seq)
		return nil, commFailure(fmt.Errorf("call timed out after %s", timeout))
	case <-ctx.Done():
		tr.Forget(seq)
		c.cancelCommand(id)
		return nil, commFailure(ctx.Err())
	}
}

func (c *Client) reply(rep *message.Envelope) ([]byte, error) {
	if c.cfg.ValidateReplies && rep.Status != message.StatusAuthFailure && rep.Status != message.StatusCommFailure {
		if !c.cfg.Auth.ValidateAuth(rep) {
			return nil, message.Errorf(message.StatusAuthFailure, "reply failed authentication")
		}
	}
	if rep.Property(message.PropCancel) == "true" {
		return nil, cancelled()
	}
	if err := rep.Err(); err != nil {
		return nil, err
	}
	return rep.Body, nil
}

// Cancel asks the server to cancel the call in flight. It reports whether there was
// one. The call returns ErrCancelled if the function observed the request.
func (c *Client) Cancel() bool {
	id := c.running.Load()
	if id == 0 {
		return false
	}
	c.cancelReq.Store(true)
	c.cancelCommand(id)
	return true
}

// CancelRequested reports whether Cancel was called during the current call.
func (c *Client) CancelRequested() bool {
	return c.cancelReq.Load()
}

func (c *Client) cancelCommand(id uint64) {
	props := map[string]string{message.PropCommandID: strconv.FormatUint(id, 10)}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := c.sendControl(message.ControlCancel, props, nil); err != nil {
		c.logger.Debug("cancel not sent", zap.Error(err))
	}
}

// sendControl writes a control frame on the control connection if there is one;
// c.connMu is held.
func (c *Client) sendControl(op string, props map[string]string, body []byte) error {
	tr := c.ctrl
	if tr == nil {
		tr = c.tr
	}
	return c.controlOn(tr, op, props, body)
}

// subscription turns status delivery on or off. It always travels on the data
// connection, so the server sees it before any call sent after it; c.connMu is held.
func (c *Client) subscription(op string) error {
	return c.controlOn(c.tr, op, nil, nil)
}

func (c *Client) controlOn(tr *transport.ClientTransport, op string, props map[string]string, body []byte) error {
	if tr == nil {
		return ErrNotStarted
	}
	env := &message.Envelope{Body: body}
	for k, v := range props {
		env.SetProperty(k, v)
	}
	env.SetProperty(message.PropControl, op)
	c.cfg.Auth.ApplyAuth(env)
	return tr.Control(env)
}

// CreateObject constructs a remote object of typeName and returns its id.
func (c *Client) CreateObject(ctx context.Context, typeName string) (message.ObjectID, error) {
	body, err := codec.Pack(c.cfg.ValueCodec, typeName)
	if err != nil {
		return 0, err
	}
	out, err := c.Call(ctx, message.NoObject, message.CreateObject, body)
	if err != nil {
		return 0, err
	}
	id, err := codec.Unpack[message.ObjectID](c.cfg.ValueCodec, out)
	if err != nil {
		return 0, message.Errorf(message.StatusException, "bad object id: %v", err)
	}
	c.Retain(id)
	return id, nil
}

// Retain records one more local holder of id.
func (c *Client) Retain(id message.ObjectID) {
	c.refMu.Lock()
	c.refs[id]++
	c.refMu.Unlock()
}

// DestroyObject drops one local holder of id and, when it was the last one, asks the
// server to destroy the object. The request is fire-and-forget.
func (c *Client) DestroyObject(id message.ObjectID) {
	c.refMu.Lock()
	if n, ok := c.refs[id]; ok {
		if n > 1 {
			c.refs[id] = n - 1
			c.refMu.Unlock()
			return
		}
		delete(c.refs, id)
	}
	c.refMu.Unlock()

	c.connMu.Lock()
	tr, stack := c.tr, c.cfg.Auth
	live := c.started && !c.stopped
	c.connMu.Unlock()
	if !live || tr == nil {
		return
	}
	req := &message.Envelope{FunctionID: message.DestroyObject, ObjectID: id}
	stack.ApplyAuth(req)
	if seq, _, err := tr.Send(req); err == nil {
		tr.Forget(seq)
	}
}

// LiveObjects returns the ids this client still holds, sorted.
func (c *Client) LiveObjects() []message.ObjectID {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	ids := make([]message.ObjectID, 0, len(c.refs))
	for id := range c.refs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SyncObjects tells the server which objects this client still holds; the server
// drops every other object.
func (c *Client) SyncObjects() error {
	body, err := codec.Pack(c.cfg.ValueCodec, c.LiveObjects())
	if err != nil {
		return err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if !c.started || c.stopped {
		return commFailure(ErrNotStarted)
	}
	return c.sendControl(message.ControlSyncObjects, nil, body)
}

// AddStatusWatch calls fn for every server status message whose "KIND: text" form
// starts with prefix. The first watch subscribes the connection; calls made after
// AddStatusWatch returns are reported.
func (c *Client) AddStatusWatch(prefix string, fn func(kind, text string)) {
	c.watchMu.Lock()
	first := len(c.watches) == 0
	c.watches[prefix] = fn
	c.watchMu.Unlock()
	if first {
		c.connMu.Lock()
		if c.started && !c.stopped {
			c.subscription(message.ControlSubscribe)
		}
		c.connMu.Unlock()
	}
}

// RemoveStatusWatch drops the watch on prefix. The last one unsubscribes.
func (c *Client) RemoveStatusWatch(prefix string) {
	c.watchMu.Lock()
	delete(c.watches, prefix)
	last := len(c.watches) == 0
	c.watchMu.Unlock()
	if last {
		c.connMu.Lock()
		if c.started && !c.stopped {
			c.subscription(message.ControlUnsubscribe)
		}
		c.connMu.Unlock()
	}
}

func (c *Client) hasWatches() bool {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	return len(c.watches) > 0
}

func (c *Client) onStatus(env *message.Envelope) {
	kind := env.Property(message.PropStatus)
	text := string(env.Body)
	line := kind + ": " + text
	c.watchMu.Lock()
	var fns []func(kind, text string)
	for prefix, fn := range c.watches {
		if strings.HasPrefix(line, prefix) {
			fns = append(fns, fn)
		}
	}
	c.watchMu.Unlock()
	for _, fn := range fns {
		fn(kind, text)
	}
}

// SetAuth replaces the authentication stack used for later calls.
func (c *Client) SetAuth(methods ...auth.Method) {
	c.callMu.Lock()
	defer c.callMu.Unlock()
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.cfg.Auth = append(auth.Stack(nil), methods...)
}

// ValueCodec returns the codec arguments and results are packed with.
func (c *Client) ValueCodec() codec.ValueCodec {
	return c.cfg.ValueCodec
}

// Endpoint returns the endpoint of the current connection.
func (c *Client) Endpoint() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.addr != "" {
		return c.addr
	}
	return c.endpoint
}

// Stop closes the connection. Later calls fail with COMM_FAILURE. Safe to call twice.
func (c *Client) Stop() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if src := c.cfg.Interrupt; src != nil && c.started {
		src.UnsetHandler()
	}
	c.closeTransports()
	c.logger.Debug("stopped")
}
