// Package server implements the comm server: it binds endpoints, owns the object
// registry and dispatches calls to exported objects.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → ping/heartbeat/control: answered inline
//	  → request: go handleRequest (bounded by the worker semaphore)
//	    → decode → auth → CREATE/DESTROY or resolve object + function
//	      → middleware chain → invoke → encode → write reply
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gopkg.in/tomb.v2"

	"mini-ipc/cancel"
	"mini-ipc/dispatch"
	"mini-ipc/message"
	"mini-ipc/middleware"
	"mini-ipc/registry"
	"mini-ipc/transport"
)

// BindError reports an endpoint that could not be bound. Start aborts on the first one.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return "bind " + e.Addr + ": " + e.Err.Error()
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ErrNotStarted is returned by operations that need a bound server.
var ErrNotStarted = errors.New("server: not started")

type typeEntry struct {
	table *dispatch.Table
	ctor  func() any
}

// Server is the comm server.
type Server struct {
	cfg    Config
	logger *zap.Logger

	typesMu sync.RWMutex
	types   map[string]*typeEntry

	objects *objectRegistry
	tracker *cancel.Tracker
	workers *semaphore.Weighted

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(...(businessHandler))

	mu        sync.Mutex
	started   bool
	listeners []transport.Listener
	control   transport.Listener
	sessions  map[*session]struct{}
	published string // address registered in the registry

	tomb     tomb.Tomb
	ctx      context.Context // cancelled by Stop; parent of every handler context
	stopCtx  context.CancelFunc
	wg       sync.WaitGroup // in-flight requests
	connWG   sync.WaitGroup // connection read loops
	shutdown atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// NewServer creates an unbound server.
func NewServer(opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.Named("server"),
		types:    make(map[string]*typeEntry),
		objects:  newObjectRegistry(),
		tracker:  cancel.NewTracker(),
		workers:  semaphore.NewWeighted(cfg.Workers),
		sessions: make(map[*session]struct{}),
	}
	s.ctx, s.stopCtx = context.WithCancel(context.Background())
	return s
}

// RegisterType makes the interface described by table constructible remotely. ctor
// builds one fresh object per CREATE_OBJECT. Registering a type name again is a no-op.
func (s *Server) RegisterType(table *dispatch.Table, ctor func() any) {
	s.typesMu.Lock()
	defer s.typesMu.Unlock()
	if _, ok := s.types[table.TypeName()]; ok {
		return
	}
	s.types[table.TypeName()] = &typeEntry{table: table, ctor: ctor}
	s.logger.Debug("registered type", zap.String("type", table.TypeName()), zap.Int("functions", len(table.Entries())))
}

// Use registers a middleware. Middlewares are applied in the order they are added and
// must be registered before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Start binds every configured endpoint. If any bind fails, the ones already bound are
// released and a *BindError is returned.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server: already started")
	}
	if len(s.cfg.Addresses) == 0 {
		return errors.New("server: no address configured")
	}
	if err := s.buildHandler(); err != nil {
		return err
	}

	lc := transport.ListenConfig{Debug: s.cfg.Debug}
	var bound []transport.Listener
	release := func() {
		for _, ln := range bound {
			ln.Close()
		}
	}
	for _, addr := range s.cfg.Addresses {
		ln, err := lc.Listen(addr)
		if err != nil {
			release()
			return &BindError{Addr: addr, Err: err}
		}
		bound = append(bound, ln)
	}

	var control transport.Listener
	if ctrl := s.cfg.ControlAddress; ctrl != "" {
		if ctrl == AutoControl {
			aux, err := transport.AuxEndpoint(bound[0].Addr())
			if err != nil {
				release()
				return err
			}
			ctrl = aux
		}
		ln, err := lc.Listen(ctrl)
		if err != nil {
			release()
			return &BindError{Addr: ctrl, Err: err}
		}
		control = ln
		bound = append(bound, ln)
	}

	if s.cfg.Registry != nil {
		inst := registry.ServiceInstance{Addr: bound[0].Addr(), Weight: s.cfg.Weight}
		if control != nil {
			inst.Control = control.Addr()
		}
		if err := s.cfg.Registry.Register(s.ctx, s.cfg.RegistryName, inst, s.cfg.LeaseTTL); err != nil {
			release()
			return fmt.Errorf("publish %q: %w", s.cfg.RegistryName, err)
		}
		s.published = inst.Addr
	}

	s.listeners, s.control, s.started = bound, control, true
	s.tomb.Go(func() error {
		for _, ln := range bound {
			ln := ln
			s.tomb.Go(func() error { return s.acceptLoop(ln) })
		}
		<-s.tomb.Dying()
		for _, ln := range bound {
			ln.Close()
		}
		return nil
	})
	for _, ln := range bound {
		s.logger.Info("listening", zap.String("addr", ln.Addr()))
	}
	return nil
}

// buildHandler assembles the middleware chain once at startup, not per request.
// Order, outermost first: metrics, debug logging, rate limit, timeout, user middlewares.
func (s *Server) buildHandler() error {
	var mws []middleware.Middleware
	if s.cfg.Metrics != nil {
		m, err := middleware.NewMetrics(s.cfg.Metrics)
		if err != nil {
			return err
		}
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "miniipc",
			Subsystem: "server",
			Name:      "objects",
			Help:      "Live exported objects.",
		}, func() float64 { return float64(s.objects.len()) })
		if err := s.cfg.Metrics.Register(gauge); err != nil {
			return err
		}
		mws = append(mws, m.Middleware())
	}
	if s.cfg.Debug {
		mws = append(mws, middleware.LoggingMiddleware(s.logger))
	}
	if s.cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(s.cfg.RateLimit, s.cfg.RateBurst))
	}
	if s.cfg.CallTimeout > 0 {
		mws = append(mws, middleware.TimeoutMiddleware(s.cfg.CallTimeout, s.logger))
	}
	mws = append(mws, s.middlewares...)
	s.handler = middleware.Chain(mws...)(s.businessHandler)
	return nil
}

func (s *Server) acceptLoop(ln transport.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Stop closes the listener, so Accept fails on purpose
			if s.shutdown.Load() || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", zap.String("addr", ln.Addr()), zap.Error(err))
			return err
		}
		sess := &session{conn: conn}
		s.mu.Lock()
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(sess)
		}()
	}
}

// Stop unbinds, cancels the running command, waits up to timeout for in-flight calls,
// closes every connection and releases all objects. Calling it again returns the first
// result.
func (s *Server) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(timeout)
	})
	return s.stopErr
}

func (s *Server) stop(timeout time.Duration) error {
	s.mu.Lock()
	started := s.started
	published := s.published
	s.mu.Unlock()

	// Deregister first so discovery stops routing new clients here
	if published != "" {
		ctx, cancelFn := context.WithTimeout(context.Background(), timeout)
		if err := s.cfg.Registry.Deregister(ctx, s.cfg.RegistryName, published); err != nil {
			s.logger.Warn("deregister failed", zap.Error(err))
		}
		cancelFn()
	}

	// Flag before closing so acceptLoop treats the Accept error as intentional
	s.shutdown.Store(true)
	if started {
		s.tomb.Kill(nil)
		s.tomb.Wait()
	}

	s.tracker.CancelAll()
	s.stopCtx()

	deadline := time.After(timeout)
	err := waitGroup(&s.wg, deadline)
	if err != nil {
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	s.mu.Lock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()
	if werr := waitGroup(&s.connWG, deadline); werr != nil && err == nil {
		err = errors.New("timeout waiting for connections to close")
	}

	s.objects.clear()
	s.logger.Info("stopped")
	return err
}

// waitGroup waits for wg or until deadline fires.
func waitGroup(wg *sync.WaitGroup, deadline <-chan time.Time) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-deadline:
		return errors.New("timeout")
	}
}

// DeleteUnusedObjects removes the objects named by ids, or with activeList every object
// not named by ids. It returns how many were removed.
func (s *Server) DeleteUnusedObjects(ids []message.ObjectID, activeList bool) int {
	n := s.objects.deleteUnused(ids, activeList)
	if n > 0 {
		s.logger.Debug("deleted unused objects", zap.Int("count", n))
	}
	return n
}

// NumRegisteredObjects returns the number of live objects.
func (s *Server) NumRegisteredObjects() int {
	return s.objects.len()
}

// BoundAddresses returns the bound call endpoints, wildcard ports resolved.
func (s *Server) BoundAddresses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ln := range s.listeners {
		if ln != s.control {
			out = append(out, ln.Addr())
		}
	}
	return out
}

// ControlAddress returns the bound control endpoint, "" when control frames share the
// call endpoints.
func (s *Server) ControlAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.control == nil {
		return ""
	}
	return s.control.Addr()
}

// Tracker exposes the running-command tracker.
func (s *Server) Tracker() *cancel.Tracker {
	return s.tracker
}
