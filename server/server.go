// Package server implements the per-connection dispatch loop from
// spec.md §4.5: one acceptor goroutine, one synchronous worker goroutine
// per live session, reflective invocation of registered objects, and
// in-band propagation of return values, exceptions, and block yields.
//
// Unlike a conventional RPC server, dispatch within one connection is
// strictly sequential: spec.md §5 requires that for a single session, the
// next terminating reply is always the one for the request that preceded
// it, and REQUEST_BLOCK's YIELD frames must appear strictly between their
// request and its terminating reply. Fanning requests out to per-request
// goroutines (splitting accept from dispatch into separate goroutine pools)
// would let two requests on the same connection race for the wire and break
// that ordering, so one goroutine owns a session's socket for its entire
// life.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cout/romp/discovery"
	"github.com/cout/romp/endpoint"
	"github.com/cout/romp/middleware"
	"github.com/cout/romp/objregistry"
	"github.com/cout/romp/value"
)

// YieldFunc is the callback signature a registered method declares as its
// final parameter to support REQUEST_BLOCK invocation (spec.md §4.5,
// "Iterator semantics").
type YieldFunc = middleware.YieldFunc

// Predicate inspects a freshly accepted connection and decides whether to
// keep it; returning false closes the session immediately (spec.md §4.5).
type Predicate func(net.Conn) bool

// Option configures a Server at construction time.
type Option func(*Server)

// WithAcceptor installs a connection predicate.
func WithAcceptor(p Predicate) Option { return func(s *Server) { s.acceptPredicate = p } }

// WithDebug enables logging, at Info level through the server's logger, of
// one-way application errors that would otherwise be silently discarded
// (spec.md §7). With the default no-op logger nothing is printed.
func WithDebug(v bool) Option { return func(s *Server) { s.debug = v } }

// WithLogger installs a structured logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// WithCodec overrides the default msgpack value codec.
func WithCodec(c value.Codec) Option { return func(s *Server) { s.codec = c } }

// WithAcceptRateLimit throttles how fast new connections are accepted,
// ahead of the per-connection predicate.
func WithAcceptRateLimit(limiter *rate.Limiter) Option {
	return func(s *Server) { s.acceptLimiter = limiter }
}

// WithMiddleware appends to the chain wrapped around every dispatched call,
// outermost first (the first middleware given sees the call first and last).
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mw...) }
}

// WithDirectory advertises this server under name/endpoint in an optional
// service directory (SPEC_FULL.md §10 — purely additive; the directory has
// nothing to do with the object registry).
func WithDirectory(dir discovery.Directory, name, ep string, weight int, ttl int64) Option {
	return func(s *Server) {
		s.directory = dir
		s.dirName = name
		s.dirInstance = discovery.Instance{Endpoint: ep, Weight: weight}
		s.dirTTL = ttl
	}
}

// Server dispatches calls against one in-memory object registry.
type Server struct {
	registry *objregistry.Registry
	codec    value.Codec

	acceptPredicate Predicate
	acceptLimiter   *rate.Limiter
	debug           bool
	log             *zap.Logger

	directory   discovery.Directory
	dirName     string
	dirInstance discovery.Instance
	dirTTL      int64

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	acceptor endpoint.Acceptor
	ready    chan struct{}
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// New builds a Server with its own object registry.
func New(opts ...Option) *Server {
	s := &Server{
		registry: objregistry.New(),
		codec:    value.MsgpackCodec{},
		log:      zap.NewNop(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = middleware.Chain(s.middlewares...)(s.businessHandler)
	return s
}

// Addr blocks until Serve has bound its listener, then returns its address.
// Useful for tests that dial an ephemeral port (":0").
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.acceptor.Addr()
}

// businessHandler resolves the target object and reflectively invokes the
// requested method; it is the innermost link of the middleware chain.
func (s *Server) businessHandler(ctx context.Context, inv *middleware.Invocation) *middleware.Result {
	obj, ok := s.registry.Get(inv.ObjectID)
	if !ok {
		return &middleware.Result{Err: &NoSuchObjectError{ObjectID: inv.ObjectID}}
	}
	v, err := s.callMethod(obj, inv.Method, inv.Args, inv.Yield)
	return &middleware.Result{Value: v, Err: err}
}

// Register assigns obj a fresh object id (or returns its existing one).
func (s *Server) Register(obj interface{}) (uint16, error) {
	return s.registry.Register(obj)
}

// CreateReference registers obj (if not already) and returns the wire
// value the dispatch layer uses to hand the client a proxy instead of a
// by-value copy (spec.md §4.5, "Return-value shaping").
func (s *Server) CreateReference(obj interface{}) (value.ObjectReference, error) {
	id, err := s.registry.Register(obj)
	if err != nil {
		return value.ObjectReference{}, err
	}
	return value.ObjectReference{ObjectID: id}, nil
}

// DeleteReference removes obj from the registry; its id is never reused
// (spec.md §4.4).
func (s *Server) DeleteReference(obj interface{}) {
	s.registry.Unregister(obj)
}

// Bind registers obj (if not already) under name, for resolution through
// the id-0 resolver object.
func (s *Server) Bind(obj interface{}, name string) error {
	id, err := s.registry.Register(obj)
	if err != nil {
		return err
	}
	return s.registry.Bind(name, id)
}

// HandleConn runs the dispatch loop for one already-established connection.
// Serve calls this for every accepted connection; it's also the entry point
// for driving a session directly (e.g. over net.Pipe) without a listener.
func (s *Server) HandleConn(conn net.Conn) {
	s.wg.Add(1)
	go s.serveConn(conn)
}

// Serve listens on e and runs the accept loop until Shutdown is called or
// a non-shutdown-related accept error occurs.
func (s *Server) Serve(e endpoint.Endpoint) error {
	acc, err := endpoint.Listen(e)
	if err != nil {
		return err
	}
	s.acceptor = acc
	close(s.ready)

	if s.directory != nil {
		if err := s.directory.Register(s.dirName, s.dirInstance, s.dirTTL); err != nil {
			s.log.Warn("directory registration failed", zap.Error(err))
		}
	}

	for {
		conn, err := acc.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if s.acceptLimiter != nil && !s.acceptLimiter.Allow() {
			conn.Close()
			continue
		}
		if s.acceptPredicate != nil && !s.acceptPredicate(conn) {
			conn.Close()
			continue
		}
		s.HandleConn(conn)
	}
}

// Shutdown deregisters from any directory, stops accepting new
// connections, and waits up to timeout for in-flight sessions to close on
// their own (a connection loss, not a forced close — spec.md §5 has no
// cancellation primitive).
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.directory != nil {
		s.directory.Deregister(s.dirName, s.dirInstance.Endpoint)
	}

	s.shutdown.Store(true)
	if s.acceptor != nil {
		s.acceptor.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for sessions to finish")
	}
}
