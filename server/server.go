// Package server implements the region controller's RPC listener service.
//
// The listener binds an ephemeral TCP port, accepts connections and serves
// each one with a symmetric transport.Peer whose inbound requests go through
// the middleware chain into the command dispatcher:
//
//	Accept conn → transport.Peer (one read goroutine per conn)
//	  → for each request: go answer
//	    → Codec.Decode → Middleware Chain → Dispatcher.Handle (reflect.Call) → Codec.Encode → write response
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jjqq2013/maas/codec"
	"github.com/jjqq2013/maas/middleware"
	"github.com/jjqq2013/maas/transport"
	"go.uber.org/zap"
)

// ServiceName is the name under which the listener is found in the
// process-wide service collection.
const ServiceName = "rpc"

// ErrBind wraps the error of a failed bind. The listener does not retry.
var ErrBind = errors.New("rpc: bind failed")

// ErrAlreadyStarted is returned by Start on a listener that was started before.
var ErrAlreadyStarted = errors.New("rpc: listener already started")

// State is the lifecycle state of a Server.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Server.
type Config struct {
	// Address to bind. Defaults to ":0", an OS-assigned port on all interfaces.
	Address string
	// Codec used for requests this side originates on accepted connections.
	Codec codec.CodecType
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Options are applied to every accepted peer after the server's own.
	PeerOptions []transport.Option
}

// Server is the RPC listener service.
type Server struct {
	address     string
	codec       codec.CodecType
	logger      *zap.Logger
	peerOptions []transport.Option
	dispatcher  *Dispatcher
	middlewares []middleware.Middleware

	mu          sync.Mutex
	state       State
	cancelStart context.CancelFunc
	listener    net.Listener
	handler     middleware.HandlerFunc
	peers       map[*transport.Peer]struct{}
	wg          sync.WaitGroup // accept loop and peer goroutines
}

// NewServer creates a listener with an empty dispatcher.
func NewServer(cfg Config) *Server {
	s := &Server{
		address:     cfg.Address,
		codec:       cfg.Codec,
		logger:      cfg.Logger,
		peerOptions: cfg.PeerOptions,
		dispatcher:  NewDispatcher(),
		peers:       make(map[*transport.Peer]struct{}),
	}
	if s.address == "" {
		s.address = ":0"
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("service", ServiceName))
	return s
}

// Name returns ServiceName.
func (s *Server) Name() string {
	return ServiceName
}

// Register adds a responder's commands to the dispatcher.
func (s *Server) Register(rcvr any) error {
	return s.dispatcher.Register(rcvr)
}

// Dispatcher returns the server's command dispatcher.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must be installed before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start binds the listening socket and starts accepting connections. It
// returns once the bind has succeeded or failed. A Stop that races with Start
// cancels the bind, in which case Start returns nil.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	ctx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	s.handler = middleware.Chain(s.middlewares...)(s.dispatcher.Handle)
	s.mu.Unlock()
	defer cancel()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelStart = nil

	if s.state == StateStopped {
		// Stop won the race; whatever the bind produced is discarded.
		if ln != nil {
			ln.Close()
		}
		return nil
	}
	if err != nil {
		s.state = StateStopped
		if errors.Is(err, context.Canceled) {
			return nil
		}
		s.logger.Error("failed to bind rpc listener", zap.String("address", s.address), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrBind, s.address, err)
	}

	s.listener = ln
	s.state = StateListening
	s.logger.Info("rpc listener started", zap.Stringer("address", ln.Addr()))

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("rpc accept failed", zap.Error(err))
			}
			return
		}

		s.mu.Lock()
		if s.state != StateListening {
			s.mu.Unlock()
			conn.Close()
			return
		}
		opts := append([]transport.Option{
			transport.WithHandler(s.handler),
			transport.WithCodec(s.codec),
			transport.WithLogger(s.logger),
		}, s.peerOptions...)
		peer := transport.NewPeer(conn, opts...)
		s.peers[peer] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.servePeer(peer)
	}
}

func (s *Server) servePeer(peer *transport.Peer) {
	defer s.wg.Done()
	if err := peer.Serve(); err != nil {
		s.logger.Debug("rpc connection ended", zap.Stringer("remote", peer.RemoteAddr()), zap.Error(err))
	}
	s.mu.Lock()
	delete(s.peers, peer)
	s.mu.Unlock()
}

// Stop stops accepting connections, closes live connections and releases the
// socket. It is idempotent and safe to call while Start is in flight. It
// waits for in-flight requests until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateNotStarted, StateStopped:
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	case StateStarting:
		s.state = StateStopped
		if s.cancelStart != nil {
			s.cancelStart()
		}
		s.mu.Unlock()
		return nil
	}

	s.state = StateStopped
	err := s.listener.Close()
	for peer := range s.peers {
		peer.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("rpc listener stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("rpc: waiting for in-flight requests: %w", ctx.Err())
	}
}

// BoundPort returns the port the listener is bound to, and false if it is not
// listening.
func (s *Server) BoundPort() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateListening {
		return 0, false
	}
	addr, ok := s.listener.Addr().(*net.TCPAddr)
	if !ok || addr.Port == 0 {
		return 0, false
	}
	return addr.Port, true
}
