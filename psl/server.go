// File: psl/server.go
// Package psl
// License: Apache-2.0
//
// Simulated PSL. The server accepts client connections and bridges each one
// to a freshly reset accelerator: client messages become job and MMIO events,
// commands originated by the accelerator become memory requests to the
// client.

package psl

import (
	"context"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/helenaps/pslse/api"
	"github.com/helenaps/pslse/internal/descriptor"
	"github.com/helenaps/pslse/internal/machine"
	"github.com/helenaps/pslse/internal/tags"
	"github.com/helenaps/pslse/internal/transport"
	"github.com/helenaps/pslse/protocol"
	"github.com/pkg/errors"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("psl: server closed")

// MachineFactory builds the command machines of a session from its tag pool.
type MachineFactory func(pool *tags.Pool) api.MachineFactory

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithDescriptor serves desc instead of the configured descriptor file.
func WithDescriptor(desc *descriptor.Store) Option {
	return func(s *Server) { s.desc = desc }
}

// WithMachines replaces the default command machines.
func WithMachines(f MachineFactory) Option {
	return func(s *Server) { s.machines = f }
}

// Server hosts one simulated accelerator.
type Server struct {
	cfg      *Config
	desc     *descriptor.Store
	machines MachineFactory
	log      *log.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	shutdown bool

	busy atomic.Bool
	wg   sync.WaitGroup
}

// NewServer builds a server. The descriptor file named in cfg is loaded
// unless WithDescriptor is given.
func NewServer(cfg *Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		machines: machine.Factory,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = log.Default()
	}
	if s.desc == nil {
		if cfg.Descriptor == "" {
			s.desc = descriptor.New(descriptor.Default())
		} else {
			desc, err := descriptor.Load(cfg.Descriptor)
			if err != nil {
				return nil, err
			}
			s.desc = desc
		}
	}
	return s, nil
}

// Listen binds the configured address.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := transport.Listen(ctx, s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Printf("[psl] afu%d.%d listening on %s", s.cfg.Major, s.cfg.Minor, ln.Addr())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener. Only one client is
// bridged at a time; others are answered with an empty accelerator map.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("psl: serve before listen")
	}

	stop := context.AfterFunc(ctx, func() { s.Shutdown() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed() {
				s.wg.Wait()
				return ErrServerClosed
			}
			s.log.Printf("[psl] accept: %v", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, conn)
	}
}

// Shutdown closes the listener and every open connection.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil
	}
	s.shutdown = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	return err
}

func (s *Server) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	if !s.busy.CompareAndSwap(false, true) {
		s.refuse(conn)
		return
	}
	defer s.busy.Store(false)

	sess := newSession(s, conn)
	if err := sess.run(ctx); err != nil {
		s.log.Printf("[psl] %s: %v", conn.RemoteAddr(), err)
		return
	}
	s.debugf("%s: session ended", conn.RemoteAddr())
}

// refuse completes the handshake with an empty map so the client fails to
// find its accelerator.
func (s *Server) refuse(conn net.Conn) {
	if _, err := protocol.ReadHandshake(conn); err != nil {
		return
	}
	s.log.Printf("[psl] %s: afu%d.%d busy, refusing client", conn.RemoteAddr(), s.cfg.Major, s.cfg.Minor)
	protocol.WriteConnect(conn, 0)
}

func (s *Server) debugf(format string, args ...any) {
	if s.cfg.Debug {
		s.log.Printf("[psl] "+format, args...)
	}
}
