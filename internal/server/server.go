// Package server implements the TCP front end of the timecode daemon:
// the listener, the accept loop, per-connection handlers, and graceful
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gotc/internal/session"
)

// ErrAlreadyListening indicates a second Listen call on one Server.
var ErrAlreadyListening = errors.New("server is already listening")

// Config carries the listener parameters.
type Config struct {
	// Addr is the TCP listen address in host:port form.
	Addr string

	// MaxLineBytes caps a single request line.
	MaxLineBytes int

	// SendBuffer is the per-client outbound queue length.
	SendBuffer int

	// ShutdownTimeout bounds the graceful drain.
	ShutdownTimeout time.Duration
}

// Server accepts client connections and hands each one to a
// clientConn handler.
type Server struct {
	cfg      Config
	registry *session.Registry
	ids      *session.IDAllocator

	mu    sync.Mutex
	ln    net.Listener
	conns map[string]*clientConn

	logger  *slog.Logger
	metrics session.MetricsReporter
}

// New creates a Server. Listen must be called before Serve.
func New(cfg Config, reg *session.Registry, logger *slog.Logger, metrics session.MetricsReporter) *Server {
	if metrics == nil {
		metrics = session.NopMetrics()
	}

	return &Server{
		cfg:      cfg,
		registry: reg,
		ids:      session.NewIDAllocator(),
		conns:    make(map[string]*clientConn),
		logger:   logger.With(slog.String("component", "server")),
		metrics:  metrics,
	}
}

// Listen binds the TCP listener. Split from Serve so the caller can
// distinguish a bind failure (startup error) from runtime errors.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return ErrAlreadyListening
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}

	s.ln = ln
	s.logger.Info("listening", slog.String("addr", ln.Addr().String()))

	return nil
}

// Addr returns the bound listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

// Serve runs the accept loop until ctx is cancelled, then performs
// the graceful shutdown sequence: close the listener, shut the
// registry down (which notifies and kicks every client), and wait for
// handlers up to ShutdownTimeout before force-closing stragglers.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return errors.New("server is not listening")
	}

	var handlers sync.WaitGroup

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				// Listener closed during shutdown is a clean exit.
				if gCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}

				return fmt.Errorf("accept: %w", err)
			}

			s.startConn(gCtx, conn, &handlers)
		}
	})

	g.Go(func() error {
		<-gCtx.Done()

		return s.shutdown(&handlers)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	return nil
}

// startConn allocates an id and spawns the handler goroutine.
func (s *Server) startConn(ctx context.Context, conn net.Conn, handlers *sync.WaitGroup) {
	id, err := s.ids.Allocate()
	if err != nil {
		s.logger.Error("allocate client id", slog.String("error", err.Error()))
		_ = conn.Close()

		return
	}

	cc := newClientConn(id, conn, s.registry, s.cfg.SendBuffer, s.cfg.MaxLineBytes, s.logger, s.metrics)

	if err := s.registry.AddClient(cc); err != nil {
		// Shutting down; refuse the connection.
		s.ids.Release(id)
		_ = conn.Close()

		return
	}

	s.mu.Lock()
	s.conns[id] = cc
	s.mu.Unlock()

	handlers.Add(1)

	go func() {
		defer handlers.Done()

		cc.run(ctx)

		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()

		s.ids.Release(id)
	}()
}

// shutdown executes the drain sequence.
func (s *Server) shutdown(handlers *sync.WaitGroup) error {
	s.logger.Info("shutting down",
		slog.Duration("timeout", s.cfg.ShutdownTimeout))

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("close listener", slog.String("error", err.Error()))
	}

	// Notifies every client with server_shutdown and kicks them; the
	// handlers then drain and exit on their own.
	s.registry.Shutdown()

	done := make(chan struct{})

	go func() {
		handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all clients drained")

		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
	}

	// Deadline passed: force-close whatever is left.
	s.mu.Lock()
	remaining := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		remaining = append(remaining, cc)
	}
	s.mu.Unlock()

	s.logger.Warn("forcing shutdown",
		slog.Int("remaining", len(remaining)))

	for _, cc := range remaining {
		_ = cc.conn.Close()
	}

	<-done

	return nil
}
