// Package server runs the control-protocol accept loop (§5): one listener,
// one worker goroutine per accepted connection, and a session-id -> worker
// registry so the push engine (internal/notify) can deliver an MNTR or MSCR
// onto the same connection a session authenticated on. Requests on one
// connection are read and dispatched strictly in arrival order, the way the
// teacher's PFCP server drives everything from a single per-socket read
// loop rather than a pool of readers racing each other.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/internal/protocol"
	"github.com/your-org/magic-gateway/internal/wire"
)

const writeTimeout = 5 * time.Second

// Server accepts control-protocol connections and dispatches every framed
// envelope it reads to Handlers.Dispatch.
type Server struct {
	addr     string
	handlers *protocol.Handlers
	logger   *zap.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[string]*conn // sessionID -> owning connection
	wg       sync.WaitGroup
}

// New constructs a Server that will listen on addr once Run is called.
func New(addr string, handlers *protocol.Handlers, logger *zap.Logger) *Server {
	return &Server{
		addr:     addr,
		handlers: handlers,
		logger:   logger,
		conns:    make(map[string]*conn),
	}
}

// Run listens on s.addr and accepts connections until ctx is cancelled. It
// blocks until every accepted connection's worker has exited.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("control socket listening", zap.String("addr", s.addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		c := &conn{
			netConn: nc,
			reader:  wire.NewReader(nc),
			writer:  wire.NewWriter(nc),
			srv:     s,
			logger:  s.logger.With(zap.String("remote", nc.RemoteAddr().String())),
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.run(ctx)
		}()
	}

	s.wg.Wait()
	return nil
}

// Close stops accepting new connections. Run's own ctx cancellation is the
// normal shutdown path; Close exists for callers that hold a Server without
// the ctx that started it (e.g. an admin endpoint).
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// SendToSession implements notify.Sender: it writes env onto the connection
// that currently owns sessionID, or reports an error if the session has no
// connection (already disconnected).
func (s *Server) SendToSession(sessionID string, env *wire.Envelope) error {
	s.mu.Lock()
	c := s.conns[sessionID]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("no connection owns session %s", sessionID)
	}
	return c.send(env)
}

func (s *Server) bind(sessionID string, c *conn) {
	s.mu.Lock()
	s.conns[sessionID] = c
	s.mu.Unlock()
}

func (s *Server) unbind(sessionID string, c *conn) {
	s.mu.Lock()
	if s.conns[sessionID] == c {
		delete(s.conns, sessionID)
	}
	s.mu.Unlock()
}

// conn is one accepted connection's single-threaded read/dispatch loop.
// Answers from this goroutine and pushes from the notify engine both
// write through send, which serializes them with the writeMu below so a
// push is never interleaved with an answer's frame. The connection is
// closed when the server's ctx is cancelled.
type conn struct {
	netConn net.Conn
	reader  *wire.Reader
	writer  *wire.Writer
	srv     *Server
	logger  *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]struct{}
}

func (c *conn) run(ctx context.Context) {
	defer c.netConn.Close()
	c.sessions = make(map[string]struct{})
	defer c.unbindAll()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.netConn.Close()
		case <-stop:
		}
	}()

	for {
		env, err := c.reader.ReadEnvelope()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Debug("connection closed", zap.Error(err))
			}
			return
		}

		ans, err := c.srv.handlers.Dispatch(ctx, env)
		if err != nil {
			c.logger.Warn("dispatch error", zap.String("command", string(env.Command)), zap.Error(err))
			continue
		}
		if ans == nil {
			// Void-returning commands (NTA) have nothing to answer.
			continue
		}

		if ans.SessionID != "" {
			c.track(ans.SessionID)
		}

		if err := c.send(ans); err != nil {
			c.logger.Warn("write answer failed", zap.Error(err))
			return
		}
	}
}

func (c *conn) track(sessionID string) {
	c.mu.Lock()
	_, known := c.sessions[sessionID]
	if !known {
		c.sessions[sessionID] = struct{}{}
	}
	c.mu.Unlock()
	if !known {
		c.srv.bind(sessionID, c)
	}
}

func (c *conn) unbindAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.srv.unbind(id, c)
	}
}

func (c *conn) send(env *wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.writer.WriteEnvelope(env)
}
