// Package transport implements the newline-delimited JSON protocol over a
// Unix domain socket: one read pump and one write pump per connection, strict
// frame parsing, bounded frame size, and per-connection write serialization.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// Handler processes parsed frames. HandleFrame may return nil when the
// handler already replied (or the frame needs no reply).
type Handler interface {
	HandleFrame(ctx context.Context, conn *Conn, req *protocol.Request) *protocol.Response
	ConnClosed(conn *Conn)
}

// Options bounds the transport layer.
type Options struct {
	SocketPath       string
	MaxFrameBytes    int
	WriteQueueDepth  int
	SlowReaderPolicy string // PolicyDrop or PolicyDisconnect
	DrainWindow      time.Duration
}

// Server accepts connections on a Unix socket and runs their pumps.
type Server struct {
	opts    Options
	handler Handler
	ln      net.Listener
	ctx     context.Context

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewServer creates a transport server; Start binds the socket.
func NewServer(opts Options, handler Handler) *Server {
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 4 * 1024 * 1024
	}
	if opts.WriteQueueDepth <= 0 {
		opts.WriteQueueDepth = 256
	}
	if opts.SlowReaderPolicy == "" {
		opts.SlowReaderPolicy = PolicyDrop
	}
	if opts.DrainWindow <= 0 {
		opts.DrainWindow = 2 * time.Second
	}
	return &Server{
		opts:    opts,
		handler: handler,
		conns:   make(map[string]*Conn),
	}
}

// Start binds the socket (removing a stale file from a previous run) and
// returns once the listener is up. The accept loop runs in the background
// until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	if err := os.MkdirAll(filepath.Dir(s.opts.SocketPath), 0o755); err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}
	// A leftover socket file from an unclean shutdown blocks bind.
	if _, err := os.Stat(s.opts.SocketPath); err == nil {
		if conn, dialErr := net.DialTimeout("unix", s.opts.SocketPath, time.Second); dialErr == nil {
			conn.Close()
			return fmt.Errorf("socket %s already in use", s.opts.SocketPath)
		}
		os.Remove(s.opts.SocketPath)
	}

	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	os.Chmod(s.opts.SocketPath, 0o600)
	s.ln = ln
	slog.Info("transport listening", "socket", s.opts.SocketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.acceptLoop(ctx, ln)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("accept failed", "error", err)
			continue
		}
		c := newConn(nc, s)
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()
		slog.Debug("client connected", "conn", c.id)
		go c.readPump()
		go c.writePump()
	}
}

// Conn returns a live connection by id.
func (s *Server) Conn(id string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// ConnCount returns the number of live connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Broadcast enqueues a notification frame on every live connection.
func (s *Server) Broadcast(resp *protocol.Response) {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.Send(resp)
	}
}

// Shutdown drains every connection writer within the configured window,
// then removes the socket file.
func (s *Server) Shutdown() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.drain(s.opts.DrainWindow)
		}(c)
	}
	wg.Wait()
	os.Remove(s.opts.SocketPath)
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	_, known := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if known {
		slog.Debug("client disconnected", "conn", c.id, "agent", c.AgentID())
		if s.handler != nil {
			s.handler.ConnClosed(c)
		}
	}
}
