package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/ksi/internal/bus"
)

// Server is the optional read-only observer endpoint: /health reports daemon
// vitals, /events streams a mirror of bus traffic over WebSocket. It joins
// the bus as an ordinary subscriber; slow browser clients are dropped, never
// blocked on.
type Server struct {
	addr    string
	bus     *bus.MessageBus
	started time.Time

	upgrader websocket.Upgrader
	srv      *http.Server
	ln       net.Listener

	mu      sync.Mutex
	clients map[string]chan []byte
}

const clientBuffer = 64

func NewServer(addr string, b *bus.MessageBus) *Server {
	return &Server{
		addr:    addr,
		bus:     b,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local observer endpoint; the daemon binds loopback.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]chan []byte),
	}
}

// ID and Deliver make the monitor a bus subscriber mirroring every envelope.
func (s *Server) ID() string { return "monitor" }

func (s *Server) Deliver(env *bus.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.clients {
		select {
		case ch <- data:
		default:
			slog.Debug("monitor client lagging, frame dropped", "client", id)
		}
	}
	return nil
}

// Start listens and subscribes to the full event stream.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/events", s.handleEvents)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.bus.Registry().Subscribe(s, []string{"**"})
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("monitor server stopped", "error", err)
		}
	}()
	slog.Info("monitor listening", "addr", s.addr)
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown unsubscribes and closes the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.bus.Registry().Unsubscribe(s.ID(), nil)
	s.mu.Lock()
	for _, ch := range s.clients {
		close(ch)
	}
	s.clients = make(map[string]chan []byte)
	s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.bus.Stats()
	s.mu.Lock()
	observers := len(s.clients)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"observers":      observers,
		"bus":            stats,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := uuid.NewString()
	ch := make(chan []byte, clientBuffer)

	s.mu.Lock()
	s.clients[id] = ch
	s.mu.Unlock()
	slog.Debug("monitor client connected", "client", id)

	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[id]; ok {
			delete(s.clients, id)
			close(ch)
		}
		s.mu.Unlock()
		conn.Close()
		slog.Debug("monitor client gone", "client", id)
	}()

	// Reader goroutine only notices the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
