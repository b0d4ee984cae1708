package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/ksi/internal/bus"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// ErrConnClosed is returned by Send after the connection is closed.
var ErrConnClosed = errors.New("connection closed")

// Slow-reader policies.
const (
	PolicyDrop       = "drop"       // drop oldest queued notification
	PolicyDisconnect = "disconnect" // close the connection
)

// Conn is one live client session over the Unix socket. Reads are handled by
// a read pump that parses newline-delimited JSON frames; writes from any
// producer are serialized through a bounded queue drained by a single writer.
type Conn struct {
	id      string
	agentID atomic.Value // string; bound by agent:connect
	nc      net.Conn
	srv     *Server

	mu      sync.Mutex
	queue   [][]byte
	kick    chan struct{}
	closed  bool
	drops   uint64
	highWat int
	policy  string

	done chan struct{}
}

func newConn(nc net.Conn, srv *Server) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		nc:      nc,
		srv:     srv,
		kick:    make(chan struct{}, 1),
		highWat: srv.opts.WriteQueueDepth,
		policy:  srv.opts.SlowReaderPolicy,
		done:    make(chan struct{}),
	}
	c.agentID.Store("")
	return c
}

// ID returns the process-unique connection id. Implements bus.Subscriber.
func (c *Conn) ID() string { return c.id }

// AgentID returns the bound agent id, or "" for anonymous connections.
func (c *Conn) AgentID() string { return c.agentID.Load().(string) }

// BindAgent associates the connection with an agent identity.
func (c *Conn) BindAgent(agentID string) { c.agentID.Store(agentID) }

// Deliver enqueues a bus envelope as an async notification frame.
// Implements bus.Subscriber; never blocks.
func (c *Conn) Deliver(env *bus.Envelope) error {
	var correlationID, eventID string
	if env.Context != nil {
		correlationID = env.Context.CorrelationID
		eventID = env.Context.EventID
	}
	payload := map[string]interface{}{"data": env.Data}
	if env.From != "" {
		payload["from"] = env.From
	}
	if env.To != "" {
		payload["to"] = env.To
	}
	return c.Send(protocol.NewNotification(env.Event, payload, correlationID, eventID))
}

// Send serializes a frame onto the write queue. Beyond the high-water mark
// the slow-reader policy applies: drop-oldest-notification or disconnect.
func (c *Conn) Send(resp *protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if len(c.queue) >= c.highWat {
		if c.policy == PolicyDisconnect {
			c.mu.Unlock()
			slog.Warn("slow reader disconnected", "conn", c.id)
			c.Close()
			return ErrConnClosed
		}
		// Drop the oldest queued notification; direct replies are kept.
		if i := c.oldestNotificationLocked(); i >= 0 {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.drops++
		} else {
			c.queue = c.queue[1:]
			c.drops++
		}
	}
	c.queue = append(c.queue, data)
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

// oldestNotificationLocked finds the first queued async notification frame.
// Notifications carry an "event" key; command replies do not.
func (c *Conn) oldestNotificationLocked() int {
	for i, frame := range c.queue {
		if bytes.Contains(frame, []byte(`"event":`)) {
			return i
		}
	}
	return -1
}

// readPump parses frames until EOF or a protocol violation. Runs in its own
// goroutine per connection.
func (c *Conn) readPump() {
	defer c.Close()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 64*1024), c.srv.opts.MaxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.Send(protocol.NewError(protocol.ErrBadJSON, "malformed JSON frame"))
			slog.Warn("bad frame, closing connection", "conn", c.id, "error", err)
			c.drain(time.Second)
			return
		}
		resp := c.srv.handler.HandleFrame(c.srv.ctx, c, &req)
		if resp != nil {
			if err := c.Send(resp); err != nil {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			c.Send(protocol.NewError(protocol.ErrFrameTooLarge, "frame exceeds maximum size"))
			slog.Warn("oversize frame, closing connection", "conn", c.id)
			c.drain(time.Second)
			return
		}
		if !c.isClosed() {
			slog.Debug("read error", "conn", c.id, "error", err)
		}
	}
}

// writePump drains the write queue. Single writer per connection; writes
// occur in enqueue order.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			c.flush()
			return
		case <-c.kick:
			if !c.flush() {
				return
			}
		}
	}
}

// flush writes every queued frame. Returns false on write error.
func (c *Conn) flush() bool {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return true
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.nc.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := c.nc.Write(append(frame, '\n')); err != nil {
			if !c.isClosed() {
				slog.Debug("write error", "conn", c.id, "error", err)
			}
			c.Close()
			return false
		}
	}
}

// Close tears the connection down once; safe from any goroutine.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.nc.Close()
	c.srv.forget(c)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// drain gives the writer a bounded window to flush pending frames, then
// closes. Used at daemon shutdown.
func (c *Conn) drain(window time.Duration) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		empty := len(c.queue) == 0
		c.mu.Unlock()
		if empty {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Close()
}
