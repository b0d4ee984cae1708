package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

// echoHandler replies with the request payload under result.echo.
type echoHandler struct {
	mu     sync.Mutex
	closed []string
}

func (h *echoHandler) HandleFrame(ctx context.Context, conn *Conn, req *protocol.Request) *protocol.Response {
	var data map[string]interface{}
	if len(req.Data) > 0 {
		json.Unmarshal(req.Data, &data)
	}
	return protocol.NewSuccess(map[string]interface{}{"echo": data, "event": req.Event}, req.CorrelationID, "ev-1")
}

func (h *echoHandler) ConnClosed(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, conn.ID())
}

func startServer(t *testing.T, maxFrame int) (*Server, string, *echoHandler) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "t.sock")
	h := &echoHandler{}
	srv := NewServer(Options{
		SocketPath:      sock,
		MaxFrameBytes:   maxFrame,
		WriteQueueDepth: 8,
		DrainWindow:     time.Second,
	}, h)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	// Start returns with the listener bound; the socket is dialable now.
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return srv, sock, h
}

func TestStartReturnsWhileServing(t *testing.T) {
	_, sock, _ := startServer(t, 1<<20)
	// startServer called Start on this goroutine, so reaching here at all
	// means the accept loop is backgrounded; the socket must accept.
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial after Start returned: %v", err)
	}
	conn.Close()
}

func TestRequestResponseRoundTrip(t *testing.T) {
	_, sock, _ := startServer(t, 1<<20)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"event":"system:health","data":{"x":1},"correlation_id":"c1"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp protocol.Response
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != protocol.StatusSuccess {
		t.Fatalf("status %q", resp.Status)
	}
	if resp.CorrelationID != "c1" {
		t.Errorf("correlation id %q, want c1", resp.CorrelationID)
	}
	result := resp.Result.(map[string]interface{})
	if result["event"] != "system:health" {
		t.Errorf("echoed event %v", result["event"])
	}
}

func TestBadJSONClosesConnection(t *testing.T) {
	_, sock, _ := startServer(t, 1<<20)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("{not json\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("parse error frame: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrBadJSON {
		t.Errorf("got %+v, want BAD_JSON", resp.Error)
	}
	// Connection must now be closed by the server.
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("connection still open after BAD_JSON")
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	_, sock, _ := startServer(t, 4096)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	big := `{"event":"x","data":{"blob":"` + strings.Repeat("a", 8192) + `"}}` + "\n"
	conn.Write([]byte(big))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrFrameTooLarge {
		t.Errorf("got %+v, want FRAME_TOO_LARGE", resp.Error)
	}
}

func TestWriteOrderPreserved(t *testing.T) {
	srv, sock, _ := startServer(t, 1<<20)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Locate the server-side Conn.
	var sc *Conn
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		srv.mu.RLock()
		for _, c := range srv.conns {
			sc = c
		}
		srv.mu.RUnlock()
		if sc != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sc == nil {
		t.Fatal("server connection not found")
	}

	for i := 0; i < 5; i++ {
		if err := sc.Send(protocol.NewNotification("seq:event", map[string]int{"n": i}, "", "")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	for i := 0; i < 5; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var resp protocol.Response
		json.Unmarshal([]byte(line), &resp)
		payload := resp.Result.(map[string]interface{})
		if int(payload["n"].(float64)) != i {
			t.Fatalf("frame %d carries n=%v", i, payload["n"])
		}
	}
}

func TestConnClosedCallback(t *testing.T) {
	_, sock, h := startServer(t, 1<<20)
	conn, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.closed)
		h.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("ConnClosed not invoked after peer close")
}
