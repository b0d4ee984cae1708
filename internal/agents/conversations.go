package agents

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ConversationIndex maps a conversation id to its append-only response-id
// log at conversations/<conversation_id>.log, one id per line, chronological.
// Appends go through a dedicated writer goroutine with a bounded queue so
// recording a response never blocks on disk; lines are not fsync'd, so a
// crash may lose the tail but never corrupts the file.
type ConversationIndex struct {
	dir string

	ch   chan indexEntry
	done chan struct{}

	mu    sync.Mutex
	files map[string]*os.File

	wg sync.WaitGroup
}

type indexEntry struct {
	conversationID string
	responseID     string
}

// NewConversationIndex opens (creating if needed) the conversations
// directory and starts the writer.
func NewConversationIndex(dir string, queueSize int) (*ConversationIndex, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("conversations dir: %w", err)
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ix := &ConversationIndex{
		dir:   dir,
		ch:    make(chan indexEntry, queueSize),
		done:  make(chan struct{}),
		files: make(map[string]*os.File),
	}
	ix.wg.Add(1)
	go ix.writer()
	return ix, nil
}

// Append records a response id under a conversation. Non-blocking: if the
// writer queue is full the entry is dropped with a warning.
func (ix *ConversationIndex) Append(conversationID, responseID string) {
	if conversationID == "" || responseID == "" {
		return
	}
	select {
	case ix.ch <- indexEntry{conversationID, responseID}:
	default:
		slog.Warn("conversation index queue full, entry dropped",
			"conversation_id", conversationID, "response_id", responseID)
	}
}

// ResponseIDs reads a conversation's log in order. A missing log is an
// empty conversation, not an error.
func (ix *ConversationIndex) ResponseIDs(conversationID string) ([]string, error) {
	f, err := os.Open(ix.logPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// Sync flushes every open log file to stable storage. Appends themselves
// never fsync; the maintenance scheduler calls this periodically.
func (ix *ConversationIndex) Sync() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var firstErr error
	for id, f := range ix.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sync conversation %s: %w", id, err)
		}
	}
	return firstErr
}

// Close drains pending appends and closes the open log files.
func (ix *ConversationIndex) Close() {
	close(ix.done)
	ix.wg.Wait()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, f := range ix.files {
		f.Close()
	}
	ix.files = nil
}

func (ix *ConversationIndex) writer() {
	defer ix.wg.Done()
	for {
		select {
		case e := <-ix.ch:
			ix.write(e)
		case <-ix.done:
			for {
				select {
				case e := <-ix.ch:
					ix.write(e)
				default:
					return
				}
			}
		}
	}
}

func (ix *ConversationIndex) write(e indexEntry) {
	f, err := ix.file(e.conversationID)
	if err != nil {
		slog.Warn("conversation log open failed", "conversation_id", e.conversationID, "error", err)
		return
	}
	if _, err := f.WriteString(e.responseID + "\n"); err != nil {
		slog.Warn("conversation log append failed", "conversation_id", e.conversationID, "error", err)
	}
}

func (ix *ConversationIndex) file(conversationID string) (*os.File, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if f, ok := ix.files[conversationID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(ix.logPath(conversationID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	ix.files[conversationID] = f
	return f, nil
}

func (ix *ConversationIndex) logPath(conversationID string) string {
	// Separator characters in the id must not escape the directory.
	safe := strings.ReplaceAll(conversationID, string(filepath.Separator), "_")
	return filepath.Join(ix.dir, safe+".log")
}
