package completion

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/ksi/internal/agents"
	"github.com/nextlevelbuilder/ksi/internal/providers"
)

// Journal persists completed responses: the raw record goes to
// responses/<response_id>.jsonl and the response id is appended to the
// conversation's index log. Persistence failures are logged, never fatal.
type Journal struct {
	responsesDir string
	index        *agents.ConversationIndex
}

// ResponseRecord is the on-disk shape of one response file.
type ResponseRecord struct {
	ResponseID string           `json:"response_id"`
	RequestID  string           `json:"request_id"`
	AgentID    string           `json:"agent_id"`
	Provider   string           `json:"provider"`
	SessionID  string           `json:"session_id,omitempty"`
	Text       string           `json:"text"`
	Raw        string           `json:"raw,omitempty"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	DurationMS int64            `json:"duration_ms"`
	CreatedAt  time.Time        `json:"created_at"`
}

func NewJournal(responsesDir string, index *agents.ConversationIndex) (*Journal, error) {
	if err := os.MkdirAll(responsesDir, 0o755); err != nil {
		return nil, fmt.Errorf("responses dir: %w", err)
	}
	return &Journal{responsesDir: responsesDir, index: index}, nil
}

// Record persists one finished completion. The conversation identity is the
// provider session when it supplies one, otherwise the agent itself.
func (j *Journal) Record(st *State, parsed *providers.Response) {
	rec := ResponseRecord{
		ResponseID: st.ResponseID,
		RequestID:  st.RequestID,
		AgentID:    st.AgentID,
		Provider:   st.Provider,
		SessionID:  st.SessionID,
		Text:       parsed.Text,
		Raw:        parsed.Raw,
		Usage:      parsed.Usage,
		DurationMS: st.DurationMS,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("response record marshal failed", "response_id", st.ResponseID, "error", err)
		return
	}
	path := filepath.Join(j.responsesDir, st.ResponseID+".jsonl")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		slog.Warn("response record write failed", "path", path, "error", err)
		return
	}

	conversationID := st.SessionID
	if conversationID == "" {
		conversationID = st.AgentID
	}
	j.index.Append(conversationID, st.ResponseID)
}

// Load reads a persisted response record back.
func (j *Journal) Load(responseID string) (*ResponseRecord, error) {
	data, err := os.ReadFile(filepath.Join(j.responsesDir, responseID+".jsonl"))
	if err != nil {
		return nil, err
	}
	var rec ResponseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("response record %s: %w", responseID, err)
	}
	return &rec, nil
}
