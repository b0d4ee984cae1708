package router

import (
	"time"

	"github.com/google/uuid"
)

// Context is the system-injected metadata travelling alongside event data.
// Handlers never see these fields inside the payload; the dispatcher strips
// known context keys from data before invocation.
type Context struct {
	OriginatorID        string `json:"originator_id,omitempty"`
	AgentID             string `json:"agent_id,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
	CorrelationID       string `json:"correlation_id"`
	ParentCorrelationID string `json:"parent_correlation_id,omitempty"`
	EventID             string `json:"event_id"`
	Timestamp           int64  `json:"timestamp"` // UTC nanoseconds
	SourceAgent         string `json:"source_agent,omitempty"`
	Depth               int    `json:"depth,omitempty"` // transformer/emit chain depth
}

// contextKeys are the flattened legacy field names stripped from incoming
// payloads before handler invocation.
var contextKeys = []string{
	"_originator_id", "_agent_id", "_session_id",
	"_correlation_id", "_parent_correlation_id",
	"_event_id", "_timestamp", "_source_agent", "_depth",
}

// NewContext builds a root context for an externally originated event.
// CorrelationID is preserved if the client supplied one.
func NewContext(originatorID, correlationID string) *Context {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &Context{
		OriginatorID:  originatorID,
		CorrelationID: correlationID,
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC().UnixNano(),
	}
}

// Child derives the context for an event emitted while handling this one.
// The parent correlation id points at the enclosing event; originator,
// agent and session identity are inherited.
func (c *Context) Child() *Context {
	return &Context{
		OriginatorID:        c.OriginatorID,
		AgentID:             c.AgentID,
		SessionID:           c.SessionID,
		CorrelationID:       uuid.NewString(),
		ParentCorrelationID: c.CorrelationID,
		EventID:             uuid.NewString(),
		Timestamp:           time.Now().UTC().UnixNano(),
		SourceAgent:         c.SourceAgent,
		Depth:               c.Depth + 1,
	}
}

// StripContextKeys removes flattened legacy context fields from a payload
// so handlers observe only their own keys. Returns the same map.
func StripContextKeys(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	for _, k := range contextKeys {
		delete(data, k)
	}
	return data
}
