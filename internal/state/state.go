package state

import (
	"context"
	"errors"
	"time"
)

// Entity is one EAV record: an id, a type, and a bag of typed properties.
type Entity struct {
	ID         string                 `json:"entity_id"`
	Type       string                 `json:"entity_type"`
	Properties map[string]interface{} `json:"properties"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Relationship links two entities with a type and optional metadata.
type Relationship struct {
	FromID    string                 `json:"from_id"`
	ToID      string                 `json:"to_id"`
	Type      string                 `json:"relationship_type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Direction selects which edges a relationship listing or traversal follows.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Query filters state:entity:query.
type Query struct {
	Type  string                 `json:"entity_type,omitempty"`
	Where map[string]interface{} `json:"where,omitempty"` // property equality
	Limit int                    `json:"limit,omitempty"`
}

// TraverseRequest walks the relationship graph breadth-first from a root.
type TraverseRequest struct {
	FromID    string    `json:"from_id"`
	Type      string    `json:"relationship_type,omitempty"` // empty follows all
	Direction Direction `json:"direction,omitempty"`
	MaxDepth  int       `json:"max_depth,omitempty"` // default 3
}

// TraverseResult is the visited subgraph.
type TraverseResult struct {
	Entities      []Entity       `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Depths        map[string]int `json:"depths"` // entity id -> distance from root
}

// ErrNotFound marks lookups of unknown entities.
var ErrNotFound = errors.New("entity not found")

// Store is the persistence surface behind the state:* event group.
type Store interface {
	CreateEntity(ctx context.Context, e Entity) (Entity, error)
	// UpdateEntity merges properties into an existing entity; a nil property
	// value deletes that property.
	UpdateEntity(ctx context.Context, id string, props map[string]interface{}) (Entity, error)
	GetEntity(ctx context.Context, id string) (Entity, error)
	QueryEntities(ctx context.Context, q Query) ([]Entity, error)
	// DeleteEntity removes the entity and every relationship touching it.
	DeleteEntity(ctx context.Context, id string) error

	CreateRelationship(ctx context.Context, r Relationship) (Relationship, error)
	ListRelationships(ctx context.Context, entityID, relType string, dir Direction) ([]Relationship, error)
	Traverse(ctx context.Context, req TraverseRequest) (*TraverseResult, error)

	Ping(ctx context.Context) error
	Close() error
}
