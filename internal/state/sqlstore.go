package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqlStore implements Store on database/sql for both backends. Queries are
// written with `?` placeholders and rebound to `$n` for postgres.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

func newSQLStore(db *sql.DB, postgres bool) *sqlStore {
	return &sqlStore{db: db, postgres: postgres}
}

// q rebinds placeholders for the active dialect.
func (s *sqlStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) CreateEntity(ctx context.Context, e Entity) (Entity, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		return Entity{}, fmt.Errorf("entity_type required")
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entity{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO entities (id, entity_type, created_at, updated_at) VALUES (?, ?, ?, ?)`),
		e.ID, e.Type, e.CreatedAt, e.UpdatedAt); err != nil {
		return Entity{}, fmt.Errorf("create entity: %w", err)
	}
	for name, value := range e.Properties {
		if err := s.upsertProp(ctx, tx, e.ID, name, value); err != nil {
			return Entity{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Entity{}, err
	}
	return e, nil
}

func (s *sqlStore) UpdateEntity(ctx context.Context, id string, props map[string]interface{}) (Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entity{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE entities SET updated_at = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return Entity{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entity{}, ErrNotFound
	}
	for name, value := range props {
		if value == nil {
			if _, err := tx.ExecContext(ctx,
				s.q(`DELETE FROM entity_properties WHERE entity_id = ? AND name = ?`), id, name); err != nil {
				return Entity{}, err
			}
			continue
		}
		if err := s.upsertProp(ctx, tx, id, name, value); err != nil {
			return Entity{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Entity{}, err
	}
	return s.GetEntity(ctx, id)
}

func (s *sqlStore) upsertProp(ctx context.Context, tx *sql.Tx, entityID, name string, value interface{}) error {
	vt, text, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("property %s: %w", name, err)
	}
	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO entity_properties (entity_id, name, value_type, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_id, name) DO UPDATE SET value_type = excluded.value_type, value = excluded.value`),
		entityID, name, vt, text)
	return err
}

func (s *sqlStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	var e Entity
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, entity_type, created_at, updated_at FROM entities WHERE id = ?`), id).
		Scan(&e.ID, &e.Type, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, err
	}
	e.Properties, err = s.loadProps(ctx, id)
	return e, err
}

func (s *sqlStore) loadProps(ctx context.Context, id string) (map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT name, value_type, value FROM entity_properties WHERE entity_id = ?`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	props := make(map[string]interface{})
	for rows.Next() {
		var name, vt, text string
		if err := rows.Scan(&name, &vt, &text); err != nil {
			return nil, err
		}
		v, err := decodeValue(vt, text)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		props[name] = v
	}
	return props, rows.Err()
}

func (s *sqlStore) QueryEntities(ctx context.Context, q Query) ([]Entity, error) {
	query := `SELECT id FROM entities`
	var args []interface{}
	if q.Type != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, q.Type)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []Entity
	for _, id := range ids {
		e, err := s.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if !matchesWhere(e.Properties, q.Where) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func matchesWhere(props, where map[string]interface{}) bool {
	for name, want := range where {
		got, ok := props[name]
		if !ok || !valueEqual(got, want) {
			return false
		}
	}
	return true
}

// valueEqual compares through JSON so int/float64 representations of the
// same number match.
func valueEqual(a, b interface{}) bool {
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

func (s *sqlStore) DeleteEntity(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM entity_properties WHERE entity_id = ?`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		s.q(`DELETE FROM relationships WHERE from_id = ? OR to_id = ?`), id, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM entities WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *sqlStore) CreateRelationship(ctx context.Context, r Relationship) (Relationship, error) {
	if r.FromID == "" || r.ToID == "" || r.Type == "" {
		return Relationship{}, fmt.Errorf("from_id, to_id, relationship_type required")
	}
	for _, id := range []string{r.FromID, r.ToID} {
		if _, err := s.GetEntity(ctx, id); err != nil {
			return Relationship{}, fmt.Errorf("relationship endpoint %s: %w", id, err)
		}
	}
	r.CreatedAt = time.Now().UTC()
	meta := "{}"
	if r.Metadata != nil {
		data, err := json.Marshal(r.Metadata)
		if err != nil {
			return Relationship{}, err
		}
		meta = string(data)
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO relationships (from_id, to_id, rel_type, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (from_id, to_id, rel_type) DO UPDATE SET metadata = excluded.metadata`),
		r.FromID, r.ToID, r.Type, meta, r.CreatedAt)
	if err != nil {
		return Relationship{}, fmt.Errorf("create relationship: %w", err)
	}
	return r, nil
}

func (s *sqlStore) ListRelationships(ctx context.Context, entityID, relType string, dir Direction) ([]Relationship, error) {
	if dir == "" {
		dir = DirectionBoth
	}
	var clauses []string
	var args []interface{}
	switch dir {
	case DirectionOut:
		clauses = append(clauses, `from_id = ?`)
		args = append(args, entityID)
	case DirectionIn:
		clauses = append(clauses, `to_id = ?`)
		args = append(args, entityID)
	default:
		clauses = append(clauses, `(from_id = ? OR to_id = ?)`)
		args = append(args, entityID, entityID)
	}
	if relType != "" {
		clauses = append(clauses, `rel_type = ?`)
		args = append(args, relType)
	}
	query := `SELECT from_id, to_id, rel_type, metadata, created_at FROM relationships WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Relationship
	for rows.Next() {
		var r Relationship
		var meta string
		if err := rows.Scan(&r.FromID, &r.ToID, &r.Type, &meta, &r.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Traverse walks the graph breadth-first, depth-limited, honoring direction.
func (s *sqlStore) Traverse(ctx context.Context, req TraverseRequest) (*TraverseResult, error) {
	if req.MaxDepth <= 0 {
		req.MaxDepth = 3
	}
	if req.Direction == "" {
		req.Direction = DirectionOut
	}
	root, err := s.GetEntity(ctx, req.FromID)
	if err != nil {
		return nil, err
	}

	result := &TraverseResult{
		Entities: []Entity{root},
		Depths:   map[string]int{root.ID: 0},
	}
	seenEdge := make(map[string]bool)
	frontier := []string{root.ID}

	for depth := 1; depth <= req.MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			rels, err := s.ListRelationships(ctx, id, req.Type, req.Direction)
			if err != nil {
				return nil, err
			}
			for _, r := range rels {
				edge := r.FromID + "\x00" + r.ToID + "\x00" + r.Type
				if !seenEdge[edge] {
					seenEdge[edge] = true
					result.Relationships = append(result.Relationships, r)
				}
				neighbor := r.ToID
				if neighbor == id {
					neighbor = r.FromID
				}
				if _, visited := result.Depths[neighbor]; visited {
					continue
				}
				e, err := s.GetEntity(ctx, neighbor)
				if err != nil {
					if err == ErrNotFound {
						continue
					}
					return nil, err
				}
				result.Depths[neighbor] = depth
				result.Entities = append(result.Entities, e)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return result, nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlStore) Close() error                   { return s.db.Close() }

// encodeValue stores properties as typed JSON text.
func encodeValue(v interface{}) (valueType, text string, err error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", "", err
	}
	switch v.(type) {
	case string:
		valueType = "string"
	case bool:
		valueType = "bool"
	case float64, float32, int, int32, int64, json.Number:
		valueType = "number"
	default:
		valueType = "json"
	}
	return valueType, string(data), nil
}

func decodeValue(valueType, text string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, err
	}
	return v, nil
}
