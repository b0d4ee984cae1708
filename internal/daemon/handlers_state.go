package daemon

import (
	"context"

	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/internal/state"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

func (d *Daemon) registerStateHandlers() {
	d.router.Register(protocol.EventStateEntityCreate, "state.entity.create", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var e state.Entity
		if err := decode(data, &e); err != nil {
			return nil, err
		}
		if e.Type == "" {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "entity_type required"}
		}
		created, err := d.store.CreateEntity(ctx, e)
		if err != nil {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
		}
		return created, nil
	})

	d.router.Register(protocol.EventStateEntityUpdate, "state.entity.update", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			ID         string                 `json:"entity_id"`
			Properties map[string]interface{} `json:"properties"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		updated, err := d.store.UpdateEntity(ctx, req.ID, req.Properties)
		if err != nil {
			return nil, err
		}
		return updated, nil
	})

	d.router.Register(protocol.EventStateEntityGet, "state.entity.get", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			ID string `json:"entity_id"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		e, err := d.store.GetEntity(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return e, nil
	})

	d.router.Register(protocol.EventStateEntityQuery, "state.entity.query", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var q state.Query
		if err := decode(data, &q); err != nil {
			return nil, err
		}
		entities, err := d.store.QueryEntities(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"entities": entities, "count": len(entities)}, nil
	})

	d.router.Register(protocol.EventStateEntityDelete, "state.entity.delete", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			ID string `json:"entity_id"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if err := d.store.DeleteEntity(ctx, req.ID); err != nil {
			return nil, err
		}
		return map[string]interface{}{"entity_id": req.ID, "status": "deleted"}, nil
	})

	d.router.Register(protocol.EventStateRelationshipCreate, "state.relationship.create", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var r state.Relationship
		if err := decode(data, &r); err != nil {
			return nil, err
		}
		if r.FromID == "" || r.ToID == "" || r.Type == "" {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "from_id, to_id and relationship_type required"}
		}
		created, err := d.store.CreateRelationship(ctx, r)
		if err != nil {
			return nil, err
		}
		return created, nil
	})

	d.router.Register(protocol.EventStateRelationshipList, "state.relationship.list", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req struct {
			EntityID  string          `json:"entity_id"`
			Type      string          `json:"relationship_type,omitempty"`
			Direction state.Direction `json:"direction,omitempty"`
		}
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if req.Direction == "" {
			req.Direction = state.DirectionBoth
		}
		rels, err := d.store.ListRelationships(ctx, req.EntityID, req.Type, req.Direction)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"relationships": rels, "count": len(rels)}, nil
	})

	d.router.Register(protocol.EventStateGraphTraverse, "state.graph.traverse", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var req state.TraverseRequest
		if err := decode(data, &req); err != nil {
			return nil, err
		}
		if req.FromID == "" {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: "from_id required"}
		}
		res, err := d.store.Traverse(ctx, req)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
}
