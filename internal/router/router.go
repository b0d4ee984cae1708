// Package router implements the typed pub/sub kernel: handler registration
// by event name or wildcard pattern, ordered dispatch with originator and
// correlation context propagation, and declarative transformer rules that
// derive new events from matching ones.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrTransformerLoop is returned when a transformer chain exceeds the
// configured depth cap.
var ErrTransformerLoop = errors.New("transformer depth cap exceeded")

// HandlerFunc processes one event. A nil return value with nil error means
// "no response". Handler errors are recorded per-result and never abort
// dispatch to other handlers.
type HandlerFunc func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error)

// Terminal wraps a handler return value that should stop further dispatch
// in EmitFirst.
type Terminal struct {
	Value interface{}
}

// Result is one handler's outcome for an emitted event.
type Result struct {
	Handler string
	Value   interface{}
	Err     error
}

type registration struct {
	pattern  string
	name     string // handler name for diagnostics
	priority int
	seq      int
	fn       HandlerFunc
}

// Router dispatches events to registered handlers and runs transformers.
type Router struct {
	mu           sync.RWMutex
	exact        map[string][]*registration
	wildcard     []*registration
	transformers []*Transformer
	depthCap     int
	seq          int
}

// New creates a router. depthCap bounds transformer/emit chains (<=0 uses 16).
func New(depthCap int) *Router {
	if depthCap <= 0 {
		depthCap = 16
	}
	return &Router{
		exact:    make(map[string][]*registration),
		depthCap: depthCap,
	}
}

// Register associates a handler with one exact event name or one wildcard
// pattern. Within equal priority, registration order determines dispatch
// order; higher priority dispatches first.
func (r *Router) Register(pattern, name string, priority int, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	reg := &registration{pattern: pattern, name: name, priority: priority, seq: r.seq, fn: fn}
	if IsPattern(pattern) {
		r.wildcard = append(r.wildcard, reg)
		return
	}
	r.exact[pattern] = append(r.exact[pattern], reg)
}

// HasHandler reports whether any handler matches the event name.
func (r *Router) HasHandler(event string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.exact[event]) > 0 {
		return true
	}
	for _, reg := range r.wildcard {
		if Match(reg.pattern, event) {
			return true
		}
	}
	return false
}

// matching returns handlers for an event in dispatch order:
// priority descending, then registration order.
func (r *Router) matching(event string) []*registration {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.exact[event]))
	regs = append(regs, r.exact[event]...)
	for _, reg := range r.wildcard {
		if Match(reg.pattern, event) {
			regs = append(regs, reg)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority > regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	return regs
}

// Emit dispatches an event to all matching handlers and returns every
// handler's result. A nil ec builds a fresh root context. Cancellation
// discards partial responses and returns the context error.
func (r *Router) Emit(ctx context.Context, event string, data map[string]interface{}, ec *Context) ([]Result, error) {
	if ec == nil {
		ec = NewContext("", "")
	}
	if ec.Depth > r.depthCap {
		return nil, fmt.Errorf("%s: %w", event, ErrTransformerLoop)
	}
	data = StripContextKeys(data)

	tctx, span := otel.Tracer("ksi/router").Start(ctx, "router.emit")
	span.SetAttributes(
		attribute.String("event", event),
		attribute.String("correlation_id", ec.CorrelationID),
		attribute.Int("depth", ec.Depth),
	)
	defer span.End()
	ctx = tctx

	var results []Result
	for _, reg := range r.matching(event) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, r.invoke(ctx, reg, ec, data))
	}

	if err := r.runTransformers(ctx, event, data, ec); err != nil {
		results = append(results, Result{Handler: "transformer", Err: err})
	}
	return results, nil
}

// EmitFirst dispatches an event and returns the first non-empty response in
// dispatch order. All handlers still run, unless one returns Terminal.
func (r *Router) EmitFirst(ctx context.Context, event string, data map[string]interface{}, ec *Context) (interface{}, error) {
	if ec == nil {
		ec = NewContext("", "")
	}
	if ec.Depth > r.depthCap {
		return nil, fmt.Errorf("%s: %w", event, ErrTransformerLoop)
	}
	data = StripContextKeys(data)

	var first interface{}
	var firstErr error
	for _, reg := range r.matching(event) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := r.invoke(ctx, reg, ec, data)
		if t, ok := res.Value.(Terminal); ok {
			if err := r.runTransformers(ctx, event, data, ec); err != nil {
				return t.Value, err
			}
			return t.Value, nil
		}
		if first == nil && res.Value != nil {
			first = res.Value
		}
		if firstErr == nil && res.Err != nil {
			firstErr = res.Err
		}
	}
	if err := r.runTransformers(ctx, event, data, ec); err != nil && firstErr == nil {
		firstErr = err
	}
	if first != nil {
		return first, nil
	}
	return nil, firstErr
}

// invoke runs one handler, converting panics into error results so a
// misbehaving handler cannot take down dispatch.
func (r *Router) invoke(ctx context.Context, reg *registration, ec *Context, data map[string]interface{}) (res Result) {
	res.Handler = reg.name
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("handler %s panicked: %v", reg.name, p)
			slog.Error("handler panic", "handler", reg.name, "panic", p)
		}
	}()
	res.Value, res.Err = reg.fn(ctx, ec, data)
	return res
}

// FirstValue extracts the first non-nil handler value from a result set.
func FirstValue(results []Result) (interface{}, error) {
	var firstErr error
	for _, res := range results {
		if res.Value != nil {
			return res.Value, nil
		}
		if firstErr == nil && res.Err != nil {
			firstErr = res.Err
		}
	}
	return nil, firstErr
}
