package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Transformer is a declarative rewrite rule: when an event matches Source,
// the router emits a derived event at Target whose payload is produced by
// Mapping. The source event is not consumed; its subscribers still see it.
//
// Mapping values:
//   - "$.a.b"        copy from the source payload (dot path)
//   - "lit{$.a}eral" template, {$.path} references substituted
//   - nested map     built recursively
//   - anything else  literal
//
// Condition, when set, is "$.path" (field present and truthy) or
// "$.path == value" compared against the string form of the field.
type Transformer struct {
	Name      string                 `json:"name,omitempty"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Mapping   map[string]interface{} `json:"mapping"`
	Condition string                 `json:"condition,omitempty"`
}

// RegisterTransformer adds a transformer rule. Rules with the same name
// replace the previous registration.
func (r *Router) RegisterTransformer(t *Transformer) error {
	if t.Source == "" || t.Target == "" {
		return fmt.Errorf("transformer needs source and target")
	}
	if t.Source == t.Target {
		return fmt.Errorf("transformer %s: source equals target", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Name != "" {
		for i, old := range r.transformers {
			if old.Name == t.Name {
				r.transformers[i] = t
				return nil
			}
		}
	}
	r.transformers = append(r.transformers, t)
	return nil
}

// Transformers returns a snapshot of the registered rules.
func (r *Router) Transformers() []*Transformer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Transformer, len(r.transformers))
	copy(out, r.transformers)
	return out
}

// runTransformers emits derived events for every rule matching the source
// event. Depth is carried in the child context; exceeding the cap surfaces
// ErrTransformerLoop and drops the derived event.
func (r *Router) runTransformers(ctx context.Context, event string, data map[string]interface{}, ec *Context) error {
	r.mu.RLock()
	rules := make([]*Transformer, 0, len(r.transformers))
	for _, t := range r.transformers {
		if Match(t.Source, event) {
			rules = append(rules, t)
		}
	}
	r.mu.RUnlock()

	var loopErr error
	for _, t := range rules {
		if !evalCondition(t.Condition, data) {
			continue
		}
		child := ec.Child()
		if child.Depth > r.depthCap {
			slog.Warn("transformer loop guard fired",
				"source", event, "target", t.Target, "depth", child.Depth)
			if loopErr == nil {
				loopErr = fmt.Errorf("%s -> %s: %w", event, t.Target, ErrTransformerLoop)
			}
			continue
		}
		derived := applyMapping(t.Mapping, data)
		if _, err := r.Emit(ctx, t.Target, derived, child); err != nil {
			if loopErr == nil {
				loopErr = err
			}
		}
	}
	return loopErr
}

// applyMapping builds the derived payload from the mapping spec.
func applyMapping(mapping map[string]interface{}, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(mapping))
	for k, v := range mapping {
		out[k] = applyValue(v, src)
	}
	return out
}

func applyValue(spec interface{}, src map[string]interface{}) interface{} {
	switch v := spec.(type) {
	case string:
		if strings.HasPrefix(v, "$.") && !strings.ContainsAny(v, "{} ") {
			val, _ := lookupPath(src, v)
			return val
		}
		if strings.Contains(v, "{$.") {
			return substitute(v, src)
		}
		return v
	case map[string]interface{}:
		return applyMapping(v, src)
	default:
		return v
	}
}

// lookupPath resolves "$.a.b" against a nested payload.
func lookupPath(src map[string]interface{}, path string) (interface{}, bool) {
	cur := interface{}(src)
	for _, seg := range strings.Split(strings.TrimPrefix(path, "$."), ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// substitute replaces {$.path} references in a template string.
func substitute(tmpl string, src map[string]interface{}) string {
	var b strings.Builder
	for {
		start := strings.Index(tmpl, "{$.")
		if start < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		end := strings.Index(tmpl[start:], "}")
		if end < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		b.WriteString(tmpl[:start])
		path := tmpl[start+1 : start+end]
		if val, ok := lookupPath(src, path); ok {
			b.WriteString(fmt.Sprintf("%v", val))
		}
		tmpl = tmpl[start+end+1:]
	}
}

// evalCondition evaluates the optional transformer condition.
func evalCondition(cond string, src map[string]interface{}) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true
	}
	if lhs, rhs, ok := strings.Cut(cond, "=="); ok {
		val, found := lookupPath(src, strings.TrimSpace(lhs))
		if !found {
			return false
		}
		want := strings.Trim(strings.TrimSpace(rhs), `"'`)
		return fmt.Sprintf("%v", val) == want
	}
	val, found := lookupPath(src, cond)
	if !found {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		return v != ""
	case nil:
		return false
	default:
		return true
	}
}
