package router

import (
	"context"
	"errors"
	"testing"
)

func TestEmitDispatchOrder(t *testing.T) {
	r := New(16)
	var order []string
	h := func(name string) HandlerFunc {
		return func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
			order = append(order, name)
			return nil, nil
		}
	}
	r.Register("foo:bar", "low", 0, h("low"))
	r.Register("foo:bar", "high", 10, h("high"))
	r.Register("foo:*", "wild", 0, h("wild"))
	r.Register("foo:bar", "low2", 0, h("low2"))

	if _, err := r.Emit(context.Background(), "foo:bar", nil, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	want := []string{"high", "low", "wild", "low2"}
	if len(order) != len(want) {
		t.Fatalf("dispatched %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("dispatch order %v, want %v", order, want)
			break
		}
	}
}

func TestEmitAggregatesErrorsWithoutAborting(t *testing.T) {
	r := New(16)
	r.Register("a:b", "bad", 0, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})
	r.Register("a:b", "good", 0, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		return "ok", nil
	})
	results, err := r.Emit(context.Background(), "a:b", nil, nil)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Err == nil || results[1].Value != "ok" {
		t.Errorf("unexpected results %+v", results)
	}
}

func TestEmitRecoverFromPanic(t *testing.T) {
	r := New(16)
	r.Register("a:b", "panicky", 0, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		panic("oops")
	})
	results, err := r.Emit(context.Background(), "a:b", nil, nil)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("panic not converted to error result: %+v", results)
	}
}

func TestEmitFirstReturnsFirstNonEmpty(t *testing.T) {
	r := New(16)
	calls := 0
	r.Register("q:x", "empty", 5, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		calls++
		return nil, nil
	})
	r.Register("q:x", "answer", 0, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		calls++
		return "first", nil
	})
	r.Register("q:x", "later", -5, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		calls++
		return "second", nil
	})

	v, err := r.EmitFirst(context.Background(), "q:x", nil, nil)
	if err != nil {
		t.Fatalf("emit_first: %v", err)
	}
	if v != "first" {
		t.Errorf("got %v, want first", v)
	}
	// Fire-and-observe: all handlers still run.
	if calls != 3 {
		t.Errorf("ran %d handlers, want 3", calls)
	}
}

func TestEmitFirstTerminalStopsDispatch(t *testing.T) {
	r := New(16)
	calls := 0
	r.Register("q:x", "terminal", 5, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		calls++
		return Terminal{Value: "done"}, nil
	})
	r.Register("q:x", "never", 0, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		calls++
		return "late", nil
	})
	v, err := r.EmitFirst(context.Background(), "q:x", nil, nil)
	if err != nil {
		t.Fatalf("emit_first: %v", err)
	}
	if v != "done" {
		t.Errorf("got %v, want done", v)
	}
	if calls != 1 {
		t.Errorf("ran %d handlers after terminal, want 1", calls)
	}
}

func TestContextChainForNestedEmit(t *testing.T) {
	r := New(16)
	var inner *Context
	r.Register("child:ev", "inner", 0, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		inner = ec
		return nil, nil
	})
	r.Register("root:ev", "outer", 0, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		_, err := r.Emit(ctx, "child:ev", nil, ec.Child())
		return nil, err
	})

	root := NewContext("client-1", "")
	if _, err := r.Emit(context.Background(), "root:ev", nil, root); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if inner == nil {
		t.Fatal("inner handler not invoked")
	}
	if inner.ParentCorrelationID != root.CorrelationID {
		t.Errorf("parent correlation %q, want %q", inner.ParentCorrelationID, root.CorrelationID)
	}
	if inner.CorrelationID == root.CorrelationID {
		t.Error("child correlation id not fresh")
	}
	if inner.OriginatorID != "client-1" {
		t.Errorf("originator not inherited: %q", inner.OriginatorID)
	}
	if inner.Depth != root.Depth+1 {
		t.Errorf("depth %d, want %d", inner.Depth, root.Depth+1)
	}
}

func TestStripContextKeys(t *testing.T) {
	data := map[string]interface{}{
		"x":               1,
		"_originator_id":  "c",
		"_correlation_id": "k",
		"_timestamp":      123,
	}
	got := StripContextKeys(data)
	if len(got) != 1 || got["x"] != 1 {
		t.Errorf("context keys not stripped: %v", got)
	}
}

func TestEmitHonorsCancellation(t *testing.T) {
	r := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	r.Register("a:b", "canceller", 5, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		cancel()
		return "partial", nil
	})
	r.Register("a:b", "after", 0, func(ctx context.Context, ec *Context, data map[string]interface{}) (interface{}, error) {
		t.Error("handler ran after cancellation")
		return nil, nil
	})
	if _, err := r.Emit(ctx, "a:b", nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
