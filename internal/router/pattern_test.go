package router

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		event   string
		want    bool
	}{
		{"exact", "completion:result", "completion:result", true},
		{"exact mismatch", "completion:result", "completion:status", false},
		{"case sensitive", "Completion:result", "completion:result", false},
		{"single wildcard", "foo:*", "foo:bar", true},
		{"single wildcard exactly one segment", "foo:*", "foo:bar:baz", false},
		{"single wildcard needs a segment", "foo:*", "foo", false},
		{"wildcard middle", "state:*:create", "state:entity:create", true},
		{"wildcard middle mismatch", "state:*:create", "state:entity:delete", false},
		{"multi wildcard", "state:**", "state:entity:create", true},
		{"multi wildcard one segment", "state:**", "state:graph", true},
		{"multi wildcard needs at least one", "state:**", "state", false},
		{"multi wildcard then literal", "a:**:z", "a:b:c:z", true},
		{"multi wildcard then literal mismatch", "a:**:z", "a:b:c", false},
		{"bare star", "*", "system", true},
		{"bare star two segments", "*", "system:ready", false},
		{"bare double star", "**", "system:ready", true},
		{"no wildcard no match", "foo:bar", "foo:baz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(tt.pattern, tt.event); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
			}
		})
	}
}

func TestIsPattern(t *testing.T) {
	if IsPattern("completion:result") {
		t.Error("literal name reported as pattern")
	}
	if !IsPattern("completion:*") {
		t.Error("wildcard not reported as pattern")
	}
}
