package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Provider describes one CLI-based LLM backend. The completion service
// builds the child's argv and environment from it and hands the stdout back
// for parsing; process lifecycle belongs to the supervisor.
type Provider interface {
	// Name is the provider identifier ("claude", "gemini").
	Name() string

	// DefaultModel is used when a request names none.
	DefaultModel() string

	// BuildArgv returns the complete child command line for a request.
	BuildArgv(req Request) []string

	// ParseOutput interprets the child's stdout into a response. Providers
	// emitting JSON parse it; plain-text providers wrap the raw text.
	ParseOutput(stdout string) (*Response, error)

	// EnvAllowlist names the environment variables the child may inherit.
	EnvAllowlist() []string
}

// Request is one completion request as the provider sees it.
type Request struct {
	Prompt     string
	Model      string
	SessionID  string // provider conversation id to resume, empty for fresh
	NewSession bool   // force a fresh conversation even if SessionID is set
}

// Response is a parsed provider reply.
type Response struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"` // provider conversation id, if it supplies one
	Raw       string `json:"raw,omitempty"`        // original stdout for the response record
	Usage     *Usage `json:"usage,omitempty"`
}

// Usage tracks token consumption when the provider reports it.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// BuildEnv filters the daemon's environment down to the provider's
// allowlist. The child never inherits the full daemon environment.
func BuildEnv(p Provider, extra map[string]string) []string {
	allowed := make(map[string]bool)
	for _, name := range p.EnvAllowlist() {
		allowed[name] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && (allowed[name] || matchPrefix(p.EnvAllowlist(), name)) {
			env = append(env, kv)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// matchPrefix honors allowlist entries ending in "*" as prefixes.
func matchPrefix(allowlist []string, name string) bool {
	for _, a := range allowlist {
		if strings.HasSuffix(a, "*") && strings.HasPrefix(name, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}

// Registry maps provider names to implementations.
type Registry struct {
	byName map[string]Provider
}

// NewRegistry builds a registry with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Provider)}
	r.Register(NewClaude())
	r.Register(NewGemini())
	return r
}

func (r *Registry) Register(p Provider) {
	r.byName[p.Name()] = p
}

// Default is the provider used when a request names none.
func (r *Registry) Default() string { return "claude" }

// Get resolves a provider by name; empty selects claude.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = "claude"
	}
	p, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Names lists registered providers, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
