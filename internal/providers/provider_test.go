package providers

import (
	"reflect"
	"strings"
	"testing"
)

func TestClaudeArgv(t *testing.T) {
	c := NewClaude()

	fresh := c.BuildArgv(Request{Prompt: "hello"})
	want := []string{"claude", "-p", "--output-format", "json", "--model", "sonnet", "hello"}
	if !reflect.DeepEqual(fresh, want) {
		t.Errorf("fresh argv %v, want %v", fresh, want)
	}

	resumed := c.BuildArgv(Request{Prompt: "more", SessionID: "sess-1", Model: "opus"})
	if !contains(resumed, "--resume") || !contains(resumed, "sess-1") || !contains(resumed, "opus") {
		t.Errorf("resume argv %v", resumed)
	}

	forced := c.BuildArgv(Request{Prompt: "x", SessionID: "sess-1", NewSession: true})
	if contains(forced, "--resume") {
		t.Errorf("new_session argv still resumes: %v", forced)
	}
}

func TestClaudeParseJSON(t *testing.T) {
	c := NewClaude()
	out := `{"result":"The answer is 4.","session_id":"abc-123","is_error":false,"usage":{"input_tokens":10,"output_tokens":5}}`
	resp, err := c.ParseOutput(out)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Text != "The answer is 4." || resp.SessionID != "abc-123" {
		t.Errorf("parsed %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage %+v", resp.Usage)
	}
}

func TestClaudeParseFallbackText(t *testing.T) {
	c := NewClaude()
	resp, err := c.ParseOutput("plain text reply\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Text != "plain text reply" || resp.SessionID != "" {
		t.Errorf("fallback %+v", resp)
	}
}

func TestClaudeParseError(t *testing.T) {
	c := NewClaude()
	if _, err := c.ParseOutput(`{"result":"rate limited","is_error":true}`); err == nil {
		t.Error("is_error output accepted")
	}
	if _, err := c.ParseOutput(""); err == nil {
		t.Error("empty output accepted")
	}
}

func TestGeminiArgvAndParse(t *testing.T) {
	g := NewGemini()
	argv := g.BuildArgv(Request{Prompt: "hi"})
	if argv[0] != "gemini" || !contains(argv, "gemini-2.5-pro") || argv[len(argv)-1] != "hi" {
		t.Errorf("argv %v", argv)
	}

	resp, err := g.ParseOutput("  a reply\n")
	if err != nil || resp.Text != "a reply" || resp.SessionID != "" {
		t.Errorf("parse: %+v %v", resp, err)
	}
	if _, err := g.ParseOutput("   \n"); err == nil {
		t.Error("blank output accepted")
	}
}

func TestBuildEnvAllowlist(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "secret")
	t.Setenv("ANTHROPIC_BASE_URL", "http://proxy")
	t.Setenv("KSI_POSTGRES_DSN", "must-not-leak")

	env := BuildEnv(NewClaude(), map[string]string{"CLAUDE_CONFIG_DIR": "/tmp/agent"})

	joined := strings.Join(env, "\n")
	for _, want := range []string{"ANTHROPIC_API_KEY=secret", "ANTHROPIC_BASE_URL=http://proxy", "CLAUDE_CONFIG_DIR=/tmp/agent"} {
		if !strings.Contains(joined, want) {
			t.Errorf("env missing %s", want)
		}
	}
	if strings.Contains(joined, "KSI_POSTGRES_DSN") {
		t.Error("daemon secret leaked into child env")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if got := r.Names(); !reflect.DeepEqual(got, []string{"claude", "gemini"}) {
		t.Errorf("names %v", got)
	}
	p, err := r.Get("")
	if err != nil || p.Name() != "claude" {
		t.Errorf("default provider %v %v", p, err)
	}
	if _, err := r.Get("gpt9"); err == nil {
		t.Error("unknown provider resolved")
	}
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
