package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

const defaultClaudeModel = "sonnet"

// Claude drives the `claude` CLI in non-interactive print mode with JSON
// output. The CLI owns the conversation state; the session id it reports is
// recorded and passed back via --resume on the next turn.
type Claude struct {
	binary string
	model  string
}

type ClaudeOption func(*Claude)

func WithClaudeBinary(path string) ClaudeOption {
	return func(c *Claude) { c.binary = path }
}

func WithClaudeModel(model string) ClaudeOption {
	return func(c *Claude) { c.model = model }
}

func NewClaude(opts ...ClaudeOption) *Claude {
	c := &Claude{binary: "claude", model: defaultClaudeModel}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Claude) Name() string         { return "claude" }
func (c *Claude) DefaultModel() string { return c.model }

func (c *Claude) BuildArgv(req Request) []string {
	argv := []string{c.binary, "-p", "--output-format", "json"}
	model := req.Model
	if model == "" {
		model = c.model
	}
	argv = append(argv, "--model", model)
	if req.SessionID != "" && !req.NewSession {
		argv = append(argv, "--resume", req.SessionID)
	}
	return append(argv, req.Prompt)
}

// claudeOutput is the shape of `claude -p --output-format json` stdout.
type claudeOutput struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Usage     *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Claude) ParseOutput(stdout string) (*Response, error) {
	trimmed := strings.TrimSpace(stdout)
	var out claudeOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		// Older CLI builds fall back to plain text on some paths.
		if trimmed != "" {
			return &Response{Text: trimmed, Raw: stdout}, nil
		}
		return nil, fmt.Errorf("claude output: %w", err)
	}
	if out.IsError {
		return nil, fmt.Errorf("claude reported error: %s", out.Result)
	}
	resp := &Response{Text: out.Result, SessionID: out.SessionID, Raw: stdout}
	if out.Usage != nil {
		resp.Usage = &Usage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			TotalTokens:  out.Usage.InputTokens + out.Usage.OutputTokens,
		}
	}
	return resp, nil
}

func (c *Claude) EnvAllowlist() []string {
	return []string{
		"HOME", "PATH", "TERM", "LANG", "TMPDIR", "USER",
		"ANTHROPIC_API_KEY", "ANTHROPIC_*", "CLAUDE_*",
	}
}
