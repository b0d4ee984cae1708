package providers

import (
	"fmt"
	"strings"
)

const defaultGeminiModel = "gemini-2.5-pro"

// Gemini drives the `gemini` CLI in prompt mode. The CLI is stateless
// between invocations and prints the reply as plain text, so no provider
// session id comes back.
type Gemini struct {
	binary string
	model  string
}

type GeminiOption func(*Gemini)

func WithGeminiBinary(path string) GeminiOption {
	return func(g *Gemini) { g.binary = path }
}

func WithGeminiModel(model string) GeminiOption {
	return func(g *Gemini) { g.model = model }
}

func NewGemini(opts ...GeminiOption) *Gemini {
	g := &Gemini{binary: "gemini", model: defaultGeminiModel}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gemini) Name() string         { return "gemini" }
func (g *Gemini) DefaultModel() string { return g.model }

func (g *Gemini) BuildArgv(req Request) []string {
	model := req.Model
	if model == "" {
		model = g.model
	}
	return []string{g.binary, "-m", model, "-p", req.Prompt}
}

func (g *Gemini) ParseOutput(stdout string) (*Response, error) {
	text := strings.TrimSpace(stdout)
	if text == "" {
		return nil, fmt.Errorf("gemini produced no output")
	}
	return &Response{Text: text, Raw: stdout}, nil
}

func (g *Gemini) EnvAllowlist() []string {
	return []string{
		"HOME", "PATH", "TERM", "LANG", "TMPDIR", "USER",
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "GOOGLE_*", "GEMINI_*",
	}
}
