package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider is the agent-execution collaborator: a request/response call to an
// LLM or codegen backend with token and cost metering. Provider errors are
// classifiable failure evidence, not hard faults.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

type GenerateRequest struct {
	Role      string
	Action    string
	Prompt    string
	MaxTokens int
}

type GenerateResponse struct {
	Content    string
	TokensIn   int
	TokensOut  int
	CostMicros int64
}

// ProviderError is a typed provider failure. Its message is written so the
// failure classifier can map it to the right category.
type ProviderError struct {
	Kind       string // "timeout", "rate_limit", "unavailable"
	RetryAfter time.Duration
	Message    string
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case "rate_limit":
		if e.RetryAfter > 0 {
			return fmt.Sprintf("provider rate limit exceeded, retry-after: %d", int(e.RetryAfter.Seconds()))
		}
		return "provider rate limit exceeded"
	case "timeout":
		return "provider request timed out: " + e.Message
	default:
		return "provider service unavailable: " + e.Message
	}
}

// LocalProvider is a deterministic offline provider used by the CLI local mode
// and tests. It renders boilerplate from the prompt without network access.
type LocalProvider struct{}

func (LocalProvider) Generate(_ context.Context, req GenerateRequest) (GenerateResponse, error) {
	content := localContent(req)
	return GenerateResponse{
		Content:   content,
		TokensIn:  len(req.Prompt) / 4,
		TokensOut: len(content) / 4,
	}, nil
}

func localContent(req GenerateRequest) string {
	switch req.Action {
	case "plan":
		return "" // planner falls back to heuristic graph extraction
	default:
		var b strings.Builder
		fmt.Fprintf(&b, "generated by local provider for %s.%s\n", req.Role, req.Action)
		return b.String()
	}
}

// ScriptedProvider returns canned responses in order, then errors. Tests use
// it to drive specific provider behaviors, including failures.
type ScriptedProvider struct {
	Responses []GenerateResponse
	Errors    []error
	calls     int
}

func (p *ScriptedProvider) Generate(_ context.Context, _ GenerateRequest) (GenerateResponse, error) {
	i := p.calls
	p.calls++
	if i < len(p.Errors) && p.Errors[i] != nil {
		return GenerateResponse{}, p.Errors[i]
	}
	if i < len(p.Responses) {
		return p.Responses[i], nil
	}
	return GenerateResponse{}, &ProviderError{Kind: "unavailable", Message: "script exhausted"}
}
