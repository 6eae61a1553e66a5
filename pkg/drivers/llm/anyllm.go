package llm

import (
	"context"
	"fmt"

	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voxloop/turnpipe/pkg/turnpipe"
)

// AnyLLM drives any backend github.com/mozilla-ai/any-llm-go supports
// through a single provider-agnostic driver, so a deployment picks a
// backend by name at construction time rather than wiring a new Go type
// for every vendor. The request's Settings are not consulted.
type AnyLLM struct {
	abortable
	backend anyllm.Provider
	model   string
}

// NewAnyLLM constructs a driver backed by providerName (one of "openai",
// "anthropic", "gemini", "groq"). model is the model id passed through
// to the backend on every call. opts configure the backend (API key,
// base URL); with none, each backend falls back to its usual
// environment variable.
func NewAnyLLM(providerName, model string, opts ...anyllm.Option) (*AnyLLM, error) {
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	var backend anyllm.Provider
	var err error
	switch providerName {
	case "openai":
		backend, err = anyllmoai.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "gemini":
		backend, err = gemini.New(opts...)
	case "groq":
		backend, err = groq.New(opts...)
	default:
		return nil, fmt.Errorf("anyllm: unsupported provider %q", providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &AnyLLM{backend: backend, model: model}, nil
}

func (l *AnyLLM) Generate(ctx context.Context, req turnpipe.LLMRequest) (turnpipe.LLMResult, error) {
	ctx, cancel := l.track(ctx)
	defer cancel()
	defer l.untrack()

	resp, err := l.backend.Completion(ctx, anyllm.CompletionParams{
		Model: l.model,
		Messages: []anyllm.Message{
			{Role: anyllm.RoleUser, Content: req.TurnText},
		},
	})
	if err != nil {
		return turnpipe.LLMResult{}, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return turnpipe.LLMResult{}, fmt.Errorf("anyllm: empty choices in response")
	}

	return turnpipe.LLMResult{Text: resp.Choices[0].Message.ContentString()}, nil
}

func (l *AnyLLM) Name() string { return "anyllm-" + l.model }
