// Package completion holds the external text-completion backends the
// execution gateway calls.
package completion

import (
	"context"
	"fmt"
	"strings"
)

// Completer is the black-box completion service.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// CompleterFunc adapts a plain function.
type CompleterFunc func(ctx context.Context, system, user string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// APIError is a non-2xx answer from a backend.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Message)
}

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderStatic = "static"
)

type Options struct {
	Provider string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string

	StaticText string
}

// New builds the backend named by opts.Provider. An empty provider is static.
func New(ctx context.Context, opts Options) (Completer, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case ProviderOpenAI:
		return NewOpenAI(opts.OpenAIAPIKey, opts.OpenAIBaseURL, opts.OpenAIModel)
	case ProviderGemini:
		return NewGemini(ctx, opts.GeminiAPIKey, opts.GeminiBaseURL, opts.GeminiModel)
	case ProviderStatic, "":
		return Static{Text: opts.StaticText}, nil
	default:
		return nil, fmt.Errorf("unknown completion provider %q", opts.Provider)
	}
}

// Static answers every prompt with the same text. Used in development and
// when no provider is configured.
type Static struct {
	Text string
}

func (s Static) Complete(ctx context.Context, _, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Text != "" {
		return s.Text, nil
	}
	return "Re-read the problem constraints and trace your code on the smallest failing input.", nil
}
