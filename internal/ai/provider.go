package ai

import (
	"context"
	"fmt"

	"github.com/orkestr/orkestr/pkg/schema"
)

// Provider generates structured output from a prompt pair. Implementations
// must honor the request timeout via the context.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *schema.AIRequest) (*schema.AIResponse, error)
}

// ParseError reports that a provider reply could not be used as structured
// output: either the text was not valid JSON or it failed schema validation.
// These are the only failures the repair retry applies to.
type ParseError struct {
	Code    string // schema.ErrCodeAIParse or schema.ErrCodeAISchema
	Reasons []string
	RawText string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Reasons)
}

// Handle is the worker's once-resolved provider slot. Resolution happens at
// startup: a missing API key yields an error handle, and every ai_task then
// fails fast with PROVIDER_UNAVAILABLE instead of dialing out.
type Handle struct {
	provider Provider
	err      error
}

// NewHandle wraps a usable provider.
func NewHandle(p Provider) *Handle {
	return &Handle{provider: p}
}

// NewUnavailableHandle records why no provider could be resolved.
func NewUnavailableHandle(reason string) *Handle {
	return &Handle{err: schema.NewError(schema.ErrCodeProviderUnavailable, reason)}
}

// Provider returns the resolved provider or the resolution error.
func (h *Handle) Provider() (Provider, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.provider, nil
}
