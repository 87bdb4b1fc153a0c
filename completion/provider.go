package completion

import (
	"context"

	"github.com/martinemde/capabot/conversation"
)

// Provider produces the next assistant turn for a conversation. It is the
// only view of the completion service the orchestrator has.
type Provider interface {
	Complete(ctx context.Context, turns []conversation.Turn, params SamplingParams) (conversation.Turn, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, turns []conversation.Turn, params SamplingParams) (conversation.Turn, error)

func (f ProviderFunc) Complete(ctx context.Context, turns []conversation.Turn, params SamplingParams) (conversation.Turn, error) {
	return f(ctx, turns, params)
}

// Adapter is implemented by each completion backend.
type Adapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Send performs a blocking request.
	Send(ctx context.Context, req Request) (*Response, error)
}

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}
