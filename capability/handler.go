package capability

import (
	"context"

	"github.com/martinemde/capabot/conversation"
)

// Handler runs the business logic behind one capability slug. Handlers may be
// called concurrently from different conversations and must synchronise any
// state of their own. The history is a read-only snapshot.
type Handler interface {
	Handle(ctx context.Context, method, rawArgs string, history []conversation.Turn) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, method, rawArgs string, history []conversation.Turn) (*Result, error)

func (f HandlerFunc) Handle(ctx context.Context, method, rawArgs string, history []conversation.Turn) (*Result, error) {
	return f(ctx, method, rawArgs, history)
}

type identityKey struct{}

// WithIdentity attaches the conversation owner's identity to ctx so handlers
// can scope per-user state.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity set by WithIdentity, or "".
func IdentityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(identityKey{}).(string)
	return id
}
