package completion

import (
	"context"
	"fmt"
	"sync"

	"github.com/martinemde/capabot/conversation"
)

// Middleware wraps an adapter call. It receives the request and a next
// function that calls the downstream handler.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// Client routes requests to registered adapters through a middleware chain.
// It implements Provider.
type Client struct {
	adapters        map[string]Adapter
	defaultProvider string
	middleware      []Middleware
	usage           Usage
	mu              sync.RWMutex
}

var _ Provider = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAdapter registers an adapter under its own name.
func WithAdapter(adapter Adapter) ClientOption {
	return func(c *Client) {
		c.adapters[adapter.Name()] = adapter
	}
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware. The first registered runs outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		adapters: make(map[string]Adapter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.adapters) == 1 {
		for name := range c.adapters {
			c.defaultProvider = name
		}
	}
	return c
}

func (c *Client) resolve(req Request) (Adapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Sampling.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}

	adapter, ok := c.adapters[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// Send runs req through the middleware chain to its adapter.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	handler := func(ctx context.Context, r Request) (*Response, error) {
		return adapter.Send(ctx, r)
	}
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}

	resp, err := handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &MalformedResponseError{SDKError: SDKError{Message: "adapter returned no response"}}
	}

	c.mu.Lock()
	c.usage = c.usage.Add(resp.Usage)
	c.mu.Unlock()
	return resp, nil
}

// Complete implements Provider. The returned turn always has the assistant
// role.
func (c *Client) Complete(ctx context.Context, turns []conversation.Turn, params SamplingParams) (conversation.Turn, error) {
	resp, err := c.Send(ctx, Request{Turns: turns, Sampling: params})
	if err != nil {
		return conversation.Turn{}, err
	}
	if resp.Turn.Role() != conversation.RoleAssistant {
		return conversation.Turn{}, &MalformedResponseError{SDKError: SDKError{
			Message: fmt.Sprintf("expected assistant turn, got role %q", resp.Turn.Role()),
		}}
	}
	return resp.Turn, nil
}

// Usage returns the cumulative usage of every successful request.
func (c *Client) Usage() Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage
}

// Close releases resources held by registered adapters.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.adapters {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
