package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/capabot/callsyntax"
	"github.com/martinemde/capabot/conversation"
)

func newTestDispatcher(t *testing.T, handler Handler, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(Descriptor{Slug: "svc", Methods: []Method{{Name: "run"}}}, handler))
	r.Seal()
	return NewDispatcher(r, opts...)
}

func call(slug, method, args string) callsyntax.Call {
	return callsyntax.Call{Slug: slug, Method: method, RawArgs: args}
}

func TestDispatchSuccess(t *testing.T) {
	var gotMethod, gotArgs string
	d := newTestDispatcher(t, HandlerFunc(func(ctx context.Context, method, rawArgs string, history []conversation.Turn) (*Result, error) {
		gotMethod, gotArgs = method, rawArgs
		return Succeeded(3), nil
	}))

	res := d.Dispatch(context.Background(), call("svc", "run", "add,1,2"), nil)
	require.Nil(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Data)
	assert.Equal(t, "run", gotMethod)
	assert.Equal(t, "add,1,2", gotArgs)
}

func TestDispatchNotFound(t *testing.T) {
	d := newTestDispatcher(t, echoHandler())
	res := d.Dispatch(context.Background(), call("nosuch", "run", ""), nil)
	require.NotNil(t, res.Err)
	assert.False(t, res.Success)
	assert.Equal(t, KindNotFound, res.Err.Kind)
	assert.True(t, errors.Is(res.Err, ErrCapabilityNotFound))
}

func TestDispatchUnknownMethodStillDispatched(t *testing.T) {
	d := newTestDispatcher(t, echoHandler())
	res := d.Dispatch(context.Background(), call("svc", "undeclared", "x"), nil)
	require.Nil(t, res.Err)
	assert.Equal(t, "undeclared:x", res.Data)
}

func TestDispatchFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler HandlerFunc
		kind    Kind
	}{
		{"error", func(context.Context, string, string, []conversation.Turn) (*Result, error) {
			return nil, errors.New("boom")
		}, KindHandlerFault},
		{"panic", func(context.Context, string, string, []conversation.Turn) (*Result, error) {
			panic("kaboom")
		}, KindHandlerFault},
		{"nil result", func(context.Context, string, string, []conversation.Turn) (*Result, error) {
			return nil, nil
		}, KindEmptyResponse},
		{"empty string", func(context.Context, string, string, []conversation.Turn) (*Result, error) {
			return Succeeded(""), nil
		}, KindEmptyResponse},
		{"nil data", func(context.Context, string, string, []conversation.Turn) (*Result, error) {
			return Succeeded(nil), nil
		}, KindEmptyResponse},
		{"reported failure", func(context.Context, string, string, []conversation.Turn) (*Result, error) {
			return Failed("", errors.New("bad input")), nil
		}, KindHandlerFault},
		{"failure without error", func(context.Context, string, string, []conversation.Turn) (*Result, error) {
			return &Result{}, nil
		}, KindHandlerFault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t, tt.handler)
			var res Result
			require.NotPanics(t, func() {
				res = d.Dispatch(context.Background(), call("svc", "run", ""), nil)
			})
			require.NotNil(t, res.Err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.kind, res.Err.Kind)
			assert.Equal(t, "svc", res.Err.Slug)
			assert.Equal(t, "run", res.Err.Method)
			assert.Nil(t, res.Data)
		})
	}
}

func TestDispatchAttachmentPassthrough(t *testing.T) {
	att := &conversation.Attachment{Name: "chart.png", MediaType: "image/png", Data: []byte{0x89, 'P'}}
	d := newTestDispatcher(t, HandlerFunc(func(context.Context, string, string, []conversation.Turn) (*Result, error) {
		return Succeeded(nil).WithAttachment(att), nil
	}))
	res := d.Dispatch(context.Background(), call("svc", "run", ""), nil)
	require.Nil(t, res.Err)
	assert.Same(t, att, res.Attachment)
}

func TestDispatchTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	d := newTestDispatcher(t, HandlerFunc(func(ctx context.Context, _, _ string, _ []conversation.Turn) (*Result, error) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return Succeeded("late"), nil
	}), WithDispatchTimeout(20*time.Millisecond))

	res := d.Dispatch(context.Background(), call("svc", "run", ""), nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindTimeout, res.Err.Kind)
	assert.True(t, errors.Is(res.Err, ErrTimeout))
}

func TestDispatchHandlerHonoursDeadline(t *testing.T) {
	d := newTestDispatcher(t, HandlerFunc(func(ctx context.Context, _, _ string, _ []conversation.Turn) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithDispatchTimeout(10*time.Millisecond))

	res := d.Dispatch(context.Background(), call("svc", "run", ""), nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindTimeout, res.Err.Kind)
}

func TestDispatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	d := newTestDispatcher(t, HandlerFunc(func(ctx context.Context, _, _ string, _ []conversation.Turn) (*Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	go func() {
		<-started
		cancel()
	}()
	res := d.Dispatch(ctx, call("svc", "run", ""), nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindCancelled, res.Err.Kind)
}

func TestDispatchHistoryIsSnapshot(t *testing.T) {
	history := []conversation.Turn{conversation.NewUserTurn("original")}
	d := newTestDispatcher(t, HandlerFunc(func(_ context.Context, _, _ string, h []conversation.Turn) (*Result, error) {
		h[0].Content = "mutated"
		return Succeeded("ok"), nil
	}))
	d.Dispatch(context.Background(), call("svc", "run", ""), history)
	assert.Equal(t, "original", history[0].Content)
}

func TestIdentityContext(t *testing.T) {
	assert.Empty(t, IdentityFromContext(context.Background()))
	ctx := WithIdentity(context.Background(), "user-42")
	assert.Equal(t, "user-42", IdentityFromContext(ctx))
}
