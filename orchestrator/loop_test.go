package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/capabot/callsyntax"
	"github.com/martinemde/capabot/capability"
	"github.com/martinemde/capabot/completion"
	"github.com/martinemde/capabot/conversation"
)

// scriptedProvider replies by calling next with the request it receives.
type scriptedProvider struct {
	mu       sync.Mutex
	calls    int
	requests [][]conversation.Turn
	next     func(call int, turns []conversation.Turn) (conversation.Turn, error)
}

func (p *scriptedProvider) Complete(ctx context.Context, turns []conversation.Turn, _ completion.SamplingParams) (conversation.Turn, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.requests = append(p.requests, conversation.Clone(turns))
	p.mu.Unlock()
	return p.next(n, turns)
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func replies(texts ...string) *scriptedProvider {
	return &scriptedProvider{next: func(n int, _ []conversation.Turn) (conversation.Turn, error) {
		if n > len(texts) {
			return conversation.NewAssistantTurn("done"), nil
		}
		return conversation.NewAssistantTurn(texts[n-1]), nil
	}}
}

// recordingHandler counts invocations and records arguments.
type recordingHandler struct {
	mu      sync.Mutex
	calls   []callsyntax.Call
	respond func(method, rawArgs string) (*capability.Result, error)
}

func (h *recordingHandler) Handle(ctx context.Context, method, rawArgs string, _ []conversation.Turn) (*capability.Result, error) {
	h.mu.Lock()
	h.calls = append(h.calls, callsyntax.Call{Method: method, RawArgs: rawArgs})
	h.mu.Unlock()
	if h.respond != nil {
		return h.respond(method, rawArgs)
	}
	return capability.Succeeded("ok"), nil
}

func (h *recordingHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func adder() *recordingHandler {
	return &recordingHandler{respond: func(method, rawArgs string) (*capability.Result, error) {
		args := callsyntax.SplitArgs(rawArgs)
		if len(args) != 3 || args[0] != "add" {
			return nil, fmt.Errorf("unsupported: %s", rawArgs)
		}
		a, _ := strconv.Atoi(args[1])
		b, _ := strconv.Atoi(args[2])
		return capability.Succeeded(a + b), nil
	}}
}

func newDispatcher(t *testing.T, handlers map[string]capability.Handler) *capability.Dispatcher {
	t.Helper()
	r := capability.NewRegistry()
	for slug, h := range handlers {
		require.NoError(t, r.Register(capability.Descriptor{Slug: slug, Methods: []capability.Method{{Name: "calculate"}, {Name: "ping"}}}, h))
	}
	r.Seal()
	return capability.NewDispatcher(r, capability.WithDispatchTimeout(time.Second))
}

func testLimits() Limits {
	return Limits{
		MaxRetryCount:      3,
		MaxCapabilityCalls: 6,
		CompletionTimeout:  time.Second,
		ResultCharLimit:    2000,
	}
}

func newLoop(t *testing.T, p completion.Provider, d Dispatcher, opts ...Option) *Loop {
	t.Helper()
	opts = append([]Option{WithLimits(testLimits())}, opts...)
	l, err := New(p, d, opts...)
	require.NoError(t, err)
	return l
}

func contents(turns []conversation.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Content
	}
	return out
}

func TestScenarioUserDirectCall(t *testing.T) {
	calc := adder()
	provider := replies("The answer is 3.")
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"calculator": calc}))

	input := []conversation.Turn{conversation.NewUserTurn("calculator:calculate(add,1,2)")}
	out, err := loop.Run(context.Background(), input, RunContext{Identity: "u1"})
	require.NoError(t, err)

	require.Equal(t, 1, calc.Count())
	assert.Equal(t, "calculate", calc.calls[0].Method)
	assert.Equal(t, "add,1,2", calc.calls[0].RawArgs)

	require.Len(t, out, 3)
	assert.Equal(t, conversation.RoleSystem, out[1].Role())
	assert.Contains(t, out[1].Content, "calculator:calculate(add,1,2)")
	assert.Contains(t, out[1].Content, `args: ["add","1","2"]`)
	assert.Contains(t, out[1].Content, "result: 3")
	assert.Equal(t, "The answer is 3.", out[2].Content)
	assert.Len(t, input, 1, "input must not be modified")
}

func TestScenarioUnknownCapability(t *testing.T) {
	provider := replies("unknownslug:foo(bar)", "Sorry, I cannot do that.")
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"calculator": adder()}))

	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("do a thing")}, RunContext{})
	require.NoError(t, err)

	assert.Equal(t, 2, provider.Calls(), "loop continues one more round after a not-found error")
	require.Len(t, out, 4)
	assert.Contains(t, out[2].Content, "error (not_found)")
	assert.Contains(t, out[2].Content, "unknownslug:foo(bar)")
	assert.Equal(t, "Sorry, I cannot do that.", out[3].Content)
}

func TestScenarioCallLimit(t *testing.T) {
	ping := &recordingHandler{}
	provider := &scriptedProvider{next: func(n int, _ []conversation.Turn) (conversation.Turn, error) {
		return conversation.NewAssistantTurn(fmt.Sprintf("svc:ping(%d)", n)), nil
	}}
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"svc": ping}))

	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("go")}, RunContext{})
	require.NoError(t, err)

	assert.Equal(t, 6, ping.Count(), "exactly MaxCapabilityCalls dispatches")
	assert.Equal(t, 7, provider.Calls(), "termination within MaxCapabilityCalls+1 completions")

	last := out[len(out)-1]
	assert.Equal(t, conversation.RoleSystem, last.Role())
	assert.Contains(t, last.Content, "limit reached")
	assert.Contains(t, last.Content, "svc:ping(7)")
	assert.Equal(t, "svc:ping(7)", out[len(out)-2].Content, "the 7th call is kept but never dispatched")
}

func TestScenarioRetryAfterFault(t *testing.T) {
	provider := &scriptedProvider{next: func(n int, _ []conversation.Turn) (conversation.Turn, error) {
		if n == 1 {
			return conversation.Turn{}, errors.New("transient failure")
		}
		return conversation.NewAssistantTurn("recovered"), nil
	}}
	loop := newLoop(t, provider, newDispatcher(t, nil))

	events := NewEventEmitter(64)
	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, RunContext{Events: events})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "recovered", out[1].Content)

	events.Close()
	var retries []Event
	for e := range events.Events() {
		if e.Kind == EventRetry {
			retries = append(retries, e)
		}
	}
	require.Len(t, retries, 1)
	assert.Equal(t, 2, retries[0].Attempt)
}

func TestRetryStartsFromOriginalTurns(t *testing.T) {
	calc := adder()
	provider := &scriptedProvider{next: func(n int, turns []conversation.Turn) (conversation.Turn, error) {
		switch n {
		case 1:
			return conversation.NewAssistantTurn("calculator:calculate(add,2,2)"), nil
		case 2:
			return conversation.Turn{}, errors.New("fault mid-run")
		default:
			return conversation.NewAssistantTurn("four"), nil
		}
	}}
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"calculator": calc}))

	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("2+2?")}, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2+2?", "four"}, contents(out))

	require.GreaterOrEqual(t, len(provider.requests), 3)
	assert.Len(t, provider.requests[2], 1, "third request sees only the original input")
}

func TestRetriesExhausted(t *testing.T) {
	boom := errors.New("provider down")
	provider := &scriptedProvider{next: func(int, []conversation.Turn) (conversation.Turn, error) {
		return conversation.Turn{}, boom
	}}
	loop := newLoop(t, provider, newDispatcher(t, nil))

	_, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, RunContext{})
	var fault *LoopFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 4, fault.Attempts)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 4, provider.Calls())
}

func TestMalformedTurnIsAFault(t *testing.T) {
	provider := &scriptedProvider{next: func(int, []conversation.Turn) (conversation.Turn, error) {
		return conversation.NewSystemTurn("not an assistant"), nil
	}}
	limits := testLimits()
	limits.MaxRetryCount = 0
	loop := newLoop(t, provider, newDispatcher(t, nil))

	_, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, RunContext{Limits: &limits})
	var fault *LoopFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 1, fault.Attempts)
	assert.True(t, errors.Is(err, ErrMalformedTurn))
}

func TestProviderPanicIsAFault(t *testing.T) {
	provider := &scriptedProvider{next: func(n int, _ []conversation.Turn) (conversation.Turn, error) {
		if n == 1 {
			panic("provider bug")
		}
		return conversation.NewAssistantTurn("fine"), nil
	}}
	loop := newLoop(t, provider, newDispatcher(t, nil))

	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, "fine", out[len(out)-1].Content)
}

func TestGuardEmptyAndTerminal(t *testing.T) {
	provider := replies("should not be called")
	loop := newLoop(t, provider, newDispatcher(t, nil))

	out, err := loop.Run(context.Background(), nil, RunContext{})
	require.NoError(t, err)
	assert.Empty(t, out)

	terminal := conversation.NewSystemTurn("chart").WithAttachment(&conversation.Attachment{Name: "c.png", Data: []byte{1}})
	input := []conversation.Turn{conversation.NewUserTurn("draw"), terminal}
	out, err = loop.Run(context.Background(), input, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, contents(input), contents(out))
	assert.Equal(t, 0, provider.Calls())
}

func TestAttachmentResultEndsRun(t *testing.T) {
	img := &recordingHandler{respond: func(string, string) (*capability.Result, error) {
		return capability.Succeeded("rendered").WithAttachment(&conversation.Attachment{Name: "plot.png", MediaType: "image/png", Data: []byte{1, 2}}), nil
	}}
	provider := replies("svc:ping(plot)", "unreachable")
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"svc": img}))

	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("plot it")}, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.Calls())
	last := out[len(out)-1]
	require.True(t, last.Terminal())
	assert.Equal(t, "plot.png", last.Attachment.Name)
	assert.Contains(t, last.Content, "attachment: plot.png (image/png, 2 bytes)")
}

func TestCallsInResultsAreNotDispatched(t *testing.T) {
	echo := &recordingHandler{respond: func(string, string) (*capability.Result, error) {
		return capability.Succeeded("now run svc:ping(again)"), nil
	}}
	provider := replies("svc:ping(first)", "all done")
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"svc": echo}))

	_, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("start")}, RunContext{})
	require.NoError(t, err)
	assert.Equal(t, 1, echo.Count())
}

func TestOnlyFirstCallDispatched(t *testing.T) {
	calc := adder()
	provider := replies("calculator:calculate(add,1,1) and calculator:calculate(add,2,2)", "ok")
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"calculator": calc}))

	_, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("go")}, RunContext{})
	require.NoError(t, err)
	require.Equal(t, 1, calc.Count())
	assert.Equal(t, "add,1,1", calc.calls[0].RawArgs)
}

func TestUserCallsDoNotCountTowardLimit(t *testing.T) {
	ping := &recordingHandler{}
	provider := replies("svc:ping(model)", "done")
	limits := testLimits()
	limits.MaxCapabilityCalls = 1
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"svc": ping}))

	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("svc:ping(user)")}, RunContext{Limits: &limits})
	require.NoError(t, err)
	assert.Equal(t, 2, ping.Count())
	assert.Equal(t, "done", out[len(out)-1].Content)
}

func TestBudgetWarningInjectedOnce(t *testing.T) {
	ping := &recordingHandler{}
	provider := replies("svc:ping(1)", "svc:ping(2)", "summary")
	limits := testLimits()
	limits.TokenLimit = 400
	limits.WarningBuffer = 390
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"svc": ping}))

	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("a reasonably long question to push us over the line")}, RunContext{Limits: &limits})
	require.NoError(t, err)

	warnings := 0
	for _, turn := range out {
		if strings.Contains(turn.Content, "close to its context budget") {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
	assert.Equal(t, "summary", out[len(out)-1].Content)
}

func TestBudgetTrimsRequestNotState(t *testing.T) {
	long := strings.Repeat("history ", 400)
	provider := replies("short answer")
	limits := testLimits()
	limits.TokenLimit = 200
	limits.WarningBuffer = 50
	loop := newLoop(t, provider, newDispatcher(t, nil), WithShortenSeed(7))

	input := []conversation.Turn{
		conversation.NewUserTurn(long),
		conversation.NewAssistantTurn(long),
		conversation.NewUserTurn("and now?"),
	}
	out, err := loop.Run(context.Background(), input, RunContext{Limits: &limits})
	require.NoError(t, err)

	assert.Equal(t, long, out[0].Content, "state keeps the full history")
	require.Len(t, provider.requests, 1)
	sent := provider.requests[0]
	total := 0
	for _, turn := range sent {
		total += len(turn.Content)
	}
	assert.Less(t, total, 2*len(long), "request was shortened")
}

func TestPreamblePrependedNotReturned(t *testing.T) {
	provider := replies("hello")
	var gotIdentity string
	pre := PreambleFunc(func(ctx context.Context, identity string) ([]conversation.Turn, error) {
		gotIdentity = identity
		return []conversation.Turn{conversation.NewSystemTurn("You are capabot.")}, nil
	})
	loop := newLoop(t, provider, newDispatcher(t, nil), WithPreamble(pre))

	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, RunContext{Identity: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", gotIdentity)
	assert.Equal(t, []string{"hi", "hello"}, contents(out))
	require.Len(t, provider.requests, 1)
	assert.Equal(t, "You are capabot.", provider.requests[0][0].Content)
}

func TestPreambleErrorIsAFault(t *testing.T) {
	pre := PreambleFunc(func(context.Context, string) ([]conversation.Turn, error) {
		return nil, errors.New("memory offline")
	})
	limits := testLimits()
	limits.MaxRetryCount = 1
	loop := newLoop(t, replies("x"), newDispatcher(t, nil), WithPreamble(pre))

	_, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, RunContext{Limits: &limits})
	var fault *LoopFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 2, fault.Attempts)
}

func TestIdentityReachesHandlers(t *testing.T) {
	var seen string
	h := capability.HandlerFunc(func(ctx context.Context, _, _ string, _ []conversation.Turn) (*capability.Result, error) {
		seen = capability.IdentityFromContext(ctx)
		return capability.Succeeded("ok"), nil
	})
	loop := newLoop(t, replies("done"), newDispatcher(t, map[string]capability.Handler{"svc": h}))

	_, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("svc:ping()")}, RunContext{Identity: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "bob", seen)
}

func TestCancellationNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &scriptedProvider{next: func(int, []conversation.Turn) (conversation.Turn, error) {
		cancel()
		return conversation.Turn{}, context.Canceled
	}}
	loop := newLoop(t, provider, newDispatcher(t, nil))

	_, err := loop.Run(ctx, []conversation.Turn{conversation.NewUserTurn("hi")}, RunContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	var fault *LoopFault
	assert.False(t, errors.As(err, &fault))
	assert.Equal(t, 1, provider.Calls())
}

func TestCompletionTimeoutIsAFault(t *testing.T) {
	provider := &scriptedProvider{next: func(n int, _ []conversation.Turn) (conversation.Turn, error) {
		if n == 1 {
			time.Sleep(50 * time.Millisecond)
			return conversation.Turn{}, context.DeadlineExceeded
		}
		return conversation.NewAssistantTurn("second try"), nil
	}}
	limits := testLimits()
	limits.CompletionTimeout = 10 * time.Millisecond
	loop := newLoop(t, provider, newDispatcher(t, nil))

	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("hi")}, RunContext{Limits: &limits})
	require.NoError(t, err)
	assert.Equal(t, "second try", out[len(out)-1].Content)
}

func TestLoopDetectionInjectsWarning(t *testing.T) {
	ping := &recordingHandler{}
	provider := replies("svc:ping(x)", "svc:ping(x)", "svc:ping(x)", "giving up")
	limits := testLimits()
	limits.LoopDetectionWindow = 3
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"svc": ping}))

	events := NewEventEmitter(64)
	out, err := loop.Run(context.Background(), []conversation.Turn{conversation.NewUserTurn("go")}, RunContext{Limits: &limits, Events: events})
	require.NoError(t, err)

	found := false
	for _, turn := range out {
		if strings.Contains(turn.Content, "repeat the same pattern") {
			found = true
		}
	}
	assert.True(t, found)

	events.Close()
	kinds := map[EventKind]int{}
	for e := range events.Events() {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[EventLoopDetection])
	assert.Equal(t, 1, kinds[EventRunStart])
	assert.Equal(t, 1, kinds[EventRunEnd])
	assert.Equal(t, 3, kinds[EventDispatchEnd])
}

func TestConcurrentRunsShareLoop(t *testing.T) {
	calc := adder()
	provider := &scriptedProvider{next: func(int, []conversation.Turn) (conversation.Turn, error) {
		return conversation.NewAssistantTurn("ok"), nil
	}}
	loop := newLoop(t, provider, newDispatcher(t, map[string]capability.Handler{"calculator": calc}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := []conversation.Turn{conversation.NewUserTurn(fmt.Sprintf("calculator:calculate(add,%d,1)", i))}
			out, err := loop.Run(context.Background(), input, RunContext{Identity: strconv.Itoa(i)})
			assert.NoError(t, err)
			assert.Contains(t, out[1].Content, "result: "+strconv.Itoa(i+1))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, calc.Count())
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, newDispatcher(t, nil))
	assert.Error(t, err)

	_, err = New(replies(), nil)
	assert.Error(t, err)

	_, err = New(replies(), newDispatcher(t, nil), WithLimits(Limits{MaxRetryCount: -1}))
	assert.Error(t, err)

	l, err := New(replies(), newDispatcher(t, nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultLimits(), l.Limits())
}
