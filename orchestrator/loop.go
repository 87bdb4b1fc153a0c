package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/martinemde/capabot/callsyntax"
	"github.com/martinemde/capabot/capability"
	"github.com/martinemde/capabot/completion"
	"github.com/martinemde/capabot/conversation"
	"github.com/martinemde/capabot/logging"
	"github.com/martinemde/capabot/tokens"
)

// State is a position in the loop's state machine.
type State string

const (
	StateAwaitingCompletion State = "awaiting_completion"
	StateHasAssistantTurn   State = "has_assistant_turn"
	StateCallDetected       State = "call_detected"
	StateNoCall             State = "no_call"
	StateDispatched         State = "dispatched"
	StateTerminated         State = "terminated"
)

// Dispatcher runs one extracted call. *capability.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call callsyntax.Call, history []conversation.Turn) capability.Result
}

// Preamble supplies the system context (persona, capability catalog,
// memories) prepended to every completion request. Preamble turns are never
// part of the returned conversation.
type Preamble interface {
	Assemble(ctx context.Context, identity string) ([]conversation.Turn, error)
}

// PreambleFunc adapts a function to the Preamble interface.
type PreambleFunc func(ctx context.Context, identity string) ([]conversation.Turn, error)

func (f PreambleFunc) Assemble(ctx context.Context, identity string) ([]conversation.Turn, error) {
	return f(ctx, identity)
}

// RunContext carries per-run inputs.
type RunContext struct {
	// RunID labels logs and events. A random ID is used when empty.
	RunID string

	// Identity names the conversation owner. It scopes the preamble and is
	// visible to handlers through capability.IdentityFromContext.
	Identity string

	// Limits overrides the loop's configured limits for this run.
	Limits *Limits

	Sampling completion.SamplingParams

	// Events, when set, receives progress events. The loop never closes it.
	Events *EventEmitter
}

// Loop drives the completion/dispatch cycle. A Loop holds no per-run state
// and may serve concurrent runs.
type Loop struct {
	provider   completion.Provider
	dispatcher Dispatcher
	preamble   Preamble
	limits     Limits
	log        *logrus.Entry
	seed       int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithPreamble sets the preamble assembler.
func WithPreamble(p Preamble) Option {
	return func(l *Loop) {
		l.preamble = p
	}
}

// WithLimits replaces DefaultLimits.
func WithLimits(limits Limits) Option {
	return func(l *Loop) {
		l.limits = limits
	}
}

// WithLogger sets the log entry for run records.
func WithLogger(entry *logrus.Entry) Option {
	return func(l *Loop) {
		l.log = entry
	}
}

// WithShortenSeed makes budget trimming deterministic.
func WithShortenSeed(seed int64) Option {
	return func(l *Loop) {
		l.seed = seed
	}
}

// New creates a Loop.
func New(provider completion.Provider, dispatcher Dispatcher, opts ...Option) (*Loop, error) {
	if provider == nil {
		return nil, errors.New("orchestrator: nil completion provider")
	}
	if dispatcher == nil {
		return nil, errors.New("orchestrator: nil dispatcher")
	}
	l := &Loop{
		provider:   provider,
		dispatcher: dispatcher,
		limits:     DefaultLimits(),
		log:        logging.Component(nil, "orchestrator"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.limits.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator limits: %w", err)
	}
	return l, nil
}

// Limits returns the configured default limits.
func (l *Loop) Limits() Limits {
	return l.limits
}

// Run drives the conversation until the model stops calling capabilities, a
// limit is reached or the last turn is terminal, and returns the full turn
// sequence. The input slice is never modified.
//
// A fault in any attempt (completion error, malformed turn, panic) restarts
// the run from the original turns, up to MaxRetryCount more times. When every
// attempt faults Run returns a *LoopFault. Cancellation of ctx is not retried.
func (l *Loop) Run(ctx context.Context, turns []conversation.Turn, rc RunContext) ([]conversation.Turn, error) {
	limits := l.limits
	if rc.Limits != nil {
		limits = *rc.Limits
		if err := limits.Validate(); err != nil {
			return nil, &LoopFault{Cause: fmt.Errorf("run limits: %w", err)}
		}
	}

	if rc.RunID == "" {
		rc.RunID = uuid.New().String()
	}
	r := &run{
		loop:   l,
		id:     rc.RunID,
		rc:     rc,
		limits: limits,
	}
	r.log = l.log.WithFields(logrus.Fields{"run_id": r.id, "identity": rc.Identity})
	ctx = capability.WithIdentity(ctx, rc.Identity)

	r.emit(EventRunStart, StateAwaitingCompletion, map[string]any{"turns": len(turns)})

	attempts := 1 + limits.MaxRetryCount
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, r.cancelled(err)
		}
		r.attempt = attempt
		if attempt > 1 {
			r.log.WithField("attempt", attempt).WithError(lastErr).Warn("retrying run from original turns")
			r.emit(EventRetry, StateAwaitingCompletion, map[string]any{"error": lastErr.Error()})
		}

		out, err := r.execute(ctx, conversation.Clone(turns))
		if err == nil {
			r.emit(EventRunEnd, StateTerminated, map[string]any{"turns": len(out), "calls": r.calls})
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, r.cancelled(ctxErr)
		}
		lastErr = err
		r.log.WithField("attempt", attempt).WithError(err).Error("run attempt faulted")
	}

	r.emit(EventError, StateTerminated, map[string]any{"error": lastErr.Error(), "attempts": attempts})
	return nil, &LoopFault{Attempts: attempts, Cause: lastErr}
}

// run holds the bookkeeping of one Run call. Counters reset per attempt.
type run struct {
	loop    *Loop
	id      string
	rc      RunContext
	limits  Limits
	log     *logrus.Entry
	attempt int

	calls  int
	warned bool
	sigs   []uint64
	rng    *rand.Rand
}

func (r *run) emit(kind EventKind, state State, data map[string]any) {
	r.rc.Events.Emit(Event{Kind: kind, RunID: r.id, Attempt: r.attempt, State: state, Data: data})
}

func (r *run) cancelled(err error) error {
	r.emit(EventError, StateTerminated, map[string]any{"error": err.Error()})
	return fmt.Errorf("run cancelled: %w", err)
}

func (r *run) reset() {
	r.calls = 0
	r.warned = false
	r.sigs = nil
	seed := r.loop.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r.rng = rand.New(rand.NewSource(seed))
}

// execute is one attempt of the state machine.
func (r *run) execute(ctx context.Context, turns []conversation.Turn) (out []conversation.Turn, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("loop panicked: %v", p)
		}
	}()
	r.reset()

	var preamble []conversation.Turn
	if r.loop.preamble != nil {
		preamble, err = r.loop.preamble.Assemble(ctx, r.rc.Identity)
		if err != nil {
			return nil, fmt.Errorf("assembling preamble: %w", err)
		}
	}

	state := conversation.NewState(turns...)
	userCallChecked := false
	for {
		last, ok := state.Last()
		if !ok || last.Terminal() {
			return state.Turns(), nil
		}

		// A call typed by the user runs before the model is asked anything.
		if !userCallChecked && last.Role() == conversation.RoleUser {
			userCallChecked = true
			if call, found := callsyntax.Extract(last.Content); found {
				r.log.WithFields(logrus.Fields{"slug": call.Slug, "method": call.Method}).Debug("dispatching user call")
				state.Append(r.dispatch(ctx, call, state.Turns(), "user"))
				continue
			}
		}
		userCallChecked = true

		assistant, err := r.complete(ctx, preamble, state)
		if err != nil {
			return nil, err
		}
		state.Append(assistant)

		call, found := callsyntax.Extract(assistant.Content)
		if !found {
			r.emit(EventCompletionEnd, StateNoCall, nil)
			return state.Turns(), nil
		}
		r.emit(EventCallDetected, StateCallDetected, map[string]any{"call": call.Expression()})

		r.calls++
		if r.calls > r.limits.MaxCapabilityCalls {
			r.log.WithField("calls", r.calls-1).Info("capability call limit reached")
			r.emit(EventLimitReached, StateTerminated, map[string]any{"limit": r.limits.MaxCapabilityCalls})
			state.Append(limitReachedTurn(r.limits.MaxCapabilityCalls, call))
			return state.Turns(), nil
		}

		state.Append(r.dispatch(ctx, call, state.Turns(), "model"))

		r.sigs = append(r.sigs, callSignature(call))
		if DetectLoop(r.sigs, r.limits.LoopDetectionWindow) {
			r.log.WithField("window", r.limits.LoopDetectionWindow).Warn("repeating capability calls detected")
			r.emit(EventLoopDetection, StateDispatched, map[string]any{"call": call.Expression()})
			state.Append(loopWarningTurn(r.limits.LoopDetectionWindow))
			r.sigs = nil
		}
	}
}

// complete applies the token budget and requests the next assistant turn.
// Budget trimming shapes the request only; the conversation keeps every turn.
func (r *run) complete(ctx context.Context, preamble []conversation.Turn, state *conversation.State) (conversation.Turn, error) {
	request := append(conversation.Clone(preamble), state.Turns()...)

	if r.limits.TokenLimit > 0 {
		if !r.warned && tokens.EstimateTurns(request) > r.limits.warningThreshold() {
			r.warned = true
			warning := budgetWarningTurn()
			state.Append(warning)
			request = append(request, warning)
			r.emit(EventBudgetWarning, StateAwaitingCompletion, map[string]any{"estimate": tokens.EstimateTurns(request)})
		}
		if tokens.ExceedsBudget(request, r.limits.TokenLimit) {
			before := tokens.EstimateTurns(request)
			request = tokens.Shorten(request, r.limits.TokenLimit, r.rng)
			r.log.WithFields(logrus.Fields{"before": before, "after": tokens.EstimateTurns(request)}).Info("request trimmed to token budget")
			r.emit(EventBudgetTrimmed, StateAwaitingCompletion, map[string]any{"before": before, "after": tokens.EstimateTurns(request)})
		}
	}

	r.emit(EventCompletionStart, StateAwaitingCompletion, map[string]any{"estimate": tokens.EstimateTurns(request)})

	callCtx := ctx
	if r.limits.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.limits.CompletionTimeout)
		defer cancel()
	}

	turn, err := r.loop.provider.Complete(callCtx, request, r.rc.Sampling)
	if err != nil {
		return conversation.Turn{}, fmt.Errorf("completion: %w", err)
	}
	if turn.Role() != conversation.RoleAssistant {
		return conversation.Turn{}, fmt.Errorf("%w: role %q", ErrMalformedTurn, turn.Role())
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	r.emit(EventCompletionEnd, StateHasAssistantTurn, map[string]any{"chars": len(turn.Content)})
	return turn, nil
}

func (r *run) dispatch(ctx context.Context, call callsyntax.Call, history []conversation.Turn, origin string) conversation.Turn {
	r.emit(EventDispatchStart, StateCallDetected, map[string]any{"call": call.Expression(), "origin": origin})
	res := r.loop.dispatcher.Dispatch(ctx, call, history)

	data := map[string]any{"call": call.Expression(), "success": res.Err == nil}
	if res.Err != nil {
		data["error_kind"] = string(res.Err.Kind)
	}
	if res.Attachment != nil {
		data["attachment"] = res.Attachment.Name
	}
	r.emit(EventDispatchEnd, StateDispatched, data)
	return RenderResult(call, res, r.limits.ResultCharLimit)
}
