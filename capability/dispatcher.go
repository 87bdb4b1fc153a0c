package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/martinemde/capabot/callsyntax"
	"github.com/martinemde/capabot/conversation"
	"github.com/martinemde/capabot/logging"
)

// DefaultDispatchTimeout bounds a single handler invocation.
const DefaultDispatchTimeout = 30 * time.Second

// Dispatcher invokes handlers for extracted calls and turns every outcome,
// including panics and timeouts, into a Result.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	log      *logrus.Entry
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchTimeout overrides DefaultDispatchTimeout. Zero disables the
// dispatcher's own deadline.
func WithDispatchTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.timeout = d
	}
}

// WithDispatchLogger sets the log entry used for dispatch records.
func WithDispatchLogger(entry *logrus.Entry) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.log = entry
	}
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		timeout:  DefaultDispatchTimeout,
		log:      logging.Component(nil, "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher resolves against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

type outcome struct {
	res *Result
	err error
}

// Dispatch runs call against its handler. It never panics and never returns
// a Go error: failures come back as a Result with Err set. There are no
// retries here.
func (d *Dispatcher) Dispatch(ctx context.Context, call callsyntax.Call, history []conversation.Turn) Result {
	start := time.Now()
	log := d.log.WithFields(logrus.Fields{"slug": call.Slug, "method": call.Method})

	handler, err := d.registry.Resolve(call.Slug)
	if err != nil {
		log.Warn("unknown capability")
		return d.fail(call, KindNotFound, err)
	}
	if !d.registry.HasMethod(call.Slug, call.Method) {
		log.Warn("method not declared for capability, dispatching anyway")
	}

	callCtx := ctx
	cancel := func() {}
	if d.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	snapshot := conversation.Clone(history)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		res, err := handler.Handle(callCtx, call.Method, call.RawArgs, snapshot)
		done <- outcome{res: res, err: err}
	}()

	var result Result
	select {
	case o := <-done:
		result = d.settle(ctx, callCtx, call, o)
	case <-callCtx.Done():
		result = d.interrupted(ctx, call)
	}

	entry := log.WithField("duration", time.Since(start))
	if result.Err != nil {
		entry.WithError(result.Err).Info("capability failed")
	} else {
		entry.Debug("capability succeeded")
	}
	return result
}

func (d *Dispatcher) settle(parent, callCtx context.Context, call callsyntax.Call, o outcome) Result {
	if o.err != nil {
		if callCtx.Err() != nil && errors.Is(o.err, callCtx.Err()) {
			return d.interrupted(parent, call)
		}
		return d.fail(call, KindHandlerFault, o.err)
	}
	if o.res == nil {
		return d.fail(call, KindEmptyResponse, ErrEmptyResponse)
	}

	res := *o.res
	if !res.Success {
		if res.Err == nil {
			return d.fail(call, KindHandlerFault, errors.New("handler reported failure"))
		}
		e := *res.Err
		if e.Kind == "" {
			e.Kind = KindHandlerFault
		}
		e.Slug, e.Method = call.Slug, call.Method
		res.Err = &e
		res.Data = nil
		return res
	}
	if res.empty() {
		return d.fail(call, KindEmptyResponse, ErrEmptyResponse)
	}
	res.Err = nil
	return res
}

// interrupted classifies a call cut short by its context: cancellation of the
// caller's context wins over the dispatcher's own deadline.
func (d *Dispatcher) interrupted(parent context.Context, call callsyntax.Call) Result {
	if parent.Err() != nil {
		return d.fail(call, KindCancelled, parent.Err())
	}
	return d.fail(call, KindTimeout, fmt.Errorf("%w after %s", ErrTimeout, d.timeout))
}

func (d *Dispatcher) fail(call callsyntax.Call, kind Kind, cause error) Result {
	return Result{Err: &Error{Kind: kind, Slug: call.Slug, Method: call.Method, Cause: cause}}
}
