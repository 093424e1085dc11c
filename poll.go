package stealthdp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/stealthdp/client"
)

// ScriptRunner runs scripts in a browsing context. Session satisfies it.
type ScriptRunner interface {
	ExecuteScript(ctx context.Context, script string, args []interface{}, res interface{}) error
}

// pollTask holds information pertaining to a poll task.
type pollTask struct {
	predicate string
	policy    RetryPolicy
	args      []interface{}
	res       interface{}
}

var errFalsy = errors.New("predicate returned a falsy value")

// Poll waits for a general Javascript predicate, built from an expression,
// to return a truthy value, which is decoded into res (which may be nil).
//
// The predicate is evaluated every polling interval (DefaultInterval by
// default) until it is truthy, or the polling timeout (30 seconds by default)
// elapses, which fails with a WaitTimeoutError matching ErrPollingTimeout.
// Javascript errors, as raised while the document is being replaced, are
// retried; any other failure aborts the poll.
func Poll(ctx context.Context, r ScriptRunner, expression string, res interface{}, opts ...PollOption) error {
	predicate := fmt.Sprintf(`return (%s);`, expression)
	return poll(ctx, r, predicate, res, opts...)
}

// PollFunction waits for a general Javascript predicate, built from a
// function, to return a truthy value. The polling args are passed to the
// function.
//
// See Poll for details on polling.
func PollFunction(ctx context.Context, r ScriptRunner, pageFunction string, res interface{}, opts ...PollOption) error {
	predicate := fmt.Sprintf(`return (%s)(...arguments);`, pageFunction)
	return poll(ctx, r, predicate, res, opts...)
}

func poll(ctx context.Context, r ScriptRunner, predicate string, res interface{}, opts ...PollOption) error {
	p := &pollTask{
		predicate: predicate,
		policy: RetryPolicy{
			Interval: DefaultInterval,
			Timeout:  DefaultTimeout,
			Err:      ErrPollingTimeout,
		},
		res: res,
	}

	// apply options
	for _, o := range opts {
		o(p)
	}

	v, err := WaitFor(ctx, "poll", p.policy, func(ctx context.Context) (json.RawMessage, error) {
		var v json.RawMessage
		if err := r.ExecuteScript(ctx, p.predicate, p.args, &v); err != nil {
			if client.IsCode(err, client.CodeJavascriptError) {
				return nil, Transient(err)
			}
			return nil, err
		}
		if falsy(v) {
			return nil, Transient(errFalsy)
		}
		return v, nil
	})
	if s, ok := r.(*Session); ok {
		s.opts.metrics.observeWait("poll", err)
	}
	if err != nil {
		return err
	}

	// it's okay to discard the result.
	if p.res == nil {
		return nil
	}
	switch x := p.res.(type) {
	case *[]byte:
		*x = v
		return nil
	}
	return json.Unmarshal(v, p.res)
}

// falsy reports whether a JSON encoded script result is falsy in
// Javascript.
func falsy(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}

// PollOption is a poll task option.
type PollOption = func(task *pollTask)

// WithPollingInterval makes it to poll the predicate with the specified
// interval.
func WithPollingInterval(interval time.Duration) PollOption {
	return func(w *pollTask) {
		w.policy.Interval = interval
	}
}

// WithPollingTimeout specifies the maximum time to wait for the predicate
// returns truthy value. It defaults to 30 seconds.
func WithPollingTimeout(timeout time.Duration) PollOption {
	return func(w *pollTask) {
		w.policy.Timeout = timeout
	}
}

// WithPollingError specifies the error matched by the timeout error. It
// defaults to ErrPollingTimeout.
func WithPollingError(err error) PollOption {
	return func(w *pollTask) {
		w.policy.Err = err
	}
}

// WithPollingArgs provides extra arguments to pass to the predicate.
func WithPollingArgs(args ...interface{}) PollOption {
	return func(w *pollTask) {
		w.args = args
	}
}

// ElementCondition is the state a selector wait waits for.
type ElementCondition int

// ElementCondition values.
const (
	// ElementAttached waits for at least one matching element.
	ElementAttached ElementCondition = iota

	// ElementVisible waits for a displayed matching element.
	ElementVisible

	// ElementEnabled waits for an enabled matching element.
	ElementEnabled

	// ElementDetached waits until no element matches.
	ElementDetached
)

// String satisfies fmt.Stringer.
func (c ElementCondition) String() string {
	switch c {
	case ElementAttached:
		return "attached"
	case ElementVisible:
		return "visible"
	case ElementEnabled:
		return "enabled"
	case ElementDetached:
		return "detached"
	}
	return fmt.Sprintf("ElementCondition(%d)", int(c))
}

// WaitSelector waits until the elements matching a CSS selector satisfy
// cond, and returns the references of the elements satisfying it (none for
// ElementDetached).
func WaitSelector(ctx context.Context, s *Session, selector string, cond ElementCondition, opts ...PollOption) ([]string, error) {
	p := &pollTask{
		policy: RetryPolicy{
			Interval: DefaultInterval,
			Timeout:  DefaultTimeout,
			Err:      ErrPollingTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}

	op := fmt.Sprintf("wait %s %q", cond, selector)
	ids, err := WaitFor(ctx, op, p.policy, func(ctx context.Context) ([]string, error) {
		ids, err := s.FindElements(ctx, selector)
		if err != nil {
			return nil, err
		}
		switch cond {
		case ElementAttached:
			if len(ids) == 0 {
				return nil, Transient(errors.New("no element matches"))
			}
			return ids, nil
		case ElementDetached:
			if len(ids) != 0 {
				return nil, Transient(errors.New("elements still match"))
			}
			return nil, nil
		}

		state := client.StateDisplayed
		if cond == ElementEnabled {
			state = client.StateEnabled
		}
		var matched []string
		for _, id := range ids {
			ok, err := s.ElementState(ctx, id, state)
			switch {
			case client.IsCode(err, client.CodeStaleElement):
				continue
			case err != nil:
				return nil, err
			case ok:
				matched = append(matched, id)
			}
		}
		if len(matched) == 0 {
			return nil, Transient(fmt.Errorf("no %s element matches", cond))
		}
		return matched, nil
	})
	s.opts.metrics.observeWait("selector", err)
	return ids, err
}

// LoadState is a document load state.
type LoadState string

// LoadState values.
const (
	// LoadStateDOMContentLoaded is reached once the document is parsed.
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"

	// LoadStateLoad is reached once the document and its resources are
	// loaded.
	LoadStateLoad LoadState = "load"
)

// WaitLoadState waits until the current document reaches state.
func WaitLoadState(ctx context.Context, r ScriptRunner, state LoadState, opts ...PollOption) error {
	expr := `document.readyState === "complete"`
	if state == LoadStateDOMContentLoaded {
		expr = `document.readyState !== "loading"`
	}
	return Poll(ctx, r, expr, nil, opts...)
}
