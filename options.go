package stealthdp

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

// options holds the settings shared by sessions, injectors and browsers.
type options struct {
	logHooks

	httpClient *http.Client
	metrics    *Metrics
	tracer     trace.Tracer
	slowMo     time.Duration
	eval       RetryPolicy
}

func newOptions(opts []Option) *options {
	o := &options{
		eval: RetryPolicy{
			Interval: DefaultInterval,
			Timeout:  5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.fill()
	return o
}

// Option is a session, injector or browser option.
type Option func(*options)

// WithLogf is an option to specify a func to receive general logging.
func WithLogf(f LogFunc) Option {
	return func(o *options) {
		o.logf = f
	}
}

// WithErrorf is an option to specify a func to receive error logging.
func WithErrorf(f LogFunc) Option {
	return func(o *options) {
		o.errf = f
	}
}

// WithDebugf is an option to specify a func to receive debug logging (ie,
// protocol information).
func WithDebugf(f LogFunc) Option {
	return func(o *options) {
		o.debugf = f
	}
}

// WithLogger is an option to route general, error and debug logging to l.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logf, o.errf, o.debugf = l.Infof, l.Errorf, l.Debugf
	}
}

// WithHTTPClient is an option to specify the HTTP client used to talk to
// the driver.
func WithHTTPClient(cl *http.Client) Option {
	return func(o *options) {
		o.httpClient = cl
	}
}

// WithMetrics is an option to record command, injection and wait metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer is an option to record a span per session command.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithSlowMo is an option to delay every navigation and script execution.
func WithSlowMo(d time.Duration) Option {
	return func(o *options) {
		o.slowMo = d
	}
}

// WithEvaluatePolicy is an option to specify the retry policy of the
// injector's in-document evaluation steps.
func WithEvaluatePolicy(p RetryPolicy) Option {
	return func(o *options) {
		o.eval = p
	}
}
