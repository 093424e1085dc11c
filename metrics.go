package stealthdp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of sessions, injectors and waits. A
// nil *Metrics records nothing.
type Metrics struct {
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	injections      *prometheus.CounterVec
	waits           *prometheus.CounterVec
	launches        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg, when not
// nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stealthdp",
			Name:      "commands_total",
			Help:      "Session and control channel commands, by method and outcome.",
		}, []string{"method", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stealthdp",
			Name:      "command_duration_seconds",
			Help:      "Latency of dispatched session commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stealthdp",
			Name:      "injections_total",
			Help:      "Injection plan applications, by point and outcome.",
		}, []string{"point", "outcome"}),
		waits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stealthdp",
			Name:      "waits_total",
			Help:      "Waits, by operation and outcome.",
		}, []string{"op", "outcome"}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stealthdp",
			Name:      "launches_total",
			Help:      "Browser launches, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.commandDuration, m.injections, m.waits, m.launches)
	}
	return m
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	case errors.Is(err, ErrWaitTimeout):
		return "timeout"
	}
	return "error"
}

func (m *Metrics) observeCommand(method string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(method, outcome(err)).Inc()
	if !errors.Is(err, ErrSessionClosed) {
		m.commandDuration.WithLabelValues(method).Observe(d.Seconds())
	}
}

func (m *Metrics) observeInjection(point InjectionPoint, err error) {
	if m == nil {
		return
	}
	m.injections.WithLabelValues(point.String(), outcome(err)).Inc()
}

func (m *Metrics) observeWait(op string, err error) {
	if m == nil {
		return
	}
	m.waits.WithLabelValues(op, outcome(err)).Inc()
}

func (m *Metrics) observeLaunch(err error) {
	if m == nil {
		return
	}
	m.launches.WithLabelValues(outcome(err)).Inc()
}
