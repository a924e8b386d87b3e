// Package metrics exposes harness telemetry on a dedicated Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juno-intents/signer-harness/internal/observer"
	"github.com/juno-intents/signer-harness/internal/poll"
)

const namespace = "signer_harness"

type Metrics struct {
	registry *prometheus.Registry

	pollAttempts   *prometheus.CounterVec
	pollTimeouts   *prometheus.CounterVec
	observerEvents *prometheus.CounterVec
	signerRestarts prometheus.Counter
	waitSeconds    *prometheus.HistogramVec
}

var _ poll.Recorder = (*Metrics)(nil)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Poll attempts run, by awaited condition.",
		}, []string{"what"}),
		pollTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_timeouts_total",
			Help:      "Waits that gave up, by awaited condition.",
		}, []string{"what"}),
		observerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_events_total",
			Help:      "Node events received by the observer, by kind.",
		}, []string{"kind"}),
		signerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signer_restarts_total",
			Help:      "Signer processes restarted during the run.",
		}),
		waitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wait_seconds",
			Help:      "Time until an awaited condition completed.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"what"}),
	}
	m.registry.MustRegister(m.pollAttempts, m.pollTimeouts, m.observerEvents, m.signerRestarts, m.waitSeconds)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PollAttempt(what string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(what).Inc()
}

func (m *Metrics) PollTimeout(what string) {
	if m == nil {
		return
	}
	m.pollTimeouts.WithLabelValues(what).Inc()
}

func (m *Metrics) ObserveWait(what string, d time.Duration) {
	if m == nil {
		return
	}
	m.waitSeconds.WithLabelValues(what).Observe(d.Seconds())
}

func (m *Metrics) SignerRestarted() {
	if m == nil {
		return
	}
	m.signerRestarts.Inc()
}

// ObserverHook counts every event the observer accepts.
func (m *Metrics) ObserverHook() observer.Hook {
	return func(ev observer.Event) {
		if m == nil {
			return
		}
		m.observerEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
}
