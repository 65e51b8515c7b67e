// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fpsync"

// Metrics is one registry and the collectors the server updates.
type Metrics struct {
	Registry *prometheus.Registry

	Messages    *prometheus.CounterVec
	Errors      *prometheus.CounterVec
	Dispatch    *prometheus.HistogramVec
	Members     prometheus.Gauge
	Sockets     prometheus.Gauge
	Pushes      *prometheus.CounterVec
	MetaEntries *prometheus.CounterVec
	RateLimited prometheus.Counter
}

// New registers every collector, plus the Go runtime collector, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by type and transport.",
		}, []string{"type", "transport"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error envelopes returned, by request type.",
		}, []string{"type"}),
		Dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_seconds",
			Help:      "Time spent handling one message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_members",
			Help:      "Open connection identities.",
		}),
		Sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets",
			Help:      "Connected WebSockets.",
		}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Server-initiated messages by type and outcome.",
		}, []string{"type", "outcome"}),
		MetaEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "meta_entries_total",
			Help:      "Meta entries received, deleted and delivered.",
		}, []string{"op"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Socket messages rejected by the rate limiter.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		m.Messages,
		m.Errors,
		m.Dispatch,
		m.Members,
		m.Sockets,
		m.Pushes,
		m.MetaEntries,
		m.RateLimited,
	)
	return m
}

// ObserveDispatch records one handled message.
func (m *Metrics) ObserveDispatch(msgType, transport string, start time.Time, failed bool) {
	m.Messages.WithLabelValues(msgType, transport).Inc()
	m.Dispatch.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
	if failed {
		m.Errors.WithLabelValues(msgType).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
