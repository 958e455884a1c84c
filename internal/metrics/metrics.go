package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of the approval server.
//
// A nil *Metrics is valid and records nothing, so components can take it as
// an optional dependency.
type Metrics struct {
	// RequestsCreated counts submitted requests.
	// Labels: category
	RequestsCreated *prometheus.CounterVec

	// Decisions counts human decisions that won the transition.
	// Labels: status (approved|denied)
	Decisions *prometheus.CounterVec

	// DecisionLatency measures the time from creation to decision in seconds.
	// Labels: status
	DecisionLatency *prometheus.HistogramVec

	// TimedOut counts requests moved to timeout by the sweep.
	TimedOut prometheus.Counter

	// Purged counts deleted requests.
	Purged prometheus.Counter

	// HTTPRequests counts façade requests.
	// Labels: method, route, code
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures façade request latency in seconds.
	// Labels: route
	HTTPDuration *prometheus.HistogramVec

	// PushSubscribers is the number of connected websocket subscribers.
	PushSubscribers prometheus.Gauge

	// ChannelSends counts chat notifications.
	// Labels: channel, status (success|error)
	ChannelSends *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg uses the
// prometheus default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccmonitor_approval_requests_created_total",
				Help: "Total number of approval requests submitted by category",
			},
			[]string{"category"},
		),
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccmonitor_approval_decisions_total",
				Help: "Total number of applied decisions by resulting status",
			},
			[]string{"status"},
		),
		DecisionLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ccmonitor_approval_decision_latency_seconds",
				Help:    "Time between request creation and decision in seconds",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 120},
			},
			[]string{"status"},
		),
		TimedOut: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ccmonitor_approval_timeouts_total",
				Help: "Total number of pending requests moved to timeout",
			},
		),
		Purged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ccmonitor_approval_purged_total",
				Help: "Total number of requests deleted by retention purge",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccmonitor_http_requests_total",
				Help: "Total number of HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "code"},
		),
		HTTPDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ccmonitor_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"route"},
		),
		PushSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ccmonitor_push_subscribers",
				Help: "Number of connected push subscribers",
			},
		),
		ChannelSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ccmonitor_channel_sends_total",
				Help: "Total number of chat notifications by channel and status",
			},
			[]string{"channel", "status"},
		),
	}
}

// HandleApprovalEvent implements approval.Listener.
func (m *Metrics) HandleApprovalEvent(_ context.Context, event approval.Event) {
	if m == nil {
		return
	}
	switch event.Type {
	case approval.EventCreated:
		if event.Request != nil {
			m.RequestsCreated.WithLabelValues(event.Request.Category).Inc()
		}
	case approval.EventDecided:
		if event.Request == nil {
			return
		}
		status := string(event.Request.Status)
		m.Decisions.WithLabelValues(status).Inc()
		if !event.Request.DecidedAt.IsZero() {
			latency := event.Request.DecidedAt.Sub(event.Request.CreatedAt)
			m.DecisionLatency.WithLabelValues(status).Observe(latency.Seconds())
		}
	case approval.EventTimedOut:
		m.TimedOut.Add(float64(event.Count))
	case approval.EventPurged:
		m.Purged.Add(float64(event.Count))
	}
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetSubscribers records the current push subscriber count.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.PushSubscribers.Set(float64(n))
}

// RecordChannelSend records a chat notification attempt.
func (m *Metrics) RecordChannelSend(channel string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ChannelSends.WithLabelValues(channel, status).Inc()
}
