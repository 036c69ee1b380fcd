// Package metrics exposes Prometheus collectors for the alert lifecycle.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sosguard/go-sos-server/internal/sos"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	alertsFired      *prometheus.CounterVec
	alertsAborted    *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	countdowns       *prometheus.CounterVec
	timerArmed       *prometheus.GaugeVec
	locationSamples  prometheus.Counter
	httpRequests     *prometheus.CounterVec
}

// New registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		alertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosguard_alerts_fired_total",
			Help: "Alerts recorded, by trigger.",
		}, []string{"trigger"}),
		alertsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosguard_alerts_aborted_total",
			Help: "Fires aborted before an alert was recorded, by trigger.",
		}, []string{"trigger"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosguard_dispatch_failures_total",
			Help: "Alerts where at least one contact could not be notified.",
		}, []string{"trigger"}),
		countdowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosguard_countdowns_total",
			Help: "Countdown sessions by timer and outcome.",
		}, []string{"timer", "outcome"}),
		timerArmed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sosguard_timer_armed",
			Help: "1 while the timer is counting down.",
		}, []string{"timer"}),
		locationSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sosguard_location_samples_total",
			Help: "Location samples accepted by the tracker.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sosguard_http_requests_total",
			Help: "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.alertsFired,
		m.alertsAborted,
		m.dispatchFailures,
		m.countdowns,
		m.timerArmed,
		m.locationSamples,
		m.httpRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvent updates the collectors for one lifecycle event.
func (m *Metrics) ObserveEvent(e sos.Event) {
	switch e.Type {
	case sos.EventArmed:
		m.countdowns.WithLabelValues("sos", "armed").Inc()
		m.timerArmed.WithLabelValues("sos").Set(1)
	case sos.EventCancelled:
		m.countdowns.WithLabelValues("sos", "cancelled").Inc()
		m.timerArmed.WithLabelValues("sos").Set(0)
	case sos.EventSafetyArmed:
		m.countdowns.WithLabelValues("safety_check", "armed").Inc()
		m.timerArmed.WithLabelValues("safety_check").Set(1)
	case sos.EventSafetyCancelled:
		m.countdowns.WithLabelValues("safety_check", "cancelled").Inc()
		m.timerArmed.WithLabelValues("safety_check").Set(0)
	case sos.EventFired:
		m.alertsFired.WithLabelValues(string(e.Trigger)).Inc()
		m.expire(e.Trigger)
	case sos.EventAborted:
		m.alertsAborted.WithLabelValues(string(e.Trigger)).Inc()
		m.expire(e.Trigger)
	case sos.EventDispatchFailed:
		m.dispatchFailures.WithLabelValues(string(e.Trigger)).Inc()
	}
}

func (m *Metrics) expire(trigger sos.Trigger) {
	switch trigger {
	case sos.TriggerCountdown:
		m.countdowns.WithLabelValues("sos", "expired").Inc()
		m.timerArmed.WithLabelValues("sos").Set(0)
	case sos.TriggerSafetyCheck:
		m.countdowns.WithLabelValues("safety_check", "expired").Inc()
		m.timerArmed.WithLabelValues("safety_check").Set(0)
	}
}

// ObserveLocationSample counts an accepted location sample.
func (m *Metrics) ObserveLocationSample() {
	m.locationSamples.Inc()
}

// ObserveRequest counts one HTTP API request.
func (m *Metrics) ObserveRequest(route string, code int) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
