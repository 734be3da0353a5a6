// Package metrics exposes Prometheus collectors for sessions, pollers and
// the notification bridge. All helpers are no-ops until Init is called.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "raidwatch_"

	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	sessionState      *prometheus.GaugeVec
	reconnectAttempts *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec
	pollsTotal        *prometheus.CounterVec
	alertsTotal       *prometheus.CounterVec
	recorderDropped   prometheus.Counter
)

// Init registers the collectors with reg, or with the default registerer
// when reg is nil. Only the first call has any effect.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		sessionState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "session_state",
				Help: "Current lifecycle state per server, 1 for the active state",
			},
			[]string{"server", "state"},
		)
		reconnectAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconnect_attempts_total",
				Help: "Scheduled reconnect attempts by server",
			},
			[]string{"server"},
		)
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_total",
				Help: "Normalized events emitted by kind",
			},
			[]string{"kind"},
		)
		pollsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "world_polls_total",
				Help: "World marker polls by result",
			},
			[]string{"result"},
		)
		alertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_total",
				Help: "Outbound alerts by kind and result",
			},
			[]string{"kind", "result"},
		)
		recorderDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "eventlog_dropped_total",
				Help: "Event log records dropped because the queue was full",
			},
		)

		reg.MustRegister(
			sessionState,
			reconnectAttempts,
			eventsTotal,
			pollsTotal,
			alertsTotal,
			recorderDropped,
		)
	})
}

// SetSessionState marks state as the current one for server and clears
// the others listed in all.
func SetSessionState(server, state string, all []string) {
	if sessionState == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(server, s).Set(v)
	}
}

// ForgetSession drops every state series for server.
func ForgetSession(server string) {
	if sessionState == nil {
		return
	}
	sessionState.DeletePartialMatch(prometheus.Labels{"server": server})
}

func IncReconnectAttempt(server string) {
	if reconnectAttempts == nil {
		return
	}
	reconnectAttempts.WithLabelValues(server).Inc()
}

func IncEvent(kind string) {
	if eventsTotal == nil {
		return
	}
	eventsTotal.WithLabelValues(kind).Inc()
}

func IncPoll(result string) {
	if pollsTotal == nil {
		return
	}
	pollsTotal.WithLabelValues(result).Inc()
}

func IncAlert(kind, result string) {
	if alertsTotal == nil {
		return
	}
	alertsTotal.WithLabelValues(kind, result).Inc()
}

func IncRecorderDropped() {
	if recorderDropped == nil {
		return
	}
	recorderDropped.Inc()
}
