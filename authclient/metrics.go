package authclient

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for one or more clients. A nil
// *Metrics records nothing.
type Metrics struct {
	refreshes       *prometheus.CounterVec
	requests        *prometheus.CounterVec
	reactiveRetries prometheus.Counter
	skipped         prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicle_link_token_refresh_total",
			Help: "Token refresh attempts by result (success or error category)",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vehicle_link_api_requests_total",
			Help: "Resource API requests by method and status code",
		}, []string{"method", "code"}),
		reactiveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehicle_link_reactive_retries_total",
			Help: "Requests retried after a 401 and a forced refresh",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vehicle_link_proactive_refresh_skipped_total",
			Help: "Proactive refreshes skipped because of an active cooldown",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.refreshes, m.requests, m.reactiveRetries, m.skipped)
	}
	return m
}

func (m *Metrics) refreshResult(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) request(method string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) reactiveRetry() {
	if m == nil {
		return
	}
	m.reactiveRetries.Inc()
}

func (m *Metrics) proactiveSkipped() {
	if m == nil {
		return
	}
	m.skipped.Inc()
}
