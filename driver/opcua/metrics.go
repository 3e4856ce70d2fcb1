package opcua

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of a Gateway. A nil *Metrics disables them.
type Metrics struct {
	operations       *prometheus.CounterVec   // by operation and status (ok/error)
	duration         *prometheus.HistogramVec // by operation
	notifications    *prometheus.CounterVec   // by kind (data/event)
	conversionErrors *prometheus.CounterVec   // by direction (internal/remote)
	connectionStatus *prometheus.CounterVec   // by status

	monitoredItems prometheus.Gauge
	sessionState   prometheus.Gauge
}

// NewMetrics creates the gateway metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcua_gateway",
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Total number of gateway operations",
		}, []string{"operation", "status"}),

		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "opcua_gateway",
			Subsystem: "session",
			Name:      "operation_duration_seconds",
			Help:      "Gateway operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"operation"}),

		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcua_gateway",
			Subsystem: "subscription",
			Name:      "notifications_total",
			Help:      "Total number of delivered notifications",
		}, []string{"kind"}),

		conversionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcua_gateway",
			Subsystem: "converter",
			Name:      "errors_total",
			Help:      "Total number of failed value conversions",
		}, []string{"direction"}),

		connectionStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcua_gateway",
			Subsystem: "session",
			Name:      "connection_status_total",
			Help:      "Total number of connection status changes",
		}, []string{"status"}),

		monitoredItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcua_gateway",
			Subsystem: "subscription",
			Name:      "monitored_items",
			Help:      "Number of monitored items",
		}),

		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcua_gateway",
			Subsystem: "session",
			Name:      "state",
			Help:      "Session state (0 closed, 1 opening, 2 reconnecting, 3 open, 4 closing)",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.operations, m.duration, m.notifications, m.conversionErrors,
		m.connectionStatus, m.monitoredItems, m.sessionState,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.operations.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) notified(kind string, n int) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) conversionFailed(direction string) {
	if m == nil {
		return
	}
	m.conversionErrors.WithLabelValues(direction).Inc()
}

func (m *Metrics) statusChanged(status ConnectionStatus, state State) {
	if m == nil {
		return
	}
	m.connectionStatus.WithLabelValues(status.String()).Inc()
	m.sessionState.Set(float64(state))
}

func (m *Metrics) setItems(n int) {
	if m == nil {
		return
	}
	m.monitoredItems.Set(float64(n))
}

func (m *Metrics) setState(state State) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}
