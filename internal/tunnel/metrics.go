package tunnel

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devtunnel_connection_status_transitions_total",
		Help: "Total connectionStatus transitions, labelled by the status transitioned into",
	}, []string{"status"})

	reconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devtunnel_reconnect_attempts_total",
		Help: "Total relay reconnect attempts, labelled by disconnect reason",
	}, []string{"reason"})

	forwardedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devtunnel_forwarded_bytes_total",
		Help: "Total bytes copied across forwarded-port streams",
	}, []string{"direction"})

	keepAliveFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devtunnel_keepalive_failures_total",
		Help: "Total consecutive-keepalive-failure events",
	})
)

// MetricsHandler exposes the package's metrics in Prometheus exposition
// format (§6 "metrics").
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// InstrumentConnection subscribes prom counters to a connection's events;
// callers that don't want metrics simply never call this.
func InstrumentConnection(events *Events) {
	events.OnConnectionStatusChanged(func(previous, current ConnectionStatus, err error) {
		connectionStatusTransitionsTotal.WithLabelValues(current.String()).Inc()
	})
	events.OnRetryingTunnelConnection(func(err error, delayMs *int, retry *bool) {
		reconnectAttemptsTotal.WithLabelValues(classify(err, 0, false).reason.String()).Inc()
	})
	events.OnKeepAliveFailed(func(count int) {
		keepAliveFailuresTotal.Inc()
	})
}
