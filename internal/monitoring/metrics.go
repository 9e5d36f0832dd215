package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routing outcomes for MessagesRouted. Exactly one is counted per
// inbound chat frame per recipient.
const (
	RouteLocal   = "local"   // delivered to a connection on this node
	RoutePublish = "publish" // published to the bus for another node
	RouteOffline = "offline" // persisted as an offline message
)

var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_connections_current",
		Help: "Number of live client connections on this node",
	})

	UsersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_users_online",
		Help: "Number of users bound in this node's connection registry",
	})

	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_messages_routed_total",
		Help: "Chat frames routed, by outcome (local, publish, offline)",
	}, []string{"route"})

	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_logins_total",
		Help: "Login attempts by result (ok, unknown_id, in_use, wrong_password)",
	}, []string{"result"})

	BusPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_bus_publish_failures_total",
		Help: "Publishes rejected or failed at the bus",
	})

	BusMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_bus_messages_received_total",
		Help: "Frames delivered to this node over the bus",
	})

	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_rate_limited_messages_total",
		Help: "Inbound frames dropped by the per-connection rate limiter",
	})

	DroppedTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_worker_dropped_tasks_total",
		Help: "Handler tasks dropped because the worker queue was full",
	})

	DroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_dropped_sends_total",
		Help: "Outbound frames dropped because a client send buffer was full",
	})
)

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
