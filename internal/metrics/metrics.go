// Package metrics holds the Prometheus collectors for the chat server and a
// periodic system sampler. Collectors are package-level and registered once
// at init, so any component can record without carrying a registry handle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatd_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_connections_active",
		Help: "Current number of registered sessions",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_connections_rejected_total",
		Help: "Connections rejected before registration, by reason",
	}, []string{"reason"})

	sessionsEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_sessions_evicted_total",
		Help: "Sessions force-closed by the server, by reason",
	}, []string{"reason"})

	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_messages_total",
		Help: "Messages persisted and fanned out, by kind",
	}, []string{"kind"})

	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_messages_dropped_total",
		Help: "Deliveries dropped instead of blocking, by reason",
	}, []string{"reason"})

	rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_rate_limited_total",
		Help: "Intents rejected by the sliding-window limiter, by action",
	}, []string{"action"})

	filterRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_filter_rejected_total",
		Help: "Messages rejected by the content filter, by reason",
	}, []string{"reason"})

	roomsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatd_rooms_created_total",
		Help: "Rooms created since process start",
	})

	roomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_rooms_active",
		Help: "Rooms with at least one member",
	})

	heartbeatPings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_heartbeat_pings_total",
		Help: "Heartbeat pings enqueued, by result",
	}, []string{"result"})

	reactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_reactions_total",
		Help: "Reaction mutations, by operation",
	}, []string{"op"})

	presenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_presence_transitions_total",
		Help: "Presence transitions delivered to subscribers, by status",
	}, []string{"status"})

	announcements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatd_announcements_total",
		Help: "System announcements ingested from the bus",
	})

	dbOpSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatd_db_op_seconds",
		Help:    "Message store operation latency",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"op"})

	cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_cpu_percent",
		Help: "Host CPU usage percentage",
	})

	memAllocBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_memory_alloc_bytes",
		Help: "Go heap bytes currently allocated",
	})

	memUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_memory_used_percent",
		Help: "Host memory usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatd_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(sessionsEvicted)

	prometheus.MustRegister(messagesTotal)
	prometheus.MustRegister(messagesDropped)
	prometheus.MustRegister(rateLimited)
	prometheus.MustRegister(filterRejected)

	prometheus.MustRegister(roomsCreated)
	prometheus.MustRegister(roomsActive)
	prometheus.MustRegister(heartbeatPings)
	prometheus.MustRegister(reactions)
	prometheus.MustRegister(presenceTransitions)
	prometheus.MustRegister(announcements)
	prometheus.MustRegister(dbOpSeconds)

	prometheus.MustRegister(cpuPercent)
	prometheus.MustRegister(memAllocBytes)
	prometheus.MustRegister(memUsedPercent)
	prometheus.MustRegister(goroutinesActive)
}

// Rejection reasons for RecordConnectionRejected.
const (
	RejectGlobalRate   = "global_rate"
	RejectIPRate       = "ip_rate"
	RejectUnauthorized = "unauthorized"
	RejectShutdown     = "shutdown"
)

// Eviction reasons for RecordSessionEvicted.
const (
	EvictReplaced = "replaced"
	EvictDead     = "dead"
	EvictShutdown = "shutdown"
)

// Drop reasons for RecordMessageDropped.
const (
	DropQueueFull     = "queue_full"
	DropSessionClosed = "session_closed"
)

func RecordConnection() { connectionsTotal.Inc() }

func SetActiveConnections(n int) { connectionsActive.Set(float64(n)) }

func RecordConnectionRejected(r string) { connectionsRejected.WithLabelValues(r).Inc() }

func RecordSessionEvicted(r string) { sessionsEvicted.WithLabelValues(r).Inc() }

func RecordMessage(kind string) { messagesTotal.WithLabelValues(kind).Inc() }

func RecordMessageDropped(r string) { messagesDropped.WithLabelValues(r).Inc() }

func RecordRateLimited(action string) { rateLimited.WithLabelValues(action).Inc() }

func RecordFilterRejected(r string) { filterRejected.WithLabelValues(r).Inc() }

func RecordRoomCreated() { roomsCreated.Inc() }

func SetActiveRooms(n int) { roomsActive.Set(float64(n)) }

func RecordHeartbeatPing(result string) { heartbeatPings.WithLabelValues(result).Inc() }

func RecordReaction(op string) { reactions.WithLabelValues(op).Inc() }

func RecordPresence(status string) { presenceTransitions.WithLabelValues(status).Inc() }

func RecordAnnouncement() { announcements.Inc() }

func ObserveDBOp(op string, sec float64) { dbOpSeconds.WithLabelValues(op).Observe(sec) }

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
