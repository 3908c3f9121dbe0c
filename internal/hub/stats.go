package hub

import (
	"sync"
	"time"

	"github.com/adred-codev/chatd/internal/metrics"
)

// stats aggregates hub counters behind its own lock so the hot send path
// never contends with the session registry. Prometheus mirrors are updated
// on the same mutations.
type stats struct {
	mu sync.Mutex

	uptimeStart       time.Time
	totalConnections  int64
	activeConnections int
	totalMessages     int64
	totalRoomsCreated int64
}

// StatsSnapshot is an immutable copy of the hub counters.
type StatsSnapshot struct {
	Uptime            time.Duration
	TotalConnections  int64
	ActiveConnections int
	TotalMessages     int64
	TotalRoomsCreated int64
}

func (st *stats) connected() {
	st.mu.Lock()
	st.totalConnections++
	st.activeConnections++
	active := st.activeConnections
	st.mu.Unlock()

	metrics.RecordConnection()
	metrics.SetActiveConnections(active)
}

func (st *stats) disconnected() {
	st.mu.Lock()
	if st.activeConnections > 0 {
		st.activeConnections--
	}
	active := st.activeConnections
	st.mu.Unlock()

	metrics.SetActiveConnections(active)
}

func (st *stats) messagePersisted(kind string) {
	st.mu.Lock()
	st.totalMessages++
	st.mu.Unlock()

	metrics.RecordMessage(kind)
}

func (st *stats) roomCreated() {
	st.mu.Lock()
	st.totalRoomsCreated++
	st.mu.Unlock()

	metrics.RecordRoomCreated()
}

func (st *stats) snapshot() StatsSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return StatsSnapshot{
		Uptime:            time.Since(st.uptimeStart),
		TotalConnections:  st.totalConnections,
		ActiveConnections: st.activeConnections,
		TotalMessages:     st.totalMessages,
		TotalRoomsCreated: st.totalRoomsCreated,
	}
}
