package hub

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/chat"
	"github.com/adred-codev/chatd/internal/metrics"
)

// deadAfterMultiplier fixes how many missed heartbeat intervals make a
// session dead.
const deadAfterMultiplier = 3

// Supervisor drives the liveness loop: on every heartbeat interval it pings
// all sessions, reaps the ones that went quiet, and sweeps idle users to
// away.
type Supervisor struct {
	hub      *Hub
	presence *chat.Presence
	interval time.Duration
	away     time.Duration
	log      zerolog.Logger
}

// NewSupervisor wires a supervisor to the hub and presence tracker.
func NewSupervisor(h *Hub, presence *chat.Presence, interval, awayThreshold time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		hub:      h,
		presence: presence,
		interval: interval,
		away:     awayThreshold,
		log:      logger.With().Str("component", "heartbeat").Logger(),
	}
}

// Run ticks until the context is cancelled.
func (sv *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(sv.interval)
	defer ticker.Stop()

	sv.log.Info().
		Dur("interval", sv.interval).
		Dur("away_threshold", sv.away).
		Msg("heartbeat supervisor started")

	for {
		select {
		case <-ctx.Done():
			sv.log.Info().Msg("heartbeat supervisor stopped")
			return
		case <-ticker.C:
			sv.tick()
		}
	}
}

func (sv *Supervisor) tick() {
	pinged, failed := sv.pingAll()
	reaped := sv.hub.CleanupDead(deadAfterMultiplier * sv.interval)
	idled := sv.presence.SweepIdle(sv.away)

	evt := sv.log.Debug()
	if failed > 0 || reaped > 0 {
		evt = sv.log.Warn()
	}
	evt.Int("pinged", pinged).
		Int("ping_failed", failed).
		Int("reaped", reaped).
		Int("idled_away", idled).
		Msg("heartbeat tick")
}

func (sv *Supervisor) pingAll() (ok, failed int) {
	for _, s := range sv.hub.SnapshotSessions() {
		if s.TrySendPing() {
			ok++
			metrics.RecordHeartbeatPing("ok")
		} else {
			failed++
			metrics.RecordHeartbeatPing("failed")
		}
	}
	return ok, failed
}
