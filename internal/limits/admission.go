package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/chatd/internal/metrics"
)

// AdmissionConfig tunes the connection admission guard.
type AdmissionConfig struct {
	PerIPRate   float64
	PerIPBurst  int
	GlobalRate  float64
	GlobalBurst int

	// EntryTTL bounds how long an idle IP keeps its limiter.
	EntryTTL time.Duration
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Admission guards the upgrade path against connection floods with a global
// token bucket plus one bucket per client IP. The global bucket is checked
// first so a flood from many addresses still backs off.
type Admission struct {
	cfg    AdmissionConfig
	logger zerolog.Logger

	global *rate.Limiter

	mu  sync.RWMutex
	ips map[string]*ipEntry

	stop     chan struct{}
	stopOnce sync.Once
}

func NewAdmission(cfg AdmissionConfig, logger zerolog.Logger) *Admission {
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 10 * time.Minute
	}
	a := &Admission{
		cfg:    cfg,
		logger: logger.With().Str("component", "admission").Logger(),
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		ips:    make(map[string]*ipEntry),
		stop:   make(chan struct{}),
	}
	go a.cleanupLoop()
	return a
}

// Allow decides whether a connection attempt from ip may proceed. The
// returned reason is a stable metrics label, empty on success.
func (a *Admission) Allow(ip string) (bool, string) {
	if !a.global.Allow() {
		metrics.RecordConnectionRejected(metrics.RejectGlobalRate)
		a.logger.Warn().Str("ip", ip).Msg("global connection rate exceeded")
		return false, metrics.RejectGlobalRate
	}
	if !a.ipLimiter(ip).Allow() {
		metrics.RecordConnectionRejected(metrics.RejectIPRate)
		a.logger.Warn().Str("ip", ip).Msg("per-ip connection rate exceeded")
		return false, metrics.RejectIPRate
	}
	return true, ""
}

func (a *Admission) ipLimiter(ip string) *rate.Limiter {
	a.mu.RLock()
	entry, ok := a.ips[ip]
	a.mu.RUnlock()
	if ok {
		a.mu.Lock()
		entry.lastSeen = time.Now()
		a.mu.Unlock()
		return entry.limiter
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	// Re-check: another goroutine may have created it between locks.
	if entry, ok := a.ips[ip]; ok {
		entry.lastSeen = time.Now()
		return entry.limiter
	}
	entry = &ipEntry{
		limiter:  rate.NewLimiter(rate.Limit(a.cfg.PerIPRate), a.cfg.PerIPBurst),
		lastSeen: time.Now(),
	}
	a.ips[ip] = entry
	return entry.limiter
}

// Stop ends the cleanup goroutine.
func (a *Admission) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *Admission) cleanupLoop() {
	ticker := time.NewTicker(a.cfg.EntryTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-a.cfg.EntryTTL)
			a.mu.Lock()
			before := len(a.ips)
			for ip, entry := range a.ips {
				if entry.lastSeen.Before(cutoff) {
					delete(a.ips, ip)
				}
			}
			removed := before - len(a.ips)
			a.mu.Unlock()
			if removed > 0 {
				a.logger.Debug().Int("removed", removed).Msg("reaped idle ip limiters")
			}
		case <-a.stop:
			return
		}
	}
}
