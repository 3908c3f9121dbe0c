// Package limits contains the two rate-limiting layers of the server: the
// per-user sliding-window limiter applied to intents after a session exists,
// and the token-bucket admission guard applied to raw connection attempts.
package limits

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatd/internal/chat"
	"github.com/adred-codev/chatd/internal/metrics"
)

// Action identifies one rate-limited intent family.
type Action string

const (
	ActionSendMessage Action = "send_message"
	ActionSendDM      Action = "send_dm"
	ActionJoinRoom    Action = "join_room"
	ActionCreateRoom  Action = "create_room"
	ActionAdminAction Action = "admin_action"
)

// burstWindow is the sub-window used for burst caps.
const burstWindow = 10 * time.Second

// Profile fixes the sliding window of one action. Burst of zero disables
// the sub-window check.
type Profile struct {
	Window time.Duration
	Max    int
	Burst  int
}

func defaultProfiles(maxMessagesPerMinute int) map[Action]Profile {
	if maxMessagesPerMinute <= 0 {
		maxMessagesPerMinute = 20
	}
	return map[Action]Profile{
		ActionSendMessage: {Window: time.Minute, Max: maxMessagesPerMinute, Burst: 5},
		ActionSendDM:      {Window: time.Minute, Max: 15, Burst: 3},
		ActionJoinRoom:    {Window: time.Minute, Max: 10, Burst: 3},
		ActionCreateRoom:  {Window: 5 * time.Minute, Max: 3},
		ActionAdminAction: {Window: time.Minute, Max: 100, Burst: 10},
	}
}

type bucketKey struct {
	userID int64
	action Action
}

type bucket struct {
	stamps   []time.Time
	lastSeen time.Time
}

// RateLimiter enforces sliding windows per (user, action). A rejected
// attempt consumes nothing: only admitted actions append a timestamp.
type RateLimiter struct {
	profiles map[Action]Profile
	logger   zerolog.Logger

	mu      sync.Mutex
	buckets map[bucketKey]*bucket

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter builds a limiter with the default action profiles, taking
// the send-message window maximum from configuration. Call Stop on shutdown
// to end the janitor goroutine.
func NewRateLimiter(maxMessagesPerMinute int, logger zerolog.Logger) *RateLimiter {
	rl := &RateLimiter{
		profiles: defaultProfiles(maxMessagesPerMinute),
		logger:   logger.With().Str("component", "ratelimit").Logger(),
		buckets:  make(map[bucketKey]*bucket),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Check admits or rejects one intent. On rejection it returns a domain
// error with the rate_limit code and leaves the bucket unchanged.
func (rl *RateLimiter) Check(userID int64, action Action) error {
	profile, ok := rl.profiles[action]
	if !ok {
		return nil
	}
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := bucketKey{userID: userID, action: action}
	b := rl.buckets[key]
	if b == nil {
		b = &bucket{}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	// Drop stamps that fell out of the window.
	cutoff := now.Add(-profile.Window)
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.stamps = kept

	if len(b.stamps) >= profile.Max {
		rl.reject(userID, action, "window")
		return chat.ErrRateLimited(fmt.Sprintf("rate limit exceeded for %s", action))
	}

	if profile.Burst > 0 {
		burstCutoff := now.Add(-burstWindow)
		recent := 0
		for i := len(b.stamps) - 1; i >= 0; i-- {
			if !b.stamps[i].After(burstCutoff) {
				break
			}
			recent++
		}
		if recent >= profile.Burst {
			rl.reject(userID, action, "burst")
			return chat.ErrRateLimited(fmt.Sprintf("burst limit exceeded for %s", action))
		}
	}

	b.stamps = append(b.stamps, now)
	return nil
}

// Remaining reports how many actions the window still admits. Used by the
// hub stats endpoint and tests.
func (rl *RateLimiter) Remaining(userID int64, action Action) int {
	profile, ok := rl.profiles[action]
	if !ok {
		return -1
	}
	cutoff := rl.now().Add(-profile.Window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b := rl.buckets[bucketKey{userID: userID, action: action}]
	if b == nil {
		return profile.Max
	}
	inWindow := 0
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			inWindow++
		}
	}
	if inWindow >= profile.Max {
		return 0
	}
	return profile.Max - inWindow
}

// Reset clears every bucket of one user, typically on disconnect.
func (rl *RateLimiter) Reset(userID int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.buckets {
		if key.userID == userID {
			delete(rl.buckets, key)
		}
	}
}

// Stop ends the janitor goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) reject(userID int64, action Action, which string) {
	metrics.RecordRateLimited(string(action))
	rl.logger.Warn().
		Int64("user_id", userID).
		Str("action", string(action)).
		Str("limit", which).
		Msg("rate limit exceeded")
}

// janitor reaps buckets that have been idle for several windows so the map
// does not grow with user churn.
func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := rl.now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for key, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}
