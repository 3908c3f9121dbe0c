package chat

import (
	"sync"
	"time"
)

// Status is a user's presence state.
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
	StatusAway
	StatusBusy
)

var statusNames = map[Status]string{
	StatusOffline: "offline",
	StatusOnline:  "online",
	StatusAway:    "away",
	StatusBusy:    "busy",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus maps a client-supplied status string onto a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "offline":
		return StatusOffline, nil
	case "online":
		return StatusOnline, nil
	case "away":
		return StatusAway, nil
	case "busy":
		return StatusBusy, nil
	default:
		return StatusOffline, ErrInvalidInput("unknown status " + s)
	}
}

// PresenceUpdate is one delta delivered to subscribers.
type PresenceUpdate struct {
	UserID   int64
	Username string
	Status   Status
}

type presenceEntry struct {
	username   string
	status     Status
	lastActive time.Time
}

// Presence tracks the status of connected users and notifies subscribers on
// every transition. Repeated writes of the current state emit nothing.
type Presence struct {
	mu    sync.RWMutex
	users map[int64]*presenceEntry
	subs  []func(PresenceUpdate)

	now func() time.Time
}

func NewPresence() *Presence {
	return &Presence{
		users: make(map[int64]*presenceEntry),
		now:   time.Now,
	}
}

// Subscribe registers a delta callback. Callbacks run outside the presence
// lock and must not block.
func (p *Presence) Subscribe(fn func(PresenceUpdate)) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// SetOnline records a user as connected and online.
func (p *Presence) SetOnline(userID int64, username string) {
	p.transition(userID, username, StatusOnline, true)
}

// SetOffline records a disconnect and drops the entry.
func (p *Presence) SetOffline(userID int64) {
	p.mu.Lock()
	entry, ok := p.users[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	username := entry.username
	changed := entry.status != StatusOffline
	delete(p.users, userID)
	subs := p.subscribers()
	p.mu.Unlock()

	if changed {
		notify(subs, PresenceUpdate{UserID: userID, Username: username, Status: StatusOffline})
	}
}

// Set applies an explicit status change requested by the user.
func (p *Presence) Set(userID int64, status Status) {
	p.transition(userID, "", status, true)
}

// Touch records activity. Away users return to online; busy is an explicit
// choice and sticks.
func (p *Presence) Touch(userID int64) {
	p.mu.Lock()
	entry, ok := p.users[userID]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.lastActive = p.now()
	if entry.status != StatusAway {
		p.mu.Unlock()
		return
	}
	entry.status = StatusOnline
	update := PresenceUpdate{UserID: userID, Username: entry.username, Status: StatusOnline}
	subs := p.subscribers()
	p.mu.Unlock()

	notify(subs, update)
}

// SweepIdle moves online users idle past the threshold to away and returns
// how many changed.
func (p *Presence) SweepIdle(threshold time.Duration) int {
	cutoff := p.now().Add(-threshold)

	p.mu.Lock()
	var updates []PresenceUpdate
	for id, entry := range p.users {
		if entry.status == StatusOnline && entry.lastActive.Before(cutoff) {
			entry.status = StatusAway
			updates = append(updates, PresenceUpdate{UserID: id, Username: entry.username, Status: StatusAway})
		}
	}
	subs := p.subscribers()
	p.mu.Unlock()

	for _, u := range updates {
		notify(subs, u)
	}
	return len(updates)
}

// Get returns the tracked status; unknown users are offline.
func (p *Presence) Get(userID int64) Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if entry, ok := p.users[userID]; ok {
		return entry.status
	}
	return StatusOffline
}

// Snapshot copies the current status table.
func (p *Presence) Snapshot() map[int64]Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int64]Status, len(p.users))
	for id, entry := range p.users {
		out[id] = entry.status
	}
	return out
}

func (p *Presence) transition(userID int64, username string, status Status, touch bool) {
	p.mu.Lock()
	entry, ok := p.users[userID]
	if !ok {
		entry = &presenceEntry{username: username}
		p.users[userID] = entry
	}
	if username != "" {
		entry.username = username
	}
	if touch {
		entry.lastActive = p.now()
	}
	if entry.status == status {
		p.mu.Unlock()
		return
	}
	entry.status = status
	update := PresenceUpdate{UserID: userID, Username: entry.username, Status: status}
	subs := p.subscribers()
	p.mu.Unlock()

	notify(subs, update)
}

// subscribers copies the callback slice; callers must hold p.mu.
func (p *Presence) subscribers() []func(PresenceUpdate) {
	out := make([]func(PresenceUpdate), len(p.subs))
	copy(out, p.subs)
	return out
}

func notify(subs []func(PresenceUpdate), update PresenceUpdate) {
	for _, fn := range subs {
		fn(update)
	}
}
