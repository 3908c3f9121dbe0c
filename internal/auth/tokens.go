package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// TokenState describes one active handshake token. Only the SHA-256 of the
// token is retained.
type TokenState struct {
	Hash      string
	CreatedAt time.Time
	LastSeen  time.Time
	Addr      string
}

// TokenRegistry caps how many handshake tokens a user may hold at once.
// Registering past the cap evicts the oldest token rather than failing, so
// a user who lost track of stale sessions can always connect.
type TokenRegistry struct {
	limit int

	mu     sync.Mutex
	byUser map[int64][]*TokenState

	now func() time.Time
}

func NewTokenRegistry(limit int) *TokenRegistry {
	if limit < 1 {
		limit = 1
	}
	return &TokenRegistry{
		limit:  limit,
		byUser: make(map[int64][]*TokenState),
		now:    time.Now,
	}
}

// Register records a token for the user and returns the evicted state, if
// the cap forced one out. Re-registering a known token refreshes it in
// place.
func (r *TokenRegistry) Register(userID int64, token, addr string) *TokenState {
	hash := HashToken(token)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	states := r.byUser[userID]
	for _, st := range states {
		if st.Hash == hash {
			st.LastSeen = now
			st.Addr = addr
			return nil
		}
	}

	states = append(states, &TokenState{
		Hash:      hash,
		CreatedAt: now,
		LastSeen:  now,
		Addr:      addr,
	})

	var evicted *TokenState
	if len(states) > r.limit {
		oldest := 0
		for i, st := range states {
			if st.CreatedAt.Before(states[oldest].CreatedAt) {
				oldest = i
			}
		}
		evicted = states[oldest]
		states = append(states[:oldest], states[oldest+1:]...)
	}
	r.byUser[userID] = states
	return evicted
}

// Touch refreshes the last-activity time of a token.
func (r *TokenRegistry) Touch(userID int64, token string) {
	hash := HashToken(token)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.byUser[userID] {
		if st.Hash == hash {
			st.LastSeen = r.now()
			return
		}
	}
}

// Remove drops a token, typically when its session unregisters.
func (r *TokenRegistry) Remove(userID int64, token string) {
	hash := HashToken(token)

	r.mu.Lock()
	defer r.mu.Unlock()
	states := r.byUser[userID]
	for i, st := range states {
		if st.Hash == hash {
			states = append(states[:i], states[i+1:]...)
			break
		}
	}
	if len(states) == 0 {
		delete(r.byUser, userID)
	} else {
		r.byUser[userID] = states
	}
}

// Active returns copies of the user's token states.
func (r *TokenRegistry) Active(userID int64) []TokenState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := r.byUser[userID]
	out := make([]TokenState, len(states))
	for i, st := range states {
		out[i] = *st
	}
	return out
}

// HashToken is the stable fingerprint stored in place of a raw token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
