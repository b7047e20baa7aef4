// Package presence derives per-user online state from session registry
// transitions. It keeps no durable state.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"roomchat-server/domain"
)

// SessionCounter reports how many live sessions a user holds.
type SessionCounter interface {
	UserSessions(user domain.UserID) int
}

// Tracker holds one record per user seen since start. Offline records are
// dropped by Evict once they are older than the retention window, so memory
// is bounded by online users plus users who left within that window.
type Tracker struct {
	mu       sync.Mutex
	records  map[domain.UserID]*domain.PresenceRecord
	sessions SessionCounter
	now      func() time.Time
}

func NewTracker(sessions SessionCounter) *Tracker {
	return &Tracker{
		records:  make(map[domain.UserID]*domain.PresenceRecord),
		sessions: sessions,
		now:      time.Now,
	}
}

// OnSessionOpened marks the user online in room. The most recent call wins
// the current room.
func (t *Tracker) OnSessionOpened(user domain.Identity, room domain.RoomID) domain.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(user)
	current := room
	rec.Online = true
	rec.CurrentRoom = &current
	rec.LastSeen = t.now().UTC()
	return snapshot(rec)
}

// OnSessionClosed re-checks the user's remaining sessions. wentOffline is
// true only for the transition from online to offline, so concurrent closes
// of a user's last sessions report it once.
func (t *Tracker) OnSessionClosed(user domain.Identity) (domain.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(user)
	if t.sessions.UserSessions(user.ID) > 0 {
		return snapshot(rec), false
	}
	wasOnline := rec.Online
	rec.Online = false
	rec.CurrentRoom = nil
	rec.LastSeen = t.now().UTC()
	return snapshot(rec), wasOnline
}

func (t *Tracker) Get(user domain.UserID) (domain.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[user]
	if !ok {
		return domain.PresenceRecord{}, false
	}
	return snapshot(rec), true
}

// Evict removes offline records last seen before now minus retention and
// returns how many were removed. Online records are never evicted.
func (t *Tracker) Evict(retention time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().UTC().Add(-retention)
	removed := 0
	for id, rec := range t.records {
		if !rec.Online && rec.LastSeen.Before(cutoff) {
			delete(t.records, id)
			removed++
		}
	}
	return removed
}

// RunEviction calls Evict every interval until ctx is done.
func (t *Tracker) RunEviction(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Evict(retention); n > 0 {
				slog.Debug("presence records evicted", "count", n)
			}
		}
	}
}

func (t *Tracker) record(user domain.Identity) *domain.PresenceRecord {
	rec, ok := t.records[user.ID]
	if !ok {
		rec = &domain.PresenceRecord{User: user}
		t.records[user.ID] = rec
	}
	if user.Username != "" {
		rec.User.Username = user.Username
	}
	return rec
}

func snapshot(rec *domain.PresenceRecord) domain.PresenceRecord {
	out := *rec
	if rec.CurrentRoom != nil {
		room := *rec.CurrentRoom
		out.CurrentRoom = &room
	}
	return out
}
