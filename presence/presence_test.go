package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat-server/domain"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[domain.UserID]int
}

func (f *fakeCounter) set(user domain.UserID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[domain.UserID]int)
	}
	f.counts[user] = n
}

func (f *fakeCounter) UserSessions(user domain.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[user]
}

var alice = domain.Identity{ID: "u1", Username: "alice"}

func newTestTracker(counter SessionCounter) *Tracker {
	tr := NewTracker(counter)
	tr.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return tr
}

func TestTracker_OpenSetsOnlineAndRoom(t *testing.T) {
	counter := &fakeCounter{}
	tr := newTestTracker(counter)

	counter.set(alice.ID, 1)
	rec := tr.OnSessionOpened(alice, "r1")

	assert.True(t, rec.Online)
	require.NotNil(t, rec.CurrentRoom)
	assert.Equal(t, domain.RoomID("r1"), *rec.CurrentRoom)
	assert.Equal(t, "alice", rec.User.Username)

	counter.set(alice.ID, 2)
	rec = tr.OnSessionOpened(alice, "r2")
	assert.Equal(t, domain.RoomID("r2"), *rec.CurrentRoom)
}

func TestTracker_CloseWithRemainingSessionsStaysOnline(t *testing.T) {
	counter := &fakeCounter{}
	tr := newTestTracker(counter)
	counter.set(alice.ID, 2)
	tr.OnSessionOpened(alice, "r1")
	tr.OnSessionOpened(alice, "r2")

	counter.set(alice.ID, 1)
	rec, offline := tr.OnSessionClosed(alice)

	assert.False(t, offline)
	assert.True(t, rec.Online)
}

func TestTracker_LastCloseGoesOfflineOnce(t *testing.T) {
	counter := &fakeCounter{}
	tr := newTestTracker(counter)
	counter.set(alice.ID, 1)
	tr.OnSessionOpened(alice, "r1")

	counter.set(alice.ID, 0)
	rec, offline := tr.OnSessionClosed(alice)
	require.True(t, offline)
	assert.False(t, rec.Online)
	assert.Nil(t, rec.CurrentRoom)
	assert.Equal(t, tr.now(), rec.LastSeen)

	_, offline = tr.OnSessionClosed(alice)
	assert.False(t, offline)
}

func TestTracker_ConcurrentLastClosesReportOneTransition(t *testing.T) {
	counter := &fakeCounter{}
	tr := NewTracker(counter)
	counter.set(alice.ID, 1)
	tr.OnSessionOpened(alice, "r1")
	counter.set(alice.ID, 0)

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, offline := tr.OnSessionClosed(alice); offline {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, transitions)
}

func TestTracker_GetReturnsCopy(t *testing.T) {
	counter := &fakeCounter{}
	tr := newTestTracker(counter)
	counter.set(alice.ID, 1)
	tr.OnSessionOpened(alice, "r1")

	rec, ok := tr.Get(alice.ID)
	require.True(t, ok)
	*rec.CurrentRoom = "mutated"

	again, _ := tr.Get(alice.ID)
	assert.Equal(t, domain.RoomID("r1"), *again.CurrentRoom)

	_, ok = tr.Get("nobody")
	assert.False(t, ok)
}

func TestTracker_EvictDropsOnlyStaleOfflineRecords(t *testing.T) {
	counter := &fakeCounter{}
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := NewTracker(counter)
	tr.now = func() time.Time { return clock }

	bob := domain.Identity{ID: "u2", Username: "bob"}
	carol := domain.Identity{ID: "u3", Username: "carol"}

	counter.set(alice.ID, 1)
	tr.OnSessionOpened(alice, "r1")
	counter.set(bob.ID, 1)
	tr.OnSessionOpened(bob, "r1")
	counter.set(bob.ID, 0)
	tr.OnSessionClosed(bob)

	clock = clock.Add(2 * time.Hour)
	counter.set(carol.ID, 1)
	tr.OnSessionOpened(carol, "r1")
	counter.set(carol.ID, 0)
	tr.OnSessionClosed(carol)

	assert.Equal(t, 1, tr.Evict(time.Hour))

	_, ok := tr.Get(bob.ID)
	assert.False(t, ok, "stale offline record is evicted")
	_, ok = tr.Get(carol.ID)
	assert.True(t, ok, "recent offline record is kept")
	rec, ok := tr.Get(alice.ID)
	require.True(t, ok, "online record is kept regardless of age")
	assert.True(t, rec.Online)

	assert.Zero(t, tr.Evict(time.Hour))
}

func TestTracker_RunEvictionStopsWithContext(t *testing.T) {
	counter := &fakeCounter{}
	tr := NewTracker(counter)
	counter.set(alice.ID, 1)
	tr.OnSessionOpened(alice, "r1")
	counter.set(alice.ID, 0)
	tr.OnSessionClosed(alice)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.RunEviction(ctx, time.Nanosecond, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, ok := tr.Get(alice.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("eviction loop did not stop")
	}
}
