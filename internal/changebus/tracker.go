package changebus

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"columnist/internal/domain"
)

// TrackedChange is one committed change queued for an external replication
// adapter. The ULID id is monotonic within the process, so drain order
// equals commit order.
type TrackedChange struct {
	ID    string             `json:"id"`
	At    time.Time          `json:"at"`
	Event domain.ChangeEvent `json:"event"`
}

// Tracker buffers committed changes for replication. The engine feeds it
// every published change event; an external adapter drains with Pending and
// acknowledges with Ack once transmitted. The engine does not own the
// transport.
type Tracker struct {
	mu      sync.Mutex
	queue   []TrackedChange
	max     int
	entropy *ulid.MonotonicEntropy
}

// NewTracker creates a tracker buffering at most max changes; the oldest
// unacknowledged changes are dropped past the bound. max <= 0 means 4096.
func NewTracker(max int) *Tracker {
	if max <= 0 {
		max = 4096
	}
	return &Tracker{
		max:     max,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Track enqueues a committed change. Its signature matches
// domain.Subscriber.
func (t *Tracker) Track(event domain.ChangeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	t.queue = append(t.queue, TrackedChange{
		ID:    ulid.MustNew(ulid.Timestamp(now), t.entropy).String(),
		At:    now,
		Event: event,
	})
	if len(t.queue) > t.max {
		t.queue = t.queue[len(t.queue)-t.max:]
	}
}

// Pending returns up to limit queued changes in commit order without
// removing them. limit <= 0 returns everything.
func (t *Tracker) Pending(limit int) []TrackedChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.queue)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TrackedChange, n)
	copy(out, t.queue[:n])
	return out
}

// Ack removes every queued change with id <= lastID (ULIDs sort
// lexicographically by creation order).
func (t *Tracker) Ack(lastID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := 0
	for i < len(t.queue) && t.queue[i].ID <= lastID {
		i++
	}
	t.queue = t.queue[i:]
}

// Len reports the queued change count.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
