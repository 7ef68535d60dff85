// Package changebus delivers post-commit change events to per-table
// subscribers and the replication tracker.
package changebus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"columnist/internal/domain"
)

type subscription struct {
	id uint64
	fn domain.Subscriber
}

// Bus is the in-process pub/sub. Events are published after the commit
// that produced them, in commit order, synchronously on the committing
// goroutine; a panicking subscriber is recovered and logged, never failing
// the operation.
type Bus struct {
	mu     sync.RWMutex
	tables map[string][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		tables: make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers fn for one table's events and returns an unsubscribe
// closure. The closure is idempotent.
func (b *Bus) Subscribe(table string, fn domain.Subscriber) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.tables[table] = append(b.tables[table], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.tables[table]
		for i, s := range subs {
			if s.id == id {
				b.tables[table] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish fans out one committed change. Subscriber errors are isolated:
// a panic is recovered and the remaining subscribers still run.
func (b *Bus) Publish(event domain.ChangeEvent) {
	b.mu.RLock()
	subs := make([]subscription, len(b.tables[event.Table]))
	copy(subs, b.tables[event.Table])
	b.mu.RUnlock()

	for _, sub := range subs {
		b.dispatch(event, sub)
	}
}

func (b *Bus) dispatch(event domain.ChangeEvent, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("change subscriber panicked",
				"table", event.Table,
				"type", string(event.Type),
				"panic", r,
			)
		}
	}()
	sub.fn(event)
}

// SubscriberCount reports how many subscribers a table has.
func (b *Bus) SubscriberCount(table string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tables[table])
}
