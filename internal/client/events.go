package client

import (
	"sync"

	"github.com/getwebface/roomdb/internal/wire"
)

// TableEvent is delivered to bus subscribers after an update frame has been
// merged into the table cache.
type TableEvent struct {
	Table  string
	Action wire.UpdateAction
	Row    wire.Row
	// Diff is set instead of Action/Row for legacy batched events.
	Diff *wire.Frame
}

// Bus is the in-process publish/subscribe registry keyed by table name.
// Handlers run synchronously on the delivering goroutine and must not block.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(TableEvent)
}

func newBus() *Bus {
	return &Bus{subs: make(map[string]map[int]func(TableEvent))}
}

// Subscribe registers a handler for one table's events and returns its
// unsubscribe function.
func (b *Bus) Subscribe(table string, fn func(TableEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[table]
	if !ok {
		set = make(map[int]func(TableEvent))
		b.subs[table] = set
	}
	id := b.next
	b.next++
	set[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[table]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.subs, table)
			}
		}
	}
}

func (b *Bus) publish(ev TableEvent) {
	b.mu.Lock()
	handlers := make([]func(TableEvent), 0, len(b.subs[ev.Table]))
	for _, fn := range b.subs[ev.Table] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
