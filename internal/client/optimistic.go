package client

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/getwebface/roomdb/internal/wire"
)

// optimisticDwell is the hard ceiling on how long an optimistic update may
// stay unresolved before it is forcibly rolled back.
const optimisticDwell = 10 * time.Second

type optimisticUpdate struct {
	id       string
	action   string
	created  time.Time
	rollback func()
	// onCommit cleans up optimistic state that the authoritative broadcast
	// supersedes (e.g. a temporary inserted row); may be nil.
	onCommit func()
	timer    *time.Timer
}

// Mutate applies a mutation's local effect immediately, records its inverse,
// and dispatches the underlying RPC. On failure or after the dwell deadline
// the inverse runs and the failure callback fires; on success the ledger
// entry is discarded and the server's own update broadcast supersedes the
// optimistic row.
func (c *Connection) Mutate(action, method string, payload any, apply, rollback func()) string {
	return c.mutate(action, method, payload, apply, rollback, nil)
}

func (c *Connection) mutate(action, method string, payload any, apply, rollback, onCommit func()) string {
	apply()

	u := &optimisticUpdate{
		id:       ulid.Make().String(),
		action:   action,
		created:  time.Now(),
		rollback: rollback,
		onCommit: onCommit,
	}
	c.mu.Lock()
	c.ledger[u.id] = u
	c.mu.Unlock()

	u.timer = time.AfterFunc(optimisticDwell, func() {
		c.failUpdate(u.id, fmt.Errorf("%s: %w", action, ErrTimeout))
	})

	go func() {
		if _, err := c.call(c.ctx, method, payload, u.id); err != nil {
			c.failUpdate(u.id, err)
			return
		}
		c.commitUpdate(u.id)
	}()

	return u.id
}

// takeUpdate removes the ledger entry; only the first caller gets it, so an
// update is committed or rolled back exactly once.
func (c *Connection) takeUpdate(id string) *optimisticUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.ledger[id]
	if !ok {
		return nil
	}
	delete(c.ledger, id)
	return u
}

func (c *Connection) commitUpdate(id string) {
	u := c.takeUpdate(id)
	if u == nil {
		return
	}
	u.timer.Stop()
	if u.onCommit != nil {
		u.onCommit()
	}
}

func (c *Connection) failUpdate(id string, err error) {
	u := c.takeUpdate(id)
	if u == nil {
		return
	}
	u.timer.Stop()
	if u.rollback != nil {
		u.rollback()
	}
	if c.opts.OnMutationFailed != nil {
		c.opts.OnMutationFailed(u.action, err)
	}
}

// PendingUpdates returns how many optimistic updates are awaiting
// resolution.
func (c *Connection) PendingUpdates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ledger)
}

func (c *Connection) cacheKeyOr(cache *TableCache, fallback string) string {
	if k := cache.Key(); k != "" {
		return k
	}
	return fallback
}

// UpdateRow optimistically sets one field of a row, then confirms through the
// updateRow RPC.
func (c *Connection) UpdateRow(table string, id any, field string, value any) string {
	cache := c.Table(table)
	key := c.cacheKeyOr(cache, "id")

	var prevValue any
	hadRow := false
	if prev, ok := cache.Lookup(id); ok {
		prevValue = prev[field]
		hadRow = true
	}

	apply := func() {
		cache.ApplyEvent(wire.ActionModified, wire.Row{key: id, field: value})
	}
	rollback := func() {
		if hadRow {
			cache.ApplyEvent(wire.ActionModified, wire.Row{key: id, field: prevValue})
		}
	}
	payload := wire.UpdateRowPayload{Table: table, ID: id, Field: field, Value: value}
	return c.Mutate("updateRow", "updateRow", payload, apply, rollback)
}

// InsertRow optimistically prepends the row under a temporary key, then
// confirms through the insertRow RPC. The temporary row is removed on
// settlement either way; the authoritative broadcast carries the stored row.
func (c *Connection) InsertRow(table string, row wire.Row) string {
	cache := c.Table(table)
	key := c.cacheKeyOr(cache, "id")

	tempID := "optimistic-" + ulid.Make().String()
	temp := copyRow(row)
	temp[key] = tempID

	apply := func() {
		cache.ApplyEvent(wire.ActionAdded, temp)
	}
	removeTemp := func() {
		cache.ApplyEvent(wire.ActionDeleted, wire.Row{key: tempID})
	}
	payload := wire.InsertRowPayload{Table: table, Row: row}
	return c.mutate("insertRow", "insertRow", payload, apply, removeTemp, removeTemp)
}

// DeleteRow optimistically removes the row, then confirms through the
// deleteRow RPC. Rollback restores the captured copy.
func (c *Connection) DeleteRow(table string, id any) string {
	cache := c.Table(table)
	key := c.cacheKeyOr(cache, "id")

	removed, hadRow := cache.Lookup(id)

	apply := func() {
		cache.ApplyEvent(wire.ActionDeleted, wire.Row{key: id})
	}
	rollback := func() {
		if hadRow {
			cache.ApplyEvent(wire.ActionAdded, removed)
		}
	}
	payload := wire.DeleteRowPayload{Table: table, ID: id}
	return c.Mutate("deleteRow", "deleteRow", payload, apply, rollback)
}
