package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getwebface/roomdb/internal/wire"
	"github.com/getwebface/roomdb/internal/ws"
)

func startRoomServer(t *testing.T) string {
	t.Helper()
	hub := ws.NewHub(t.TempDir())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectRoom(t *testing.T, url, room string, opts Options) *Connection {
	t.Helper()
	c := Connect(context.Background(), url, room, opts)
	t.Cleanup(c.Close)
	require.Eventually(t, func() bool {
		return c.Status() == StatusConnected
	}, 5*time.Second, 10*time.Millisecond)
	return c
}

func createTasksTable(t *testing.T, c *Connection) {
	t.Helper()
	_, err := c.Call(context.Background(), "createTable", wire.CreateTablePayload{
		Table: "tasks",
		Columns: []wire.Column{
			{Name: "title", Type: "TEXT"},
			{Name: "status", Type: "TEXT"},
		},
	})
	require.NoError(t, err)
}

// subscribeAndWait subscribes to a table and blocks until the initial
// snapshot has landed in the cache.
func subscribeAndWait(t *testing.T, c *Connection, table string) *TableCache {
	t.Helper()
	loaded := make(chan struct{})
	var once bool
	unsub := c.Events().Subscribe(table, func(ev TableEvent) {
		if ev.Diff != nil && ev.Diff.FullData != nil && !once {
			once = true
			close(loaded)
		}
	})
	defer unsub()

	cache := c.Subscribe(table)
	select {
	case <-loaded:
	case <-time.After(5 * time.Second):
		t.Fatalf("initial snapshot for %s never arrived", table)
	}
	return cache
}

func TestEndToEndOptimisticInsert(t *testing.T) {
	url := startRoomServer(t)
	c := connectRoom(t, url, "room1", Options{})

	createTasksTable(t, c)
	cache := subscribeAndWait(t, c, "tasks")

	c.InsertRow("tasks", wire.Row{"title": "Buy milk", "status": "pending"})

	// the optimistic row is visible before the server answers
	require.Equal(t, 1, cache.Len())

	// and is superseded by the stored row once the broadcast lands
	require.Eventually(t, func() bool {
		rows := cache.Rows()
		return len(rows) == 1 && rows[0]["id"] == float64(1) && c.PendingUpdates() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Buy milk", cache.Rows()[0]["title"])
	assert.Equal(t, 1, cache.Total())

	// a second client sees the same state through its own snapshot
	c2 := connectRoom(t, url, "room1", Options{})
	cache2 := subscribeAndWait(t, c2, "tasks")
	require.Equal(t, 1, cache2.Len())
	assert.Equal(t, "Buy milk", cache2.Rows()[0]["title"])
}

func TestEndToEndUpdateRowConverges(t *testing.T) {
	url := startRoomServer(t)
	c := connectRoom(t, url, "room1", Options{})

	createTasksTable(t, c)
	_, err := c.Call(context.Background(), "insertRow", wire.InsertRowPayload{
		Table: "tasks", Row: wire.Row{"title": "Buy milk", "status": "pending"},
	})
	require.NoError(t, err)
	cache := subscribeAndWait(t, c, "tasks")
	require.Equal(t, 1, cache.Len())

	c.UpdateRow("tasks", float64(1), "status", "completed")

	row, ok := cache.Lookup(float64(1))
	require.True(t, ok)
	assert.Equal(t, "completed", row["status"])

	require.Eventually(t, func() bool {
		row, ok := cache.Lookup(float64(1))
		return ok && row["status"] == "completed" && c.PendingUpdates() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndMutationErrorRollsBack(t *testing.T) {
	url := startRoomServer(t)
	failed := make(chan string, 1)
	c := connectRoom(t, url, "room1", Options{
		OnMutationFailed: func(action string, err error) {
			failed <- action
		},
	})

	createTasksTable(t, c)
	_, err := c.Call(context.Background(), "insertRow", wire.InsertRowPayload{
		Table: "tasks", Row: wire.Row{"title": "Buy milk", "status": "pending"},
	})
	require.NoError(t, err)
	cache := subscribeAndWait(t, c, "tasks")

	c.UpdateRow("tasks", float64(999), "status", "x")

	select {
	case action := <-failed:
		assert.Equal(t, "updateRow", action)
	case <-time.After(5 * time.Second):
		t.Fatal("mutation failure never reported")
	}
	assert.Equal(t, 0, c.PendingUpdates())

	row, ok := cache.Lookup(float64(1))
	require.True(t, ok)
	assert.Equal(t, "pending", row["status"])
}

func TestEndToEndPagination(t *testing.T) {
	url := startRoomServer(t)
	c := connectRoom(t, url, "room1", Options{PageSize: 2})

	createTasksTable(t, c)
	rows := make([]wire.Row, 5)
	for i := range rows {
		rows[i] = wire.Row{"title": "t", "status": "pending"}
	}
	_, err := c.Call(context.Background(), "batchInsert", wire.BatchInsertPayload{
		Table: "tasks", Rows: rows,
	})
	require.NoError(t, err)

	cache := subscribeAndWait(t, c, "tasks")
	assert.Equal(t, 2, cache.Len())
	assert.Equal(t, 5, cache.Total())

	n, err := c.LoadMore("tasks")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 4, cache.Len())

	n, err = c.LoadMore("tasks")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5, cache.Len())

	n, err = c.LoadMore("tasks")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEndToEndReconnectRestoresSubscriptions(t *testing.T) {
	url := startRoomServer(t)
	c := connectRoom(t, url, "room1", Options{BackoffBase: 20 * time.Millisecond})

	createTasksTable(t, c)
	_, err := c.Call(context.Background(), "insertRow", wire.InsertRowPayload{
		Table: "tasks", Row: wire.Row{"title": "first"},
	})
	require.NoError(t, err)
	cache := subscribeAndWait(t, c, "tasks")
	require.Equal(t, 1, cache.Len())

	// cut the transport out from under the client; the reconnect path must
	// restore both the socket and the live subscription
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	require.NotNil(t, conn)
	conn.Close()

	require.Eventually(t, func() bool {
		if c.Status() != StatusConnected {
			return false
		}
		_, err := c.Call(context.Background(), "getSchema", nil)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	_, err = c.Call(context.Background(), "insertRow", wire.InsertRowPayload{
		Table: "tasks", Row: wire.Row{"title": "second"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return cache.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndSchemaAndUsage(t *testing.T) {
	url := startRoomServer(t)
	schemas := make(chan []wire.TableDef, 8)
	c := connectRoom(t, url, "room1", Options{
		OnSchema: func(defs []wire.TableDef) {
			schemas <- defs
		},
	})

	createTasksTable(t, c)

	// createTable fans the new schema out as a schema_update
	require.Eventually(t, func() bool {
		for {
			select {
			case defs := <-schemas:
				if len(defs) == 1 && defs[0].Name == "tasks" {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		snap := c.SchemaSnapshot()
		return len(snap) == 1 && snap[0].Name == "tasks"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndPresence(t *testing.T) {
	url := startRoomServer(t)
	c1 := connectRoom(t, url, "room1", Options{})
	c2 := connectRoom(t, url, "room1", Options{})

	cache := c1.Subscribe(wire.PresenceTable)
	// prove the subscribe frame has been processed before anyone announces
	_, err := c1.GetPresence(context.Background())
	require.NoError(t, err)

	require.NoError(t, c2.SetPresence("Ann", "#f00"))

	require.Eventually(t, func() bool {
		rows := cache.Rows()
		return len(rows) == 1 && rows[0]["name"] == "Ann"
	}, 5*time.Second, 10*time.Millisecond)

	all, err := c1.GetPresence(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Ann", all[0].Name)

	// a departing client disappears from everyone's presence view
	c2.Close()
	require.Eventually(t, func() bool {
		return cache.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEndToEndQuery(t *testing.T) {
	url := startRoomServer(t)
	c := connectRoom(t, url, "room1", Options{})

	createTasksTable(t, c)
	_, err := c.Call(context.Background(), "insertRow", wire.InsertRowPayload{
		Table: "tasks", Row: wire.Row{"title": "Buy milk", "status": "pending"},
	})
	require.NoError(t, err)

	rows, err := c.Query(context.Background(), "SELECT title FROM tasks WHERE status = 'pending'")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Buy milk", rows[0]["title"])

	_, err = c.Query(context.Background(), "DROP TABLE tasks")
	require.Error(t, err)
}
