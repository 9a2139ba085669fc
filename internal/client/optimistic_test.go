package client

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getwebface/roomdb/internal/wire"
)

// serveMutations answers every rpc frame on the fake transport. With errMsg
// empty it echoes the payload back as a successful result; otherwise it
// replies with a correlated mutation_error.
func serveMutations(c *Connection, fc *fakeConn, errMsg string) {
	go func() {
		for {
			select {
			case req := <-fc.frames:
				if req.Type != wire.FrameRPC {
					continue
				}
				if errMsg != "" {
					deliver(c, &wire.Frame{
						Type:      wire.FrameMutationError,
						RequestID: req.RequestID,
						UpdateID:  req.UpdateID,
						Error:     errMsg,
					})
					continue
				}
				deliver(c, &wire.Frame{
					Type:      wire.FrameQueryResult,
					RequestID: req.RequestID,
					Data:      json.RawMessage(`{}`),
				})
			case <-fc.closed:
				return
			}
		}
	}()
}

func TestUpdateRowAppliesImmediately(t *testing.T) {
	c, fc := newTestConnection(t, Options{})
	serveMutations(c, fc, "")
	cache := seedTable(c, "tasks", []wire.Row{
		{"id": float64(1), "status": "pending"},
	}, 1)

	c.UpdateRow("tasks", float64(1), "status", "completed")

	row, ok := cache.Lookup(float64(1))
	require.True(t, ok)
	assert.Equal(t, "completed", row["status"])
}

func TestUpdateRowRollsBackOnServerError(t *testing.T) {
	failed := make(chan string, 1)
	c, fc := newTestConnection(t, Options{
		OnMutationFailed: func(action string, err error) {
			failed <- action
		},
	})
	serveMutations(c, fc, "row 1 not found in tasks")
	cache := seedTable(c, "tasks", []wire.Row{
		{"id": float64(1), "status": "pending"},
	}, 1)

	c.UpdateRow("tasks", float64(1), "status", "completed")

	select {
	case action := <-failed:
		assert.Equal(t, "updateRow", action)
	case <-time.After(5 * time.Second):
		t.Fatal("mutation failure never reported")
	}

	row, ok := cache.Lookup(float64(1))
	require.True(t, ok)
	assert.Equal(t, "pending", row["status"])
	assert.Equal(t, 0, c.PendingUpdates())
}

func TestInsertRowTempRowRemovedOnCommit(t *testing.T) {
	c, fc := newTestConnection(t, Options{})
	cache := seedTable(c, "tasks", []wire.Row{}, 0)

	stored := wire.Row{"id": float64(1), "title": "Buy milk"}
	go func() {
		req := <-fc.frames
		data, _ := json.Marshal(stored)
		deliver(c, &wire.Frame{
			Type:      wire.FrameQueryResult,
			RequestID: req.RequestID,
			Data:      data,
		})
		// the server broadcasts the stored row to every subscriber,
		// originator included
		deliver(c, &wire.Frame{
			Type:   wire.FrameUpdate,
			Table:  "tasks",
			Action: wire.ActionAdded,
			Row:    stored,
		})
	}()

	c.InsertRow("tasks", wire.Row{"title": "Buy milk"})

	// the temporary row is visible until settlement
	rows := cache.Rows()
	require.Len(t, rows, 1)
	tempID, _ := rows[0]["id"].(string)
	assert.True(t, strings.HasPrefix(tempID, "optimistic-"))

	require.Eventually(t, func() bool {
		rows := cache.Rows()
		return len(rows) == 1 && rows[0]["id"] == float64(1) && c.PendingUpdates() == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, cache.Total())
}

func TestInsertRowTempRowRemovedOnFailure(t *testing.T) {
	failed := make(chan string, 1)
	c, fc := newTestConnection(t, Options{
		OnMutationFailed: func(action string, err error) {
			failed <- action
		},
	})
	serveMutations(c, fc, "invalid table \"tasks\"")
	cache := seedTable(c, "tasks", []wire.Row{}, 0)

	c.InsertRow("tasks", wire.Row{"title": "Buy milk"})
	require.Equal(t, 1, cache.Len())

	select {
	case action := <-failed:
		assert.Equal(t, "insertRow", action)
	case <-time.After(5 * time.Second):
		t.Fatal("mutation failure never reported")
	}
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, 0, c.PendingUpdates())
}

func TestDeleteRowRollbackRestoresRow(t *testing.T) {
	failed := make(chan string, 1)
	c, fc := newTestConnection(t, Options{
		OnMutationFailed: func(action string, err error) {
			failed <- action
		},
	})
	serveMutations(c, fc, "row 1 not found in tasks")
	cache := seedTable(c, "tasks", []wire.Row{
		{"id": float64(1), "title": "Buy milk"},
	}, 1)

	c.DeleteRow("tasks", float64(1))
	require.Equal(t, 0, cache.Len())

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("mutation failure never reported")
	}

	row, ok := cache.Lookup(float64(1))
	require.True(t, ok)
	assert.Equal(t, "Buy milk", row["title"])
	assert.Equal(t, 1, cache.Total())
}

func TestMutateCommitDiscardsLedgerEntry(t *testing.T) {
	c, fc := newTestConnection(t, Options{})
	serveMutations(c, fc, "")

	var rolled atomic.Bool
	c.Mutate("executeSQL", "executeSQL",
		wire.ExecuteSQLPayload{SQL: "DELETE FROM tasks"},
		func() {},
		func() { rolled.Store(true) })

	require.Eventually(t, func() bool {
		return c.PendingUpdates() == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, rolled.Load())
}
