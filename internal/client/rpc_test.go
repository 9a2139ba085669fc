package client

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getwebface/roomdb/internal/wire"
)

func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func deliver(c *Connection, f *wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		panic(err)
	}
	c.handleMessage(data)
}

func TestCallSettlesOnCorrelatedReply(t *testing.T) {
	c, fc := newTestConnection(t, Options{})

	go func() {
		req := <-fc.frames
		deliver(c, &wire.Frame{
			Type:      wire.FrameQueryResult,
			RequestID: req.RequestID,
			Data:      json.RawMessage(`{"tableCount":3}`),
		})
	}()

	data, err := c.Call(context.Background(), "getUsage", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tableCount":3}`, string(data))
	assert.Equal(t, 0, c.pendingCount())
}

func TestCallReturnsServerErrorVerbatim(t *testing.T) {
	c, fc := newTestConnection(t, Options{})

	go func() {
		req := <-fc.frames
		deliver(c, &wire.Frame{
			Type:      wire.FrameRPCError,
			RequestID: req.RequestID,
			Error:     "invalid table \"nope\"",
		})
	}()

	_, err := c.Call(context.Background(), "executeSQL", wire.ExecuteSQLPayload{SQL: "SELECT 1"})
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "executeSQL", rpcErr.Method)
	assert.Equal(t, "invalid table \"nope\"", rpcErr.Message)
	assert.Equal(t, 0, c.pendingCount())
}

func TestRoundTripTimesOutUnanswered(t *testing.T) {
	c, _ := newTestConnection(t, Options{})

	start := time.Now()
	_, err := c.roundTrip(context.Background(), &wire.Frame{
		Type: wire.FrameRPC, Method: "getSchema",
	}, 30*time.Millisecond, "getSchema")

	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, c.pendingCount())
}

func TestLateReplyIsDroppedSilently(t *testing.T) {
	c, fc := newTestConnection(t, Options{})

	_, err := c.roundTrip(context.Background(), &wire.Frame{
		Type: wire.FrameRPC, Method: "getSchema",
	}, 20*time.Millisecond, "getSchema")
	require.ErrorIs(t, err, ErrTimeout)

	req := <-fc.frames
	deliver(c, &wire.Frame{
		Type:      wire.FrameQueryResult,
		RequestID: req.RequestID,
		Data:      json.RawMessage(`[]`),
	})
	assert.Equal(t, 0, c.pendingCount())
}

func TestReplyForUnknownRequestIsIgnored(t *testing.T) {
	c, _ := newTestConnection(t, Options{})
	deliver(c, &wire.Frame{
		Type:      wire.FrameQueryResult,
		RequestID: "never-issued",
		Data:      json.RawMessage(`[]`),
	})
	assert.Equal(t, 0, c.pendingCount())
}

func TestCallWithoutTransportFailsFast(t *testing.T) {
	c, _ := newTestConnection(t, Options{})
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	_, err := c.Call(context.Background(), "getSchema", nil)
	require.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, 0, c.pendingCount())
}

func TestCallAfterCloseFails(t *testing.T) {
	c, _ := newTestConnection(t, Options{})
	c.Close()

	_, err := c.Call(context.Background(), "getSchema", nil)
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestCallHonorsContextCancel(t *testing.T) {
	c, _ := newTestConnection(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "getSchema", nil)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return on cancel")
	}
	assert.Equal(t, 0, c.pendingCount())
}

func TestTimeoutClasses(t *testing.T) {
	assert.Equal(t, defaultCallTimeout, timeoutFor("getSchema"))
	assert.Equal(t, defaultCallTimeout, timeoutFor("insertRow"))
	assert.Equal(t, bulkCallTimeout, timeoutFor("batchInsert"))
	assert.Equal(t, bulkCallTimeout, timeoutFor("createTable"))
}
