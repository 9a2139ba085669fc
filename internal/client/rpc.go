package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/getwebface/roomdb/internal/wire"
)

var (
	// ErrTimeout marks a call that was never answered within its deadline.
	ErrTimeout = errors.New("rpc timeout")

	// ErrConnectionLost marks a terminal reconnect failure or a call issued
	// with no transport.
	ErrConnectionLost = errors.New("connection lost")
)

// RPCError carries a server-reported application error, verbatim.
type RPCError struct {
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

const (
	defaultCallTimeout = 10 * time.Second
	bulkCallTimeout    = 60 * time.Second
)

// The timeout class is a property of the method, not a global constant.
var bulkMethods = map[string]struct{}{
	"batchInsert": {},
	"createTable": {},
}

func timeoutFor(method string) time.Duration {
	if _, ok := bulkMethods[method]; ok {
		return bulkCallTimeout
	}
	return defaultCallTimeout
}

type rpcResult struct {
	frame *wire.Frame
	err   error
}

type pendingRPC struct {
	method string
	done   chan rpcResult
}

// Call invokes a named server operation and waits for the single correlated
// reply. The pending entry is settled exactly once: by the reply, by the
// method's timeout, or by ctx; a reply that arrives after settlement is
// dropped silently.
func (c *Connection) Call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	return c.call(ctx, method, payload, "")
}

func (c *Connection) call(ctx context.Context, method string, payload any, updateID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal payload: %w", method, err)
		}
		raw = b
	}
	frame := &wire.Frame{
		Type:     wire.FrameRPC,
		Method:   method,
		Payload:  raw,
		UpdateID: updateID,
	}
	f, err := c.roundTrip(ctx, frame, timeoutFor(method), method)
	if err != nil {
		return nil, err
	}
	return f.Data, nil
}

// roundTrip sends one request-bearing frame and waits for the reply sharing
// its request id.
func (c *Connection) roundTrip(ctx context.Context, frame *wire.Frame, timeout time.Duration, method string) (*wire.Frame, error) {
	frame.RequestID = ulid.Make().String()

	p := &pendingRPC{method: method, done: make(chan rpcResult, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ErrConnectionLost)
	}
	c.pending[frame.RequestID] = p
	c.mu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.takePending(frame.RequestID)
		return nil, fmt.Errorf("%s: %w", method, ErrConnectionLost)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-timer.C:
		if c.takePending(frame.RequestID) != nil {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		// lost the race: the reply settled first and is already queued
		res := <-p.done
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-ctx.Done():
		if c.takePending(frame.RequestID) != nil {
			return nil, ctx.Err()
		}
		res := <-p.done
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	}
}

// takePending removes and returns the pending entry, or nil if it was
// already settled. All settlement paths funnel through here, which is what
// makes settlement exactly-once.
func (c *Connection) takePending(requestID string) *pendingRPC {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	return p
}

// settleRPC routes a correlated reply frame to its waiting caller. Replies
// for unknown ids are simply too late to matter.
func (c *Connection) settleRPC(f *wire.Frame) {
	p := c.takePending(f.RequestID)
	if p == nil {
		return
	}
	switch f.Type {
	case wire.FrameQueryResult:
		p.done <- rpcResult{frame: f}
	case wire.FrameRPCError, wire.FrameMutationError:
		p.done <- rpcResult{err: &RPCError{Method: p.method, Message: f.Error}}
	}
}
