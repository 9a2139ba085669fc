// Package client is the Go client for a roomdb room: one multiplexed
// WebSocket carrying request/response RPCs, live table subscriptions,
// change broadcasts and optimistic local mutations, surviving disconnects
// without corrupting local state.
package client

import (
	"context"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/getwebface/roomdb/internal/wire"
)

// Status is the connection state visible to the caller.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultMaxAttempts  = 5
	defaultBackoffBase  = time.Second
	defaultBackoffCap   = 30 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongDeadline = 5 * time.Second
	defaultPageSize     = 100
)

// Options configures a Connection. Zero values take the defaults above.
type Options struct {
	APIKey string

	OnStatus         func(Status)
	OnConnectionLost func(error)
	OnMutationFailed func(action string, err error)
	OnSchema         func([]wire.TableDef)

	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	PingInterval time.Duration
	PongDeadline time.Duration
	PageSize     int
}

func (o *Options) fillDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = defaultBackoffCap
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.PongDeadline <= 0 {
		o.PongDeadline = defaultPongDeadline
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
}

// wsConn is the slice of *websocket.Conn the connection needs; tests inject
// fakes through it.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func gorillaDial(ctx context.Context, u string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connection is one logical link to a room. The transport underneath is
// replaced on every reconnect; subscriptions and presence carry across.
type Connection struct {
	baseURL string
	roomID  string
	opts    Options
	dial    dialFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	status   Status
	attempts int
	conn     wsConn
	gen      int // transport generation; stale loops check it and bow out
	closed   bool
	retry    *time.Timer
	rng      *rand.Rand

	pending  map[string]*pendingRPC
	ledger   map[string]*optimisticUpdate
	tables   map[string]*TableCache
	schema   []wire.TableDef
	usage    *wire.UsageSummary
	presence *wire.Presence // last announced, replayed after reconnect

	writeMu sync.Mutex

	bus *Bus

	latencyMs atomic.Int64
	lastPong  atomic.Int64 // unix nanos of last pong seen
}

// Connect starts a connection to the room. It returns immediately; progress
// is reported through OnStatus, terminal failure through OnConnectionLost.
func Connect(ctx context.Context, baseURL, roomID string, opts Options) *Connection {
	opts.fillDefaults()
	cctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		baseURL: baseURL,
		roomID:  roomID,
		opts:    opts,
		dial:    gorillaDial,
		ctx:     cctx,
		cancel:  cancel,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		pending: make(map[string]*pendingRPC),
		ledger:  make(map[string]*optimisticUpdate),
		tables:  make(map[string]*TableCache),
		bus:     newBus(),
	}
	go c.startConnect()
	return c
}

func (c *Connection) endpoint() string {
	q := url.Values{}
	q.Set("room", c.roomID)
	if c.opts.APIKey != "" {
		q.Set("apiKey", c.opts.APIKey)
	}
	return c.baseURL + "?" + q.Encode()
}

func (c *Connection) setStatusLocked(s Status) func() {
	if c.status == s {
		return func() {}
	}
	c.status = s
	cb := c.opts.OnStatus
	if cb == nil {
		return func() {}
	}
	return func() { cb(s) }
}

// Status returns the current connection state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Latency returns the last heartbeat round-trip time.
func (c *Connection) Latency() time.Duration {
	return time.Duration(c.latencyMs.Load()) * time.Millisecond
}

// Events returns the table event bus.
func (c *Connection) Events() *Bus { return c.bus }

// SchemaSnapshot returns the last schema received from the server.
func (c *Connection) SchemaSnapshot() []wire.TableDef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schema
}

// UsageSnapshot returns the last usage summary received from the server.
func (c *Connection) UsageSnapshot() *wire.UsageSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

func (c *Connection) startConnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	notify := c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()
	notify()

	conn, err := c.dial(c.ctx, c.endpoint())
	if err != nil {
		c.scheduleRetry(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	// a concurrent attempt can land here first, e.g. a retry timer that had
	// already fired when ManualReconnect ran; its transport loses and is closed
	old := c.conn
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempts = 0
	notify = c.setStatusLocked(StatusConnected)
	tables := make([]string, 0, len(c.tables))
	for t := range c.tables {
		tables = append(tables, t)
	}
	pres := c.presence
	c.mu.Unlock()
	notify()
	if old != nil {
		old.Close()
	}

	c.lastPong.Store(time.Now().UnixNano())
	go c.readLoop(conn, gen)
	go c.heartbeat(conn, gen)
	go c.afterOpen(tables, pres)
}

// afterOpen replays client state onto a fresh transport: every remembered
// subscription, the last announced presence, and a fresh schema and usage
// snapshot. A reconnect is a potential gap, so tables resync wholesale.
func (c *Connection) afterOpen(tables []string, pres *wire.Presence) {
	for _, table := range tables {
		if table == wire.PresenceTable {
			c.writeFrame(&wire.Frame{Type: wire.FrameSubscribe, Table: table})
			continue
		}
		go c.refreshTable(table)
	}
	if pres != nil {
		if _, err := c.Call(c.ctx, "setPresence", pres); err != nil {
			log.Printf("roomdb: replay presence: %v", err)
		}
	}
	go c.refreshSchema()
	go c.refreshUsage()
}

func (c *Connection) refreshSchema() {
	data, err := c.Call(c.ctx, "getSchema", nil)
	if err != nil {
		log.Printf("roomdb: getSchema: %v", err)
		return
	}
	var defs []wire.TableDef
	if err := json.Unmarshal(data, &defs); err != nil {
		log.Printf("roomdb: getSchema decode: %v", err)
		return
	}
	c.storeSchema(defs)
}

func (c *Connection) storeSchema(defs []wire.TableDef) {
	c.mu.Lock()
	c.schema = defs
	cb := c.opts.OnSchema
	c.mu.Unlock()
	if cb != nil {
		cb(defs)
	}
}

func (c *Connection) refreshUsage() {
	data, err := c.Call(c.ctx, "getUsage", nil)
	if err != nil {
		log.Printf("roomdb: getUsage: %v", err)
		return
	}
	var u wire.UsageSummary
	if err := json.Unmarshal(data, &u); err != nil {
		log.Printf("roomdb: getUsage decode: %v", err)
		return
	}
	c.mu.Lock()
	c.usage = &u
	c.mu.Unlock()
}

func (c *Connection) readLoop(conn wsConn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.transportClosed(conn, gen, err)
			return
		}
		// frames from a superseded transport must not reach client state
		c.mu.Lock()
		stale := c.closed || gen != c.gen
		c.mu.Unlock()
		if stale {
			conn.Close()
			return
		}
		c.handleMessage(data)
	}
}

func (c *Connection) transportClosed(conn wsConn, gen int, cause error) {
	conn.Close()
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	c.scheduleRetry(cause)
}

// scheduleRetry implements the backoff policy: attempts 1..MaxAttempts with
// delay min(base*2^(n-1), cap) plus up to 30% jitter; past the maximum the
// connection is declared lost and nothing fires automatically.
func (c *Connection) scheduleRetry(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	notify := c.setStatusLocked(StatusDisconnected)
	c.attempts++
	attempt := c.attempts
	if attempt > c.opts.MaxAttempts {
		lost := c.opts.OnConnectionLost
		c.mu.Unlock()
		notify()
		log.Printf("roomdb: giving up after %d attempts: %v", attempt-1, cause)
		if lost != nil {
			lost(ErrConnectionLost)
		}
		return
	}
	delay := jitter(backoffDelay(attempt, c.opts.BackoffBase, c.opts.BackoffCap), c.rng)
	c.retry = time.AfterFunc(delay, c.startConnect)
	c.mu.Unlock()
	notify()
	log.Printf("roomdb: room %s reconnect attempt %d in %s (%v)", c.roomID, attempt, delay, cause)
}

// backoffDelay is the deterministic part of the retry delay.
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// jitter adds a uniform random share of up to 30% of the capped delay.
func jitter(d time.Duration, rng *rand.Rand) time.Duration {
	return d + time.Duration(rng.Float64()*0.3*float64(d))
}

// ManualReconnect resets the retry counter and dials immediately, regardless
// of any scheduled backoff.
func (c *Connection) ManualReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++ // orphan the old read loop
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	go c.startConnect()
}

// Close disconnects cleanly. A clean close never triggers auto-reconnect.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
	}
	conn := c.conn
	c.conn = nil
	notify := c.setStatusLocked(StatusDisconnected)
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	notify()
}

func (c *Connection) writeFrame(f *wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrConnectionLost
	}

	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleMessage dispatches one server frame. All client state transitions
// happen here or in the call paths; both are serialized by c.mu.
func (c *Connection) handleMessage(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		log.Printf("roomdb: dropping frame: %v", err)
		return
	}

	switch f.Type {
	case wire.FrameQueryResult, wire.FrameRPCError, wire.FrameMutationError:
		c.settleRPC(f)
	case wire.FrameUpdate:
		c.handleUpdate(f)
	case wire.FrameSchemaUpdate:
		c.storeSchema(f.Schema)
	case wire.FramePong:
		c.handlePong(f)
	default:
		// client-to-server kinds echoed back are a protocol violation
		log.Printf("roomdb: unexpected %s frame", f.Type)
	}
}

func (c *Connection) handleUpdate(f *wire.Frame) {
	c.mu.Lock()
	cache := c.tables[f.Table]
	c.mu.Unlock()

	if cache != nil {
		if f.IsDiff() {
			cache.ApplyDiff(f)
		} else {
			cache.ApplyEvent(f.Action, f.Row)
		}
		if cache.NeedsRefresh() {
			go c.refreshTable(f.Table)
		}
	}

	ev := TableEvent{Table: f.Table, Action: f.Action, Row: f.Row}
	if f.IsDiff() {
		ev = TableEvent{Table: f.Table, Diff: f}
	}
	c.bus.publish(ev)
}

// Subscribe registers live interest in a table and kicks off the initial
// full read. The table stays subscribed across reconnects until the
// connection is closed.
func (c *Connection) Subscribe(table string) *TableCache {
	c.mu.Lock()
	cache, ok := c.tables[table]
	if !ok {
		cache = NewTableCache(table)
		c.tables[table] = cache
	}
	connected := c.status == StatusConnected
	c.mu.Unlock()

	if !ok && connected {
		if table == wire.PresenceTable {
			c.writeFrame(&wire.Frame{Type: wire.FrameSubscribe, Table: table})
		} else {
			go c.refreshTable(table)
		}
	}
	return cache
}

// Table returns the cache for a table, subscribing if needed.
func (c *Connection) Table(table string) *TableCache {
	return c.Subscribe(table)
}

// refreshTable re-reads the first page and replaces the cache wholesale.
// The subscribe_query frame registers interest server-side in the same round
// trip, which also makes resubscription after reconnect atomic with resync.
func (c *Connection) refreshTable(table string) {
	f, err := c.roundTrip(c.ctx, &wire.Frame{
		Type:  wire.FrameSubscribeQuery,
		Table: table,
		Limit: c.opts.PageSize,
	}, defaultCallTimeout, "subscribe_query")
	if err != nil {
		log.Printf("roomdb: refresh %s: %v", table, err)
		return
	}
	rows, total, err := decodePage(f)
	if err != nil {
		log.Printf("roomdb: refresh %s: %v", table, err)
		return
	}
	c.Table(table).Replace(rows, total)
	c.bus.publish(TableEvent{Table: table, Diff: &wire.Frame{
		Type: wire.FrameUpdate, Table: table, FullData: rows, Total: &total,
	}})
}

// LoadMore fetches the next LIMIT/OFFSET page for a table and appends it,
// deduplicated against rows already held. Returns how many new rows landed.
func (c *Connection) LoadMore(table string) (int, error) {
	cache := c.Table(table)
	f, err := c.roundTrip(c.ctx, &wire.Frame{
		Type:   wire.FrameQuery,
		Table:  table,
		Limit:  c.opts.PageSize,
		Offset: cache.Len(),
	}, defaultCallTimeout, "query")
	if err != nil {
		return 0, err
	}
	rows, total, err := decodePage(f)
	if err != nil {
		return 0, err
	}
	return cache.AppendPage(rows, total), nil
}

func decodePage(f *wire.Frame) ([]wire.Row, int, error) {
	var rows []wire.Row
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, 0, err
	}
	total := len(rows)
	if f.Total != nil {
		total = *f.Total
	}
	return rows, total, nil
}

// Query runs a raw read statement against the room.
func (c *Connection) Query(ctx context.Context, sql string) ([]wire.Row, error) {
	f, err := c.roundTrip(ctx, &wire.Frame{
		Type: wire.FrameQuery,
		SQL:  sql,
	}, defaultCallTimeout, "query")
	if err != nil {
		return nil, err
	}
	var rows []wire.Row
	if err := json.Unmarshal(f.Data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SetPresence announces this client's presence; it is replayed automatically
// after every reconnect.
func (c *Connection) SetPresence(name, color string) error {
	c.mu.Lock()
	p := c.presence
	if p == nil {
		p = &wire.Presence{}
		c.presence = p
	}
	p.Name = name
	p.Color = color
	announce := *p
	c.mu.Unlock()

	_, err := c.Call(c.ctx, "setPresence", &announce)
	return err
}

// SetCursor announces this client's cursor position.
func (c *Connection) SetCursor(table string, x, y int) error {
	c.mu.Lock()
	p := c.presence
	if p == nil {
		p = &wire.Presence{}
		c.presence = p
	}
	p.Table = table
	p.CursorX = x
	p.CursorY = y
	c.mu.Unlock()

	_, err := c.Call(c.ctx, "setCursor", &wire.SetCursorPayload{
		Table: table, CursorX: x, CursorY: y,
	})
	return err
}

// GetPresence fetches everyone's presence in the room.
func (c *Connection) GetPresence(ctx context.Context) ([]wire.Presence, error) {
	data, err := c.Call(ctx, "getPresence", nil)
	if err != nil {
		return nil, err
	}
	var out []wire.Presence
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// heartbeat sends an application-level ping on a fixed interval and treats a
// missing pong as a half-open socket: the transport is forced closed so the
// reconnect path takes over instead of waiting on a dead link.
func (c *Connection) heartbeat(conn wsConn, gen int) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.closed || gen != c.gen
			c.mu.Unlock()
			if stale {
				return
			}

			sent := time.Now()
			if err := c.writeFrame(&wire.Frame{Type: wire.FramePing, SentAt: sent.UnixMilli()}); err != nil {
				return
			}

			deadline := time.NewTimer(c.opts.PongDeadline)
			select {
			case <-c.ctx.Done():
				deadline.Stop()
				return
			case <-deadline.C:
				if c.lastPong.Load() < sent.UnixNano() {
					log.Printf("roomdb: room %s heartbeat missed, forcing reconnect", c.roomID)
					conn.Close()
					return
				}
			}
		}
	}
}

func (c *Connection) handlePong(f *wire.Frame) {
	c.lastPong.Store(time.Now().UnixNano())
	if f.SentAt > 0 {
		rtt := time.Now().UnixMilli() - f.SentAt
		if rtt >= 0 {
			c.latencyMs.Store(rtt)
		}
	}
}
