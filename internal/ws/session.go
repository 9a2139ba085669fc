package ws

import (
	"fmt"
	"log"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/getwebface/roomdb/internal/db"
	"github.com/getwebface/roomdb/internal/wire"
)

// Session is the single owning actor for one room. Every SQL execution and
// every subscriber-set mutation for the room happens sequentially inside
// run(); cross-room parallelism comes from separate sessions, not locks.
type Session struct {
	roomID string
	engine *db.Engine

	inbox chan envelope
	quit  chan struct{}

	// guarded by the hub mutex
	refs int

	clients atomic.Int64

	// actor-owned state, only touched inside run()
	sockets  map[*socket]struct{}
	subs     map[string]map[*socket]struct{}
	presence map[string]*wire.Presence
}

type envKind int

const (
	envJoin envKind = iota
	envLeave
	envFrame
	envSchema
)

type envelope struct {
	kind  envKind
	sock  *socket
	data  []byte
	reply chan schemaResult
}

type schemaResult struct {
	defs []wire.TableDef
	err  error
}

func newSession(roomID string, engine *db.Engine) *Session {
	return &Session{
		roomID:   roomID,
		engine:   engine,
		inbox:    make(chan envelope, 64),
		quit:     make(chan struct{}),
		sockets:  make(map[*socket]struct{}),
		subs:     make(map[string]map[*socket]struct{}),
		presence: make(map[string]*wire.Presence),
	}
}

func (s *Session) stop() {
	close(s.quit)
}

func (s *Session) post(env envelope) {
	select {
	case s.inbox <- env:
	case <-s.quit:
	}
}

func (s *Session) join(sock *socket)  { s.post(envelope{kind: envJoin, sock: sock}) }
func (s *Session) leave(sock *socket) { s.post(envelope{kind: envLeave, sock: sock}) }
func (s *Session) deliver(sock *socket, data []byte) {
	s.post(envelope{kind: envFrame, sock: sock, data: data})
}

// Schema answers the HTTP side-channel through the actor loop.
func (s *Session) Schema() ([]wire.TableDef, error) {
	reply := make(chan schemaResult, 1)
	s.post(envelope{kind: envSchema, reply: reply})
	select {
	case r := <-reply:
		return r.defs, r.err
	case <-s.quit:
		return nil, fmt.Errorf("room %s closed", s.roomID)
	}
}

func (s *Session) run() {
	defer s.engine.Close()
	for {
		select {
		case env := <-s.inbox:
			switch env.kind {
			case envJoin:
				s.sockets[env.sock] = struct{}{}
				s.clients.Add(1)
				log.Printf("Client %s joined room %s (total: %d)", env.sock.id, s.roomID, len(s.sockets))
			case envLeave:
				s.removeSocket(env.sock)
			case envFrame:
				s.handleFrame(env.sock, env.data)
			case envSchema:
				defs, err := s.engine.Schema()
				env.reply <- schemaResult{defs: defs, err: err}
			}
		case <-s.quit:
			return
		}
	}
}

// removeSocket is the unconditional cleanup path for any socket close, clean
// or abrupt: the socket leaves every subscriber set and the presence map.
func (s *Session) removeSocket(sock *socket) {
	if _, ok := s.sockets[sock]; !ok {
		return
	}
	delete(s.sockets, sock)
	s.clients.Add(-1)
	for table, set := range s.subs {
		delete(set, sock)
		if len(set) == 0 {
			delete(s.subs, table)
		}
	}
	if _, ok := s.presence[sock.id]; ok {
		delete(s.presence, sock.id)
		s.broadcastTable(wire.PresenceTable, &wire.Frame{
			Type:   wire.FrameUpdate,
			Table:  wire.PresenceTable,
			Action: wire.ActionDeleted,
			Row:    wire.Row{"clientId": sock.id},
		})
	}
	close(sock.send)
	log.Printf("Client %s left room %s (remaining: %d)", sock.id, s.roomID, len(s.sockets))
}

func (s *Session) handleFrame(sock *socket, data []byte) {
	// frames can trail in from a socket the actor already evicted
	if _, ok := s.sockets[sock]; !ok {
		return
	}
	f, err := wire.Decode(data)
	if err != nil {
		log.Printf("Room %s: dropping frame from %s: %v", s.roomID, sock.id, err)
		return
	}

	switch f.Type {
	case wire.FrameRPC:
		s.handleRPC(sock, f)
	case wire.FrameSubscribe:
		s.subscribe(sock, f.Table)
	case wire.FrameQuery, wire.FrameSubscribeQuery:
		s.handleQuery(sock, f)
	case wire.FramePing:
		s.send(sock, &wire.Frame{Type: wire.FramePong, SentAt: f.SentAt})
	default:
		// server-to-client kinds arriving here are a protocol violation
		log.Printf("Room %s: unexpected %s frame from %s", s.roomID, f.Type, sock.id)
	}
}

// subscribe registers table interest. Idempotent; a resubscribe after
// reconnect lands in the same set slot.
func (s *Session) subscribe(sock *socket, table string) {
	if table != wire.PresenceTable && !db.ValidTable(table) {
		return
	}
	set, ok := s.subs[table]
	if !ok {
		set = make(map[*socket]struct{})
		s.subs[table] = set
	}
	set[sock] = struct{}{}
}

func (s *Session) handleQuery(sock *socket, f *wire.Frame) {
	if f.Type == wire.FrameSubscribeQuery && f.Table != "" {
		s.subscribe(sock, f.Table)
	}

	// table-only form: a LIMIT/OFFSET page with the table's true total
	if f.SQL == "" && f.Table != "" {
		rows, total, err := s.engine.QueryPage(f.Table, f.Limit, f.Offset)
		if err != nil {
			s.sendError(sock, f, err)
			return
		}
		data, err := json.Marshal(rows)
		if err != nil {
			s.sendError(sock, f, err)
			return
		}
		s.send(sock, &wire.Frame{
			Type:      wire.FrameQueryResult,
			RequestID: f.RequestID,
			Table:     f.Table,
			Data:      data,
			Total:     &total,
		})
		return
	}

	if err := db.ValidateReadStatement(f.SQL); err != nil {
		s.sendError(sock, f, err)
		return
	}
	rows, err := s.engine.ExecuteSQL(f.SQL)
	if err != nil {
		s.sendError(sock, f, err)
		return
	}
	data, err := json.Marshal(rows)
	if err != nil {
		s.sendError(sock, f, err)
		return
	}
	total := len(rows)
	s.send(sock, &wire.Frame{
		Type:        wire.FrameQueryResult,
		RequestID:   f.RequestID,
		Data:        data,
		OriginalSQL: f.SQL,
		Total:       &total,
	})
}

// handleRPC executes one named operation, replies to the originator with a
// correlated frame, then fans out any table change to every subscriber,
// including the originator, so its optimistic state converges through the
// same path as everyone else's.
func (s *Session) handleRPC(sock *socket, f *wire.Frame) {
	result, broadcasts, err := s.dispatch(sock, f)
	if err != nil {
		s.sendError(sock, f, err)
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		s.sendError(sock, f, err)
		return
	}
	s.send(sock, &wire.Frame{
		Type:      wire.FrameQueryResult,
		RequestID: f.RequestID,
		Data:      data,
	})

	for _, b := range broadcasts {
		if b.Type == wire.FrameSchemaUpdate {
			s.broadcastAll(b)
		} else {
			s.broadcastTable(b.Table, b)
		}
	}
}

func (s *Session) dispatch(sock *socket, f *wire.Frame) (any, []*wire.Frame, error) {
	switch f.Method {
	case "getSchema":
		defs, err := s.engine.Schema()
		return defs, nil, err

	case "getUsage":
		usage, err := s.engine.Usage()
		return usage, nil, err

	case "executeSQL":
		var p wire.ExecuteSQLPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("bad payload: %w", err)
		}
		rows, err := s.engine.ExecuteSQL(p.SQL)
		if err != nil {
			return nil, nil, err
		}
		// A raw mutation can touch arbitrary rows; when the caller names the
		// table, push a full replacement so subscribers resync.
		if rows == nil && p.Table != "" && db.ValidTable(p.Table) {
			full, _, rerr := s.engine.QueryPage(p.Table, 1000, 0)
			if rerr == nil {
				return rows, []*wire.Frame{{
					Type:     wire.FrameUpdate,
					Table:    p.Table,
					FullData: full,
				}}, nil
			}
		}
		return rows, nil, nil

	case "insertRow", "createTask":
		var p wire.InsertRowPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("bad payload: %w", err)
		}
		row, err := s.engine.InsertRow(p.Table, p.Row)
		if err != nil {
			return nil, nil, err
		}
		return row, []*wire.Frame{{
			Type:   wire.FrameUpdate,
			Table:  p.Table,
			Action: wire.ActionAdded,
			Row:    row,
		}}, nil

	case "updateRow":
		var p wire.UpdateRowPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("bad payload: %w", err)
		}
		row, err := s.engine.UpdateRow(p.Table, p.ID, p.Field, p.Value)
		if err != nil {
			return nil, nil, err
		}
		return row, []*wire.Frame{{
			Type:   wire.FrameUpdate,
			Table:  p.Table,
			Action: wire.ActionModified,
			Row:    row,
		}}, nil

	case "deleteRow":
		var p wire.DeleteRowPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("bad payload: %w", err)
		}
		pk, err := s.engine.PrimaryKey(p.Table)
		if err != nil {
			return nil, nil, err
		}
		if err := s.engine.DeleteRow(p.Table, p.ID); err != nil {
			return nil, nil, err
		}
		row := wire.Row{pk: p.ID}
		return row, []*wire.Frame{{
			Type:   wire.FrameUpdate,
			Table:  p.Table,
			Action: wire.ActionDeleted,
			Row:    row,
		}}, nil

	case "batchInsert":
		var p wire.BatchInsertPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("bad payload: %w", err)
		}
		if !sock.limiter.TakeN(len(p.Rows)) {
			return nil, nil, fmt.Errorf("rate limit exceeded")
		}
		rows, err := s.engine.BatchInsert(p.Table, p.Rows)
		if err != nil {
			return nil, nil, err
		}
		return rows, []*wire.Frame{{
			Type:  wire.FrameUpdate,
			Table: p.Table,
			Added: rows,
		}}, nil

	case "createTable":
		var p wire.CreateTablePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("bad payload: %w", err)
		}
		if err := s.engine.CreateTable(p.Table, p.Columns); err != nil {
			return nil, nil, err
		}
		defs, err := s.engine.Schema()
		if err != nil {
			return nil, nil, err
		}
		return defs, []*wire.Frame{{
			Type:   wire.FrameSchemaUpdate,
			Schema: defs,
		}}, nil

	case "getPresence":
		out := make([]*wire.Presence, 0, len(s.presence))
		for _, p := range s.presence {
			out = append(out, p)
		}
		return out, nil, nil

	case "setPresence":
		var p wire.Presence
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, nil, fmt.Errorf("bad payload: %w", err)
		}
		p.ClientID = sock.id
		action := wire.ActionModified
		if _, ok := s.presence[sock.id]; !ok {
			action = wire.ActionAdded
		}
		s.presence[sock.id] = &p
		return &p, []*wire.Frame{presenceFrame(action, &p)}, nil

	case "setCursor":
		var c wire.SetCursorPayload
		if err := json.Unmarshal(f.Payload, &c); err != nil {
			return nil, nil, fmt.Errorf("bad payload: %w", err)
		}
		p, ok := s.presence[sock.id]
		if !ok {
			p = &wire.Presence{ClientID: sock.id}
			s.presence[sock.id] = p
		}
		p.Table = c.Table
		p.CursorX = c.CursorX
		p.CursorY = c.CursorY
		return p, []*wire.Frame{presenceFrame(wire.ActionModified, p)}, nil

	default:
		return nil, nil, fmt.Errorf("unknown method %q", f.Method)
	}
}

func presenceFrame(action wire.UpdateAction, p *wire.Presence) *wire.Frame {
	return &wire.Frame{
		Type:   wire.FrameUpdate,
		Table:  wire.PresenceTable,
		Action: action,
		Row: wire.Row{
			"clientId": p.ClientID,
			"name":     p.Name,
			"color":    p.Color,
			"table":    p.Table,
			"cursorX":  p.CursorX,
			"cursorY":  p.CursorY,
		},
	}
}

func (s *Session) sendError(sock *socket, origin *wire.Frame, err error) {
	kind := wire.FrameRPCError
	if origin.UpdateID != "" {
		kind = wire.FrameMutationError
	}
	s.send(sock, &wire.Frame{
		Type:      kind,
		RequestID: origin.RequestID,
		UpdateID:  origin.UpdateID,
		Error:     err.Error(),
	})
}

func (s *Session) send(sock *socket, f *wire.Frame) {
	if _, ok := s.sockets[sock]; !ok {
		return
	}
	data, err := wire.Encode(f)
	if err != nil {
		log.Printf("Room %s: encode: %v", s.roomID, err)
		return
	}
	if !sock.trySend(data) {
		s.removeSocket(sock)
	}
}

// broadcastTable fans one frame out to every subscriber of a table. A socket
// that can't accept the write is evicted; the rest of the set still gets the
// frame.
func (s *Session) broadcastTable(table string, f *wire.Frame) {
	set, ok := s.subs[table]
	if !ok || len(set) == 0 {
		return
	}
	data, err := wire.Encode(f)
	if err != nil {
		log.Printf("Room %s: encode: %v", s.roomID, err)
		return
	}
	for sock := range set {
		if !sock.trySend(data) {
			s.removeSocket(sock)
		}
	}
}

func (s *Session) broadcastAll(f *wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		log.Printf("Room %s: encode: %v", s.roomID, err)
		return
	}
	for sock := range s.sockets {
		if !sock.trySend(data) {
			s.removeSocket(sock)
		}
	}
}
