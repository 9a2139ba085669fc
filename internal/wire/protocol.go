package wire

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// FrameType discriminates every message exchanged over the room socket.
type FrameType string

const (
	// Client -> server
	FrameRPC            FrameType = "rpc"
	FrameSubscribe      FrameType = "subscribe"
	FrameQuery          FrameType = "query"
	FrameSubscribeQuery FrameType = "subscribe_query"
	FramePing           FrameType = "ping"

	// Server -> client
	FrameQueryResult   FrameType = "query_result"
	FrameRPCError      FrameType = "rpc_error"
	FrameMutationError FrameType = "mutation_error"
	FrameUpdate        FrameType = "update"
	FrameSchemaUpdate  FrameType = "schema_update"
	FramePong          FrameType = "pong"
)

// UpdateAction is the kind of incremental table change carried by an update frame.
type UpdateAction string

const (
	ActionAdded    UpdateAction = "added"
	ActionModified UpdateAction = "modified"
	ActionDeleted  UpdateAction = "deleted"
)

// Row is one table row as it travels on the wire. Values are whatever the
// JSON decoder produces (string, float64, bool, nil).
type Row map[string]any

// Frame is the single envelope for every message on the socket. Which fields
// are meaningful depends on Type; Decode rejects unknown types so dispatch
// stays a closed set.
type Frame struct {
	Type FrameType `json:"type"`

	// rpc
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	UpdateID  string          `json:"updateId,omitempty"`

	// subscribe / query / update
	Table string `json:"table,omitempty"`
	SQL   string `json:"sql,omitempty"`

	// query paging; used when Table is set and SQL is empty
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`

	// query_result
	Data        json.RawMessage `json:"data,omitempty"`
	OriginalSQL string          `json:"originalSql,omitempty"`
	Total       *int            `json:"total,omitempty"`

	// rpc_error / mutation_error
	Error string `json:"error,omitempty"`

	// update (incremental form)
	Action UpdateAction `json:"action,omitempty"`
	Row    Row          `json:"row,omitempty"`

	// update (legacy batched diff form)
	Added    []Row `json:"added,omitempty"`
	Modified []Row `json:"modified,omitempty"`
	Deleted  []Row `json:"deleted,omitempty"`
	FullData []Row `json:"fullData,omitempty"`

	// schema_update
	Schema []TableDef `json:"schema,omitempty"`

	// ping / pong, unix milliseconds set by the sender of the ping
	SentAt int64 `json:"sentAt,omitempty"`
}

// IsDiff reports whether an update frame uses the legacy batched diff form
// instead of a single row action.
func (f *Frame) IsDiff() bool {
	return len(f.Added) > 0 || len(f.Modified) > 0 || len(f.Deleted) > 0 || f.FullData != nil
}

var frameTypes = map[FrameType]struct{}{
	FrameRPC: {}, FrameSubscribe: {}, FrameQuery: {}, FrameSubscribeQuery: {},
	FramePing: {}, FrameQueryResult: {}, FrameRPCError: {}, FrameMutationError: {},
	FrameUpdate: {}, FrameSchemaUpdate: {}, FramePong: {},
}

// Encode marshals a frame for the socket.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses one frame and rejects unknown frame types.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if _, ok := frameTypes[f.Type]; !ok {
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return &f, nil
}

// Column describes one column of a table.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"notNull"`
	PrimaryKey bool   `json:"primaryKey"`
	Default    string `json:"default,omitempty"`
}

// TableDef describes one table in a schema snapshot.
type TableDef struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// UsageSummary is the getUsage result: a coarse picture of how big the room is.
type UsageSummary struct {
	TableCount int            `json:"tableCount"`
	RowCounts  map[string]int `json:"rowCounts"`
	SizeBytes  int64          `json:"sizeBytes"`
}

// Presence is one client's announced presence in a room.
type Presence struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name,omitempty"`
	Color    string `json:"color,omitempty"`
	Table    string `json:"table,omitempty"`
	CursorX  int    `json:"cursorX,omitempty"`
	CursorY  int    `json:"cursorY,omitempty"`
}

// PresenceTable is the reserved table name presence changes fan out on.
const PresenceTable = "_presence"

// RPC payloads. Each rpc frame's Payload field decodes into one of these
// depending on Method.

type ExecuteSQLPayload struct {
	SQL   string `json:"sql"`
	Table string `json:"table,omitempty"`
}

type InsertRowPayload struct {
	Table string `json:"table"`
	Row   Row    `json:"row"`
}

type UpdateRowPayload struct {
	Table string `json:"table"`
	ID    any    `json:"id"`
	Field string `json:"field"`
	Value any    `json:"value"`
}

type DeleteRowPayload struct {
	Table string `json:"table"`
	ID    any    `json:"id"`
}

type BatchInsertPayload struct {
	Table string `json:"table"`
	Rows  []Row  `json:"rows"`
}

type CreateTablePayload struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

type SetCursorPayload struct {
	Table   string `json:"table"`
	CursorX int    `json:"cursorX"`
	CursorY int    `json:"cursorY"`
}
