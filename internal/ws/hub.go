package ws

import (
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/getwebface/roomdb/internal/db"
	"github.com/getwebface/roomdb/internal/wire"
)

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Hub routes sockets to room sessions. Each room is owned by exactly one
// Session; the hub only creates, hands out, and retires them.
type Hub struct {
	mu       sync.Mutex
	dbDir    string
	sessions map[string]*Session
}

func NewHub(dbDir string) *Hub {
	return &Hub{
		dbDir:    dbDir,
		sessions: make(map[string]*Session),
	}
}

// Acquire returns the session for a room, creating it on first use. Creation
// opens the room database and runs migrations; if that fails the room does
// not come up. Every Acquire must be paired with a Release.
func (h *Hub) Acquire(roomID string) (*Session, error) {
	if !roomIDPattern.MatchString(roomID) {
		return nil, fmt.Errorf("invalid room id %q", roomID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[roomID]; ok {
		s.refs++
		return s, nil
	}

	engine, err := db.Open(filepath.Join(h.dbDir, roomID+".db"))
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", roomID, err)
	}

	s := newSession(roomID, engine)
	s.refs = 1
	h.sessions[roomID] = s
	go s.run()

	log.Printf("Room %s started", roomID)
	return s, nil
}

// Release drops one reference to a session and retires it when the last
// holder is gone.
func (h *Hub) Release(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	delete(h.sessions, s.roomID)
	s.stop()
	log.Printf("Room %s closed (empty)", s.roomID)
}

// Schema reads a room's schema without a socket. Serves the HTTP
// side-channel; the read still goes through the room actor so it never races
// a mutation.
func (h *Hub) Schema(roomID string) ([]wire.TableDef, error) {
	s, err := h.Acquire(roomID)
	if err != nil {
		return nil, err
	}
	defer h.Release(s)
	return s.Schema()
}

// GetRoomCount returns the number of live room sessions.
func (h *Hub) GetRoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// GetClientCount returns the number of connected sockets across all rooms.
func (h *Hub) GetClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.sessions {
		n += int(s.clients.Load())
	}
	return n
}

// GetActiveRooms maps room id to connected socket count.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.sessions))
	for id, s := range h.sessions {
		out[id] = int(s.clients.Load())
	}
	return out
}
