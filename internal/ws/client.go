package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/getwebface/roomdb/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024

	framesPerSecond = 100
	frameBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// socket is one client connection bound to a room session.
type socket struct {
	id      string
	hub     *Hub
	sess    *Session
	conn    *websocket.Conn
	send    chan []byte
	limiter *ratelimit.Bucket
}

// ServeWs upgrades an HTTP request to a room socket. The session is acquired
// before the upgrade so a failed room start surfaces as a plain HTTP error.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	// API key / session token validation is the auth collaborator's concern;
	// the parameter is accepted here so the URL shape is stable.
	_ = r.URL.Query().Get("apiKey")

	sess, err := hub.Acquire(roomID)
	if err != nil {
		log.Printf("Room %s unavailable: %v", roomID, err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		hub.Release(sess)
		return
	}

	sock := &socket{
		id:      uuid.NewString(),
		hub:     hub,
		sess:    sess,
		conn:    conn,
		send:    make(chan []byte, 512),
		limiter: ratelimit.NewBucket(framesPerSecond, frameBurst),
	}

	sess.join(sock)

	go sock.writePump()
	go sock.readPump()
}

// trySend queues a frame without blocking the room actor. A full buffer means
// the socket is too slow to keep; the caller evicts it.
func (s *socket) trySend(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

func (s *socket) readPump() {
	defer func() {
		s.sess.leave(s)
		s.hub.Release(s.sess)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if !s.limiter.Take() {
			log.Printf("Rate limit exceeded for client %s in room %s", s.id, s.sess.roomID)
			continue
		}

		s.sess.deliver(s, message)
	}
}

func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
