package api

import (
	"log"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/getwebface/roomdb/internal/ws"
)

type API struct {
	hub *ws.Hub
}

func New(hub *ws.Hub) *API {
	return &API{hub: hub}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"rooms":          a.hub.GetActiveRooms(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}

// SchemaHandler is the plain-GET schema path for first paint. It returns the
// exact shape of the getSchema RPC result.
func (a *API) SchemaHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "room is required")
		return
	}

	schema, err := a.hub.Schema(roomID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to read schema")
		return
	}

	jsonResponse(w, http.StatusOK, schema)
}
