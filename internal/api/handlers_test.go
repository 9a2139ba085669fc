package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getwebface/roomdb/internal/wire"
	"github.com/getwebface/roomdb/internal/ws"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	return New(ws.NewHub(t.TempDir()))
}

func TestHealthHandler(t *testing.T) {
	a := newTestAPI(t)
	rec := httptest.NewRecorder()
	a.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatsHandlerEmptyHub(t *testing.T) {
	a := newTestAPI(t)
	rec := httptest.NewRecorder()
	a.StatsHandler(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["active_rooms"])
	assert.Equal(t, float64(0), body["active_clients"])
}

// The handler body must decode as the exact getSchema RPC result shape, a
// bare table list.
func TestSchemaHandlerMatchesRPCShape(t *testing.T) {
	a := newTestAPI(t)

	rec := httptest.NewRecorder()
	a.SchemaHandler(rec, httptest.NewRequest(http.MethodGet, "/api/schema?room=room1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var defs []wire.TableDef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &defs))
	assert.Empty(t, defs)
}

func TestSchemaHandlerValidation(t *testing.T) {
	a := newTestAPI(t)

	rec := httptest.NewRecorder()
	a.SchemaHandler(rec, httptest.NewRequest(http.MethodGet, "/api/schema", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	a.SchemaHandler(rec, httptest.NewRequest(http.MethodPost, "/api/schema?room=room1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	a.SchemaHandler(rec, httptest.NewRequest(http.MethodGet, "/api/schema?room=bad/room", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
