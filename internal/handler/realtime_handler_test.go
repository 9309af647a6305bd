package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"realtime-bindings/internal/pkg/serverutils"
	"realtime-bindings/internal/session"
	"realtime-bindings/pkg/db"
	"realtime-bindings/pkg/reactor/memreactor"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T, start bool, secret string) *fiber.App {
	t.Helper()
	core := memreactor.New(memreactor.Options{})
	if start {
		require.NoError(t, core.Start(context.Background()))
	}
	t.Cleanup(func() { _ = core.Close() })
	database := db.New(core, nil)

	app := fiber.New()
	app.Use(serverutils.ErrorHandlerMiddleware())
	h := NewRealtimeHandler(database, session.NewHub(database, nil), Options{JWTSecret: secret})
	h.RegisterRoutes(app.Group("/api"))
	return app
}

func do(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestHealthAndStatus(t *testing.T) {
	app := newApp(t, true, "")

	code, _ := do(t, app, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body := do(t, app, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "authenticated", data["connection"])
	assert.Equal(t, float64(0), data["sessions"])
}

func TestTransactThenQueryOnce(t *testing.T) {
	app := newApp(t, true, "")

	code, body := do(t, app, http.MethodPost, "/api/transact", map[string]any{
		"chunks": []map[string]any{{"namespace": "goals", "id": "g1", "action": "update", "args": map[string]any{"title": "ship"}}},
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "synced", body["data"].(map[string]any)["status"])

	code, body = do(t, app, http.MethodPost, "/api/query-once", map[string]any{"query": map[string]any{"goals": map[string]any{}}})
	require.Equal(t, http.StatusOK, code, body)
	goals := body["data"].(map[string]any)["data"].(map[string]any)["goals"]
	assert.Equal(t, []any{map[string]any{"id": "g1", "title": "ship"}}, goals)
}

func TestTransactValidation(t *testing.T) {
	app := newApp(t, true, "")

	code, _ := do(t, app, http.MethodPost, "/api/transact", map[string]any{"chunks": []any{}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, app, http.MethodPost, "/api/transact", map[string]any{
		"chunks": []map[string]any{{"namespace": "goals", "id": "g1", "action": "explode"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestQueryOnceOffline(t *testing.T) {
	app := newApp(t, false, "")

	code, _ := do(t, app, http.MethodPost, "/api/query-once", map[string]any{"query": map[string]any{"goals": map[string]any{}}})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = do(t, app, http.MethodPost, "/api/query-once", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLocalIDIsStable(t *testing.T) {
	app := newApp(t, true, "")

	_, first := do(t, app, http.MethodGet, "/api/local-id/device", nil)
	_, second := do(t, app, http.MethodGet, "/api/local-id/device", nil)
	id := first["data"].(map[string]any)["id"]
	assert.NotEmpty(t, id)
	assert.Equal(t, id, second["data"].(map[string]any)["id"])
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	app := newApp(t, true, "s3cret")

	code, _ := do(t, app, http.MethodGet, "/api/local-id/device", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = do(t, app, http.MethodGet, "/api/ws", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, app, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestWsNeedsUpgrade(t *testing.T) {
	app := newApp(t, true, "")

	code, _ := do(t, app, http.MethodGet, "/api/ws", nil)
	assert.Equal(t, http.StatusUpgradeRequired, code)
}

func TestLogsWithoutFileAreEmpty(t *testing.T) {
	app := newApp(t, true, "")

	code, body := do(t, app, http.MethodGet, "/api/logs?limit=5", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["data"])
}
