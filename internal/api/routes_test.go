package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fitsync/internal/database"
	"fitsync/internal/localdb"
	"fitsync/internal/migrate"
	"fitsync/internal/remote"
	"fitsync/internal/schema"
	"fitsync/internal/store"
	"fitsync/internal/sync"
	"fitsync/internal/txn"
)

type testServer struct {
	local  *localdb.Store
	remote *remote.Memory
	router http.Handler
}

func newTestServer(t *testing.T, users []string, token string) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	local := localdb.New(db)
	require.NoError(t, local.Init(ctx))
	meta, err := store.NewSQLiteStore(ctx, db)
	require.NoError(t, err)
	tx := txn.NewManager(local)
	mem := remote.NewMemory()
	orch := sync.NewOrchestrator(local, mem, meta, tx, sync.WithRetryDelays(time.Millisecond, time.Millisecond))

	h := NewHandler(orch, meta, migrate.NewRunner(tx, meta), users, token)
	return &testServer{local: local, remote: mem, router: h.Routes()}
}

func (s *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, []string{"u1"}, "secret")

	rec := s.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, []string{"u1"}, "secret")

	rec := s.do(t, http.MethodGet, "/api/v1/sync/status", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/sync/status", "", "Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/sync/status", "", "Authorization", "Bearer secret")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerSyncAndStatus(t *testing.T) {
	s := newTestServer(t, []string{"u1"}, "")
	require.NoError(t, s.local.Put(context.Background(), "workouts", schema.Record{
		ID:        "w1",
		UserID:    schema.StringPtr("u1"),
		Version:   1,
		CreatedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Fields:    map[string]any{"name": "Push day"},
	}))

	rec := s.do(t, http.MethodPost, "/api/v1/sync/trigger", `{"tables":["workouts"],"direction":"push","wait":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp TriggerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "u1", resp.UserID)
	require.Len(t, resp.Results, 1)
	require.Equal(t, sync.StatusSuccess, resp.Results[0].Status)
	require.Equal(t, 1, resp.Results[0].Pushed)
	require.NotNil(t, s.remote.Record("workouts", "w1"))

	rec = s.do(t, http.MethodGet, "/api/v1/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status.InProgress)
	require.Len(t, status.Tables, 1)
	require.Equal(t, "workouts", status.Tables[0].TableName)
	require.NotNil(t, status.Tables[0].LastPushAt)

	rec = s.do(t, http.MethodGet, "/api/v1/history?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var history []store.SyncHistory
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)

	rec = s.do(t, http.MethodPost, "/api/v1/sync/reset", `{"tables":["workouts"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/sync/status", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Empty(t, status.Tables)
}

func TestTriggerValidation(t *testing.T) {
	s := newTestServer(t, []string{"u1", "u2"}, "")

	rec := s.do(t, http.MethodPost, "/api/v1/sync/trigger", `{"direction":"push"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sync/trigger", `{"user_id":"u1","direction":"sideways"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/sync/trigger", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/conflicts?user=u1&limit=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflictsDefaultsToEmptyList(t *testing.T) {
	s := newTestServer(t, []string{"u1"}, "")
	rec := s.do(t, http.MethodGet, "/api/v1/conflicts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestMigrateEndpoint(t *testing.T) {
	s := newTestServer(t, []string{"u1"}, "")
	rec := s.do(t, http.MethodPost, "/api/v1/migrate", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report migrate.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, "u1", report.UserID)
	require.False(t, report.AlreadyApplied)
}
