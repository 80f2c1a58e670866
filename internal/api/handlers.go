package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"fitsync/internal/apperr"
	"fitsync/internal/logger"
	"fitsync/internal/store"
	"fitsync/internal/sync"
)

const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeConflict       = "sync_in_progress"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeInternal       = "internal"
	ErrCodeNotImplemented = "not_implemented"
)

type TriggerRequest struct {
	UserID        string   `json:"user_id"`
	Direction     string   `json:"direction"`
	Tables        []string `json:"tables"`
	ForceFullSync bool     `json:"force_full_sync"`
	// Wait runs the pass inside the request and returns its results.
	Wait bool `json:"wait"`
}

type TriggerResponse struct {
	Status  string        `json:"status"`
	UserID  string        `json:"user_id"`
	Results []sync.Result `json:"results,omitempty"`
}

type StatusResponse struct {
	UserID     string                `json:"user_id"`
	InProgress bool                  `json:"in_progress"`
	Tables     []*store.SyncMetadata `json:"tables"`
}

type ResetRequest struct {
	UserID string   `json:"user_id"`
	Tables []string `json:"tables"`
}

type MigrateRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, ok := h.userFor(w, req.UserID)
	if !ok {
		return
	}
	dir, err := sync.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	opts := sync.Options{Direction: dir, Tables: req.Tables, ForceFullSync: req.ForceFullSync}

	if req.Wait {
		results, err := h.orch.TrySync(r.Context(), userID, opts)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, TriggerResponse{Status: "finished", UserID: userID, Results: results})
		return
	}

	if h.orch.InProgress() {
		writeAppError(w, apperr.New(apperr.SyncInProgress, "a sync pass is already running"))
		return
	}
	go func() {
		results, err := h.orch.TrySync(context.Background(), userID, opts)
		if err != nil {
			logger.Log.Warn("Triggered sync did not run", zap.String("user", userID), zap.Error(err))
			return
		}
		if terr := sync.Errors(results); terr != nil {
			logger.Log.Warn("Triggered sync finished with table errors", zap.String("user", userID), zap.Error(terr))
		}
	}()
	writeJSON(w, http.StatusAccepted, TriggerResponse{Status: "started", UserID: userID})
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFor(w, r.URL.Query().Get("user"))
	if !ok {
		return
	}
	tables, err := h.meta.ListSyncMetadata(r.Context(), userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if tables == nil {
		tables = []*store.SyncMetadata{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{UserID: userID, InProgress: h.orch.InProgress(), Tables: tables})
}

func (h *Handler) ResetSync(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, ok := h.userFor(w, req.UserID)
	if !ok {
		return
	}
	if err := h.orch.Reset(r.Context(), userID, req.Tables...); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "user_id": userID})
}

func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFor(w, r.URL.Query().Get("user"))
	if !ok {
		return
	}
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	conflicts, err := h.meta.ListConflicts(r.Context(), userID, limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []*store.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFor(w, r.URL.Query().Get("user"))
	if !ok {
		return
	}
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	history, err := h.meta.GetSyncHistory(r.Context(), userID, limit, offset)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if history == nil {
		history = []*store.SyncHistory{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) Migrate(w http.ResponseWriter, r *http.Request) {
	if h.migrator == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeNotImplemented, "migrations are not enabled")
		return
	}
	var req MigrateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID, ok := h.userFor(w, req.UserID)
	if !ok {
		return
	}
	report, err := h.migrator.Run(r.Context(), userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// userFor falls back to the only configured user when the request names none.
func (h *Handler) userFor(w http.ResponseWriter, userID string) (string, bool) {
	if userID != "" {
		return userID, true
	}
	if len(h.users) == 1 {
		return h.users[0], true
	}
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "user_id is required")
	return "", false
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func paging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = 50, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be between 1 and 500")
			return 0, 0, false
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "offset must not be negative")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case apperr.Is(err, apperr.SyncInProgress):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case apperr.Is(err, apperr.InvalidData):
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case apperr.Is(err, apperr.CircuitOpen), apperr.Is(err, apperr.Network), apperr.Is(err, apperr.Timeout):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "request cancelled")
	default:
		logger.Log.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"type":   code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}
