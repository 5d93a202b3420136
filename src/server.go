// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"missioncontrol/src/board"
	"missioncontrol/src/logging"
	"missioncontrol/src/model"
	"missioncontrol/src/processor"
	"missioncontrol/src/reconcile"
	"missioncontrol/src/store"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID              string          `json:"id"`
	Driver          string          `json:"driver"`
	StartTime       time.Time       `json:"start_time"`
	Uptime          string          `json:"uptime"`
	Mounted         bool            `json:"mounted"`
	Board           reconcile.Stats `json:"board"`
	BlockerSyncs    uint64          `json:"blocker_syncs"`
	BlockerFailures uint64          `json:"blocker_sync_failures"`
	ActiveBlockers  int             `json:"active_blockers"`
	LastBlockerSync *time.Time      `json:"last_blocker_sync,omitempty"`
	ExecutorClaims  uint64          `json:"executor_claims"`
	TasksRecovered  uint64          `json:"tasks_recovered"`
}

// ServiceStats tracks the background work of the service
type ServiceStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewServiceStats(id, driver string) *ServiceStats {
	return &ServiceStats{
		statusResponse: StatusResponse{
			ID:        id,
			Driver:    driver,
			StartTime: time.Now(),
		},
	}
}

// BlockerSync records the outcome of one blocker log sync.
func (s *ServiceStats) BlockerSync(active int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.statusResponse.BlockerFailures++
		return
	}
	now := time.Now()
	s.statusResponse.BlockerSyncs++
	s.statusResponse.ActiveBlockers = active
	s.statusResponse.LastBlockerSync = &now
}

func (s *ServiceStats) Claimed() {
	s.mu.Lock()
	s.statusResponse.ExecutorClaims++
	s.mu.Unlock()
}

func (s *ServiceStats) Recovered(n int64) {
	s.mu.Lock()
	s.statusResponse.TasksRecovered += uint64(n)
	s.mu.Unlock()
}

// GetStats returns the current statistics merged with the session's.
func (s *ServiceStats) GetStats(session *reconcile.Session) StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	if session != nil {
		resp.Board = session.Stats()
		resp.Mounted = session.Mounted()
	}
	return resp
}

// GlobalStats represents board-wide metrics
type GlobalStats struct {
	TotalTasks       int     `json:"total_tasks"`
	ReadyTasks       int     `json:"ready_tasks"`
	InProgressTasks  int     `json:"in_progress_tasks"`
	BlockedTasks     int     `json:"blocked_tasks"`
	CompletedTasks   int     `json:"completed_tasks"`
	PendingTasks     int     `json:"pending_tasks"`
	UnsyncedTasks    int     `json:"unsynced_tasks"`
	ActiveBlockers   int     `json:"active_blockers"`
	AvgCompletionSec float64 `json:"avg_completion_seconds"`
	ThroughputTasks  float64 `json:"throughput_tasks_per_hour"`
}

func computeGlobalStats(tasks []model.Task, activeBlockers int, now time.Time) GlobalStats {
	counts := board.Counts(tasks)
	gs := GlobalStats{
		TotalTasks:      len(tasks),
		ReadyTasks:      counts[model.TaskReady],
		InProgressTasks: counts[model.TaskInProgress],
		BlockedTasks:    counts[model.TaskBlocked],
		CompletedTasks:  counts[model.TaskCompleted],
		PendingTasks:    counts[model.TaskPending],
		ActiveBlockers:  activeBlockers,
	}
	var total float64
	var finished int
	for _, t := range tasks {
		if !t.Synced {
			gs.UnsyncedTasks++
		}
		if t.Status != model.TaskCompleted || t.CompletedAt == nil {
			continue
		}
		total += t.CompletedAt.Sub(t.CreatedAt).Seconds()
		finished++
		if t.CompletedAt.After(now.Add(-time.Hour)) {
			gs.ThroughputTasks++
		}
	}
	if finished > 0 {
		gs.AvgCompletionSec = total / float64(finished)
	}
	return gs
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	store          store.Store
	session        *reconcile.Session
	stats          *ServiceStats
	blockerLogPath string
}

func NewAPIServer(st store.Store, session *reconcile.Session, stats *ServiceStats, blockerLogPath string) *APIServer {
	return &APIServer{
		store:          st,
		session:        session,
		stats:          stats,
		blockerLogPath: blockerLogPath,
	}
}

// Handler returns the routed API wrapped in the OTel middleware.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)

	mux.HandleFunc("GET /tasks", s.listTasksHandler)
	mux.HandleFunc("POST /tasks", s.createTaskHandler)
	mux.HandleFunc("GET /tasks/{id}", s.getTaskHandler)
	mux.HandleFunc("PATCH /tasks/{id}", s.patchTaskHandler)
	mux.HandleFunc("DELETE /tasks/{id}", s.deleteTaskHandler)

	mux.HandleFunc("GET /board", s.boardHandler)
	mux.HandleFunc("GET /board/stream", s.boardStreamHandler)
	mux.HandleFunc("POST /board/drag-start", s.dragStartHandler)
	mux.HandleFunc("POST /board/drop", s.dropHandler)

	mux.HandleFunc("GET /blockers", s.listBlockersHandler)
	mux.HandleFunc("POST /blockers/sync", s.syncBlockersHandler)

	mux.HandleFunc("POST /executor/claim", s.claimHandler)
	mux.HandleFunc("POST /executor/tasks/{id}/complete", s.completeHandler)
	mux.HandleFunc("POST /executor/tasks/{id}/block", s.blockHandler)
	mux.HandleFunc("POST /executor/tasks/{id}/ack", s.ackHandler)

	return otelhttp.NewHandler(mux, "board-api-server")
}

// StartAPIServer serves the API until ctx is done, then shuts down gracefully.
func StartAPIServer(ctx context.Context, port string, srv *APIServer) error {
	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: srv.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing server...", slog.LevelInfo)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("Server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.GetStats(s.session))
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("failed to query system stats: %w", err))
		return
	}
	active, err := s.store.ListBlockers(r.Context(), model.BlockerActive)
	if err != nil {
		writeError(w, fmt.Errorf("failed to query system stats: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, computeGlobalStats(tasks, len(active), time.Now()))
}

func (s *APIServer) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *APIServer) createTaskHandler(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if !decode(w, r, &t) {
		return
	}
	if t.Status == model.TaskInProgress {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "tasks enter IN_PROGRESS through /executor/claim"})
		return
	}
	if t.ModifiedBy == "" {
		t.ModifiedBy = model.ModifiedByHuman
	}
	// completedAt follows status.
	t.CompletedAt = nil
	if t.Status == model.TaskCompleted {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	if t.Status != model.TaskBlocked {
		t.Blockers = nil
	}
	created, err := s.store.InsertTask(r.Context(), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *APIServer) getTaskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *APIServer) patchTaskHandler(w http.ResponseWriter, r *http.Request) {
	var p model.TaskPatch
	if !decode(w, r, &p) {
		return
	}
	if p.Status != nil || p.CompletedAt != nil || p.ClearCompletedAt || p.Blockers != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "status changes go through /board/drop or /executor"})
		return
	}
	if p.Empty() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "empty patch"})
		return
	}
	now := time.Now().UTC()
	by := model.ModifiedByHuman
	synced := false
	p.UpdatedAt = &now
	p.ModifiedBy = &by
	p.Synced = &synced

	id := r.PathValue("id")
	if err := s.store.UpdateTask(r.Context(), id, p); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *APIServer) deleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BoardResponse is the grouped board with the ids of cards whose local
// change has not been confirmed by a resync.
type BoardResponse struct {
	Columns []board.Column `json:"columns"`
	Pending []string       `json:"pending"`
}

func (s *APIServer) boardView() BoardResponse {
	resp := BoardResponse{Columns: s.session.Board(), Pending: []string{}}
	for _, col := range resp.Columns {
		for _, t := range col.Tasks {
			if s.session.Pending(t.ID) {
				resp.Pending = append(resp.Pending, t.ID)
			}
		}
	}
	return resp
}

func (s *APIServer) boardHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.boardView())
}

// boardStreamHandler pushes the board as server-sent events after every
// local change or resync.
func (s *APIServer) boardStreamHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}
	changes, stop := s.session.Watch()
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func() bool {
		data, err := json.Marshal(s.boardView())
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: board\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-changes:
			if !send() {
				return
			}
		}
	}
}

type dragRequest struct {
	ID     string `json:"id"`
	Column string `json:"column,omitempty"`
}

func (s *APIServer) dragStartHandler(w http.ResponseWriter, r *http.Request) {
	var req dragRequest
	if !decode(w, r, &req) {
		return
	}
	if _, ok := s.session.Task(req.ID); !ok {
		writeError(w, fmt.Errorf("task %s: %w", req.ID, store.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "draggable": s.session.DragStart(req.ID)})
}

func (s *APIServer) dropHandler(w http.ResponseWriter, r *http.Request) {
	var req dragRequest
	if !decode(w, r, &req) {
		return
	}
	if _, ok := s.session.Task(req.ID); !ok {
		writeError(w, fmt.Errorf("task %s: %w", req.ID, store.ErrNotFound))
		return
	}

	decision, err := s.session.Drop(r.Context(), req.ID, req.Column)
	task, _ := s.session.Task(req.ID)
	resp := map[string]any{"decision": decision.String(), "task": task}
	if err != nil {
		// The optimistic change stays on the board until the next resync.
		resp["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) listBlockersHandler(w http.ResponseWriter, r *http.Request) {
	status := model.BlockerStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.BlockerActive, model.BlockerResolved:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "status must be active or resolved"})
		return
	}
	blockers, err := s.store.ListBlockers(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blockers": blockers})
}

func (s *APIServer) syncBlockersHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text *string `json:"text"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	var (
		n   int
		err error
	)
	switch {
	case req.Text != nil:
		n, err = processor.SyncBlockersText(r.Context(), s.store, *req.Text)
	case s.blockerLogPath != "":
		n, err = processor.SyncBlockers(r.Context(), s.store, s.blockerLogPath)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "no blocker log configured and no text given"})
		return
	}
	s.stats.BlockerSync(n, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": n})
}

type executorRequest struct {
	Executor string   `json:"executor"`
	Blockers []string `json:"blockers,omitempty"`
}

func (s *APIServer) claimHandler(w http.ResponseWriter, r *http.Request) {
	var req executorRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := processor.ClaimTask(r.Context(), s.store, req.Executor)
	if err != nil {
		writeError(w, err)
		return
	}
	s.stats.Claimed()
	writeJSON(w, http.StatusOK, t)
}

func (s *APIServer) completeHandler(w http.ResponseWriter, r *http.Request) {
	var req executorRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := processor.FinishTask(r.Context(), s.store, r.PathValue("id"), req.Executor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *APIServer) blockHandler(w http.ResponseWriter, r *http.Request) {
	var req executorRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := processor.BlockTask(r.Context(), s.store, r.PathValue("id"), req.Executor, req.Blockers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *APIServer) ackHandler(w http.ResponseWriter, r *http.Request) {
	t, err := processor.AckTask(r.Context(), s.store, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, processor.ErrWrongState):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidTask):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.Log(fmt.Sprintf("Request failed: %v", err), slog.LevelError)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
