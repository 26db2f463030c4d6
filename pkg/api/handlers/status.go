package handlers

import (
	"net/http"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/pkg/models"
	"github.com/permacap/permacap/pkg/store"
)

// StatusHandler serves the operational status counters.
type StatusHandler struct {
	store *store.GORMStore
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(store *store.GORMStore) *StatusHandler {
	return &StatusHandler{store: store}
}

// StatusResponse summarizes the work the node is carrying: capture jobs
// per status, replication files per status, and how many archive tasks
// hold an in-progress slot.
type StatusResponse struct {
	Jobs            map[models.JobStatus]int64  `json:"jobs"`
	Files           map[models.FileStatus]int64 `json:"files"`
	TasksInProgress int                         `json:"tasks_in_progress"`
}

// Status handles GET /status.
//
// Returns 200 OK with the counter summary, or 503 Service Unavailable
// when the database cannot be queried.
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("store not initialized"))
		return
	}

	ctx := r.Context()

	jobs, err := h.store.CountJobsByStatus(ctx)
	if err != nil {
		logger.Error("Status query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("failed to count jobs"))
		return
	}

	files, err := h.store.CountFilesByStatus(ctx)
	if err != nil {
		logger.Error("Status query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("failed to count files"))
		return
	}

	tasks, err := h.store.SumTasksInProgress(ctx)
	if err != nil {
		logger.Error("Status query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("failed to sum tasks in progress"))
		return
	}

	writeJSON(w, http.StatusOK, okResponse(StatusResponse{
		Jobs:            jobs,
		Files:           files,
		TasksInProgress: tasks,
	}))
}
