package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/docpipe/internal/models"
)

type TaskHandler struct {
	proc Processor
}

func NewTaskHandler(proc Processor) *TaskHandler {
	return &TaskHandler{proc: proc}
}

// GetTask never blocks; unknown ids answer 404.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res := h.proc.TaskResult(id)
	if res.Status == models.TaskUnknown {
		writeJSON(w, http.StatusNotFound, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *TaskHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.proc.QueueStatus())
}
