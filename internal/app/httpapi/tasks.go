package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	writeJSON(w, http.StatusOK, h.sv.ListTasks(instanceID))
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := h.sv.GetTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, errTaskNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type claimTaskRequest struct {
	Assignee string `json:"assignee"`
}

func (h *handler) claimTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req claimTaskRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.sv.ClaimTask(id, req.Assignee); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "claimed"})
}

type completeTaskRequest struct {
	Variables map[string]string `json:"variables,omitempty"`
}

func (h *handler) completeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req completeTaskRequest
	_ = decodeJSON(r.Body, &req)
	if err := h.sv.CompleteTask(r.Context(), id, req.Variables); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
