package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
)

type startInstanceRequest struct {
	DefinitionID string `json:"definition_id"`
	StartEventID string `json:"start_event_id,omitempty"`
	Variables map[string]model.Variable `json:"variables,omitempty"`
}

// startInstance implements startInstance.
func (h *handler) startInstance(w http.ResponseWriter, r *http.Request) {
	var req startInstanceRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.sv.StartInstance(r.Context(), req.DefinitionID, req.Variables, req.StartEventID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handler) listInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sv.ListInstances())
}

func (h *handler) getInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, ok := h.sv.GetInstance(id)
	if !ok {
		writeError(w, http.StatusNotFound, errInstanceNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *handler) listTokens(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.sv.GetInstance(id); !ok {
		writeError(w, http.StatusNotFound, errInstanceNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, h.sv.ActiveTokens(id))
}

type stopInstanceRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *handler) stopInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req stopInstanceRequest
	_ = decodeJSON(r.Body, &req)
	if err := h.sv.StopInstance(r.Context(), id, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *handler) cancelInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req stopInstanceRequest
	_ = decodeJSON(r.Body, &req)
	if err := h.sv.CancelInstance(r.Context(), id, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type throwErrorRequest struct {
	ErrorCode string `json:"error_code"`
	Message string `json:"message,omitempty"`
}

func (h *handler) throwError(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req throwErrorRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.sv.ThrowError(r.Context(), id, req.ErrorCode, req.Message); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "error-thrown"})
}

func (h *handler) getVariable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	v, ok, err := h.sv.GetVariable(r.Context(), id, name)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errVariableNotFound(id, name))
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type setVariableRequest struct {
	Value string `json:"value"`
	Type model.XSDType `json:"type"`
}

func (h *handler) setVariable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")
	var req setVariableRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		req.Type = model.XSDString
	}
	if err := h.sv.SetVariable(r.Context(), id, name, req.Value, req.Type); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "set"})
}
