package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
)

// deployDefinition implements deployDefinition: the body is a
// fully structured ProcessDefinition (nodes/flows already parsed by the
// caller's BPMN tooling); this endpoint only assigns identity/versioning
// and registers it.
func (h *handler) deployDefinition(w http.ResponseWriter, r *http.Request) {
	var defn model.ProcessDefinition
	if err := decodeJSON(r.Body, &defn); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.sv.Deploy(defn)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *handler) listDefinitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sv.ListDefinitions())
}

func (h *handler) getDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	defn, ok := h.sv.GetDefinition(id)
	if !ok {
		writeError(w, http.StatusNotFound, errDefinitionNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, defn)
}

func (h *handler) retireDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.sv.RetireDefinition(id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retired"})
}
