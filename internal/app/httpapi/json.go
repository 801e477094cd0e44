package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
)

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeEngineError maps an enginerr.Kind to the appropriate HTTP status,
// defaulting to 500 for unclassified errors.
func writeEngineError(w http.ResponseWriter, err error) {
	var ee *enginerr.Error
	if !errors.As(err, &ee) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	switch ee.Kind {
	case enginerr.NotFound:
		writeError(w, http.StatusNotFound, err)
	case enginerr.PreconditionFailed:
		writeError(w, http.StatusConflict, err)
	case enginerr.BadDefinition, enginerr.Unsupported:
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
