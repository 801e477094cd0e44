package httpapi

import "net/http"

type sendMessageRequest struct {
	Name string `json:"name"`
	CorrelationKey string `json:"correlation_key,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

// sendMessage implements sendMessage.
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	startedInstanceID, err := h.sv.SendMessage(r.Context(), req.Name, req.CorrelationKey, req.Payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]string{"status": "sent"}
	if startedInstanceID != "" {
		resp["started_instance_id"] = startedInstanceID
	}
	writeJSON(w, http.StatusOK, resp)
}

type broadcastSignalRequest struct {
	Name string `json:"name"`
	Payload map[string]string `json:"payload,omitempty"`
}

// broadcastSignal implements broadcastSignal.
func (h *handler) broadcastSignal(w http.ResponseWriter, r *http.Request) {
	var req broadcastSignalRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fired, err := h.sv.BroadcastSignal(r.Context(), req.Name, req.Payload)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"fired": fired})
}

// runDueTimers implements run_due_timers, used for deterministic
// testing and manual operator-triggered polling.
func (h *handler) runDueTimers(w http.ResponseWriter, r *http.Request) {
	fired, err := h.sv.RunDueTimers(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"fired": fired})
}
