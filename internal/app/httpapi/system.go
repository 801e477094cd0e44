package httpapi

import (
	"net/http"

	"github.com/r3e-network/bpmn-graph-engine/pkg/version"
)

func (h *handler) systemDescriptors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.descriptors)
}

func (h *handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	instances := h.sv.ListInstances()
	byStatus := make(map[string]int)
	for _, inst := range instances {
		byStatus[string(inst.Status)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":              version.Version,
		"commit":               version.GitCommit,
		"instances_total":      len(instances),
		"instances_by_status":  byStatus,
		"definitions_total":    len(h.sv.ListDefinitions()),
	})
}
