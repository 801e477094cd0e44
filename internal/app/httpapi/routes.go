package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/auth"
	core "github.com/r3e-network/bpmn-graph-engine/internal/app/core/service"
	"github.com/r3e-network/bpmn-graph-engine/internal/app/storage/audit"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
	"github.com/r3e-network/bpmn-graph-engine/pkg/metrics"
)

// handler bundles the Control API endpoints. Grounded on the teacher's
// handler struct (internal/app/httpapi/handler.go), generalized from the
// account/function/gasbank domain to process definitions/instances/tasks.
type handler struct {
	sv          Engine
	authMgr     *auth.Manager
	audit       *audit.Hub
	descriptors []core.Descriptor
	log         *logger.Logger
}

func (h *handler) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.health)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/system/descriptors", h.systemDescriptors)
	r.Get("/system/status", h.systemStatus)

	if h.authMgr != nil {
		r.Post("/auth/login", h.login)
	}

	r.Route("/definitions", func(r chi.Router) {
		r.Post("/", h.deployDefinition)
		r.Get("/", h.listDefinitions)
		r.Get("/{id}", h.getDefinition)
		r.Post("/{id}/retire", h.retireDefinition)
	})

	r.Route("/instances", func(r chi.Router) {
		r.Post("/", h.startInstance)
		r.Get("/", h.listInstances)
		r.Get("/{id}", h.getInstance)
		r.Get("/{id}/tokens", h.listTokens)
		r.Post("/{id}/stop", h.stopInstance)
		r.Post("/{id}/cancel", h.cancelInstance)
		r.Post("/{id}/throw-error", h.throwError)
		r.Get("/{id}/variables/{name}", h.getVariable)
		r.Put("/{id}/variables/{name}", h.setVariable)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.listTasks)
		r.Get("/{id}", h.getTask)
		r.Post("/{id}/claim", h.claimTask)
		r.Post("/{id}/complete", h.completeTask)
	})

	r.Post("/messages/send", h.sendMessage)
	r.Post("/signals/broadcast", h.broadcastSignal)
	r.Post("/timers/run-due", h.runDueTimers)

	r.Get("/stream/audit", h.streamAudit)

	return r
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
