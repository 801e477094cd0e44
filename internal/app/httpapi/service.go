// Package httpapi exposes the C10 Control API: a chi-routed HTTP surface
// over the C9 Instance Supervisor, grounded on the teacher's
// internal/app/httpapi.Service (construct-handler-then-wrap-with-
// auth/CORS/metrics ordering) but routed with go-chi/chi (see the rest of
// the retrieved corpus's gateway/datastorage packages) instead of a bare
// http.ServeMux, since the resource-oriented paths here (/instances/{id},
// /tasks/{id}/complete) benefit from chi's URL parameters.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/auth"
	core "github.com/r3e-network/bpmn-graph-engine/internal/app/core/service"
	"github.com/r3e-network/bpmn-graph-engine/internal/app/storage/audit"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
	"github.com/r3e-network/bpmn-graph-engine/pkg/metrics"
	"github.com/r3e-network/bpmn-graph-engine/pkg/tracing"
)

// Service exposes the Control API and fits into the system.Service lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
}

// Config bundles the dependencies NewService wires into the router.
type Config struct {
	Addr        string
	Engine      Engine
	AuthMgr     *auth.Manager
	AuditHub    *audit.Hub
	Descriptors []core.Descriptor
	Tracer      tracing.Tracer
	Log         *logger.Logger
}

// NewService builds the Control API HTTP service.
func NewService(cfg Config) *Service {
	log := cfg.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{sv: cfg.Engine, authMgr: cfg.AuthMgr, audit: cfg.AuditHub, descriptors: cfg.Descriptors, log: log}
	router := h.routes()

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.Noop
	}

	var handlerChain http.Handler = router
	if cfg.AuthMgr != nil {
		handlerChain = auth.Middleware(cfg.AuthMgr)(handlerChain)
	}
	handlerChain = wrapWithCORS(handlerChain)
	handlerChain = wrapWithTracing(tracer)(handlerChain)
	handlerChain = metrics.InstrumentHandler(handlerChain)

	return &Service{addr: cfg.Addr, handler: handlerChain, log: log}
}

// Descriptor advertises this component's placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "httpapi", Domain: "bpmn", Layer: core.LayerIngress, Capabilities: []string{"control-api"}}
}

// Name implements system.Service.
func (s *Service) Name() string { return "httpapi" }

// Start begins serving the Control API.
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithField("error", err).Error("http server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the Control API.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// wrapWithTracing starts a span per request named after its method and URL path,
// grounded on the teacher's ServiceEngine.ObserveOperation span-per-operation
// convention (system/framework/service_engine.go).
func wrapWithTracing(tracer tracing.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, finish := tracer.StartSpan(r.Context(), r.Method+" "+r.URL.Path, map[string]string{
				"http.method": r.Method,
				"http.path":   r.URL.Path,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			finish(nil)
		})
	}
}

// wrapWithCORS allows cross-origin requests from an operator dashboard and
// short-circuits preflight requests.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
