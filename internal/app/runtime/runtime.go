// Package runtime is the composition root: it wires the C1-C10 engine
// packages, the durable storage adapters, auth, and the Control API into one
// lifecycle-managed Application, grounded on the teacher's internal/app.New
// (internal/app/application.go) for the Stores-in/Application-out shape and
// its closure-over-forward-declared-supervisor wiring pattern already
// proven in internal/engine/supervisor/supervisor_test.go's newTestSupervisor.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	core "github.com/r3e-network/bpmn-graph-engine/internal/app/core/service"
	"github.com/r3e-network/bpmn-graph-engine/internal/app/auth"
	"github.com/r3e-network/bpmn-graph-engine/internal/app/httpapi"
	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/app/storage/audit"
	timerstore "github.com/r3e-network/bpmn-graph-engine/internal/app/storage/timer"
	"github.com/r3e-network/bpmn-graph-engine/internal/app/system"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/events"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/executor"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/graphstore"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/handlers"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/sandbox"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/supervisor"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/timers"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/variables"
	"github.com/r3e-network/bpmn-graph-engine/pkg/config"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
	"github.com/r3e-network/bpmn-graph-engine/pkg/tracing"
)

// Application ties the engine, storage, and Control API together and
// manages their lifecycle, grounded on the teacher's Application struct.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Supervisor *supervisor.Supervisor
	Handlers   *handlers.Registry
	AuditHub   *audit.Hub
	AuthMgr    *auth.Manager
	HTTPAPI    *httpapi.Service
}

// Deps lets callers supply pre-opened resources (a Postgres handle, an
// audit file path override, etc.) that the composition root would otherwise
// open itself from cfg. Nil fields fall back to in-memory/disabled.
type Deps struct {
	DB            *sql.DB
	AuditFilePath string
}

// New builds a fully wired Application from cfg (and optional externally
// managed resources in deps).
func New(cfg *config.Config, deps Deps, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if log == nil {
		log = logger.New(cfg.Logging)
	}

	manager := system.NewManager()

	g := graphstore.New()
	vs := variables.New(g, cfg.Engine.VariableMaxBytes)
	reg := handlers.New(log)

	var sv *supervisor.Supervisor
	evr := events.New(func(tokenID string, payload map[string]string) error {
		return sv.ResumeToken(tokenID, payload)
	})

	var timerStore timers.Store
	var sqlxDB *sqlx.DB
	if deps.DB != nil {
		sqlxDB = sqlx.NewDb(deps.DB, "postgres")
		timerStore = timerstore.NewPostgresStore(sqlxDB)
	} else {
		timerStore = timers.NewMemoryStore()
	}

	tm := timers.New(timerStore, func(ctx context.Context, job model.TimerJob) error {
		return sv.FireTimer(ctx, job)
	}, timers.Config{
		Holder:          fmt.Sprintf("worker-%d", time.Now().UnixNano()%1000),
		PollInterval:    time.Duration(cfg.Engine.TimerPollIntervalMS) * time.Millisecond,
		LeaseTTL:        time.Duration(cfg.Engine.TimerLeaseTTLMS) * time.Millisecond,
		ClaimBatchLimit: 50,
	}, log)

	var scriptFn executor.Script
	if cfg.Engine.ScriptTasksEnabled {
		scriptFn = sandbox.New(0, log).Run
	}
	ex := executor.New(g, vs, reg, evr, cfg.Engine.ScriptTasksEnabled, scriptFn, log)

	var auditSink audit.Sink
	if sqlxDB != nil {
		auditSink = audit.NewPostgresSink(sqlxDB)
	} else if deps.AuditFilePath != "" {
		fileSink, err := audit.NewFileSink(deps.AuditFilePath)
		if err != nil {
			return nil, fmt.Errorf("open audit file sink: %w", err)
		}
		auditSink = fileSink
	}
	auditHub := audit.NewHub(200, auditSink, log)
	ex.SetAuditSink(auditHub)

	sv = supervisor.New(ex, vs, evr, tm, log)
	if addr := cfg.Engine.RedisInstanceLockAddr; addr != "" {
		sv.SetLocker(supervisor.NewRedisLocker(addr, time.Duration(cfg.Engine.TimerLeaseTTLMS)*time.Millisecond))
	}

	var authMgr *auth.Manager
	if len(cfg.Auth.Tokens) > 0 || cfg.Auth.JWTSecret != "" {
		authMgr = auth.New(cfg.Auth)
	}

	resourceReporter := system.NewResourceReporter(15*time.Second, log)

	for _, svc := range []system.Service{sv, tm, resourceReporter} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	tracer := tracing.New(cfg.Tracing.ServiceName, cfg.Tracing.ResourceAttributes, log)

	descriptors := manager.Descriptors()
	descriptors = append(descriptors, reg.Descriptor())
	descriptors = append(descriptors, core.Descriptor{
		Name: "httpapi", Domain: "bpmn", Layer: core.LayerIngress, Capabilities: []string{"control-api"},
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSvc := httpapi.NewService(httpapi.Config{
		Addr:        addr,
		Engine:      sv,
		AuthMgr:     authMgr,
		AuditHub:    auditHub,
		Descriptors: descriptors,
		Tracer:      tracer,
		Log:         log,
	})
	if err := manager.Register(httpSvc); err != nil {
		return nil, fmt.Errorf("register httpapi: %w", err)
	}

	return &Application{
		manager:    manager,
		log:        log,
		Supervisor: sv,
		Handlers:   reg,
		AuditHub:   auditHub,
		AuthMgr:    authMgr,
		HTTPAPI:    httpSvc,
	}, nil
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all registered services in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Descriptors returns advertised service descriptors for introspection.
func (a *Application) Descriptors() []core.Descriptor {
	return a.manager.Descriptors()
}
