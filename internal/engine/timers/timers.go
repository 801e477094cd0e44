// Package timers implements C8: due-timer polling with lease-based
// compare-and-set claiming, so multiple workers racing the same due job fire
// it at most once. Grounded on the teacher's automation.Scheduler ticker
// loop (internal/app/services/automation/scheduler.go) for the Start/Stop
// goroutine-with-WaitGroup shape, generalized from a fixed dispatch interval
// to a robfig/cron schedule and backed by a pluggable Store so the same
// poller drives either the in-memory MemoryStore or Postgres (see
// PostgresStore in internal/app/storage/timer).
package timers

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/r3e-network/bpmn-graph-engine/internal/app/core/service"
	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
	"github.com/r3e-network/bpmn-graph-engine/pkg/metrics"
)

// Store is the persistence seam for TimerJob rows. The default in-memory
// implementation lives in this package; a Postgres-backed implementation
// satisfying the same interface lives in internal/app/storage/timer.
type Store interface {
	// Schedule inserts a new DUE_PENDING job.
	Schedule(job model.TimerJob) error
	// ClaimDue atomically claims up to limit jobs whose DueAt has passed and
	// whose lease is not currently held, setting LeaseHolder/LeaseExpiresAt.
	// Implementations MUST use a compare-and-set so that concurrent callers
	// never both succeed for the same job.
	ClaimDue(ctx context.Context, now time.Time, holder string, leaseTTL time.Duration, limit int) ([]model.TimerJob, error)
	// MarkFired transitions a claimed job to FIRED.
	MarkFired(jobID string) error
	// Cancel transitions a pending/leased job to CANCELLED.
	Cancel(jobID string) error
}

// Fire is invoked once per successfully claimed job.
type Fire func(ctx context.Context, job model.TimerJob) error

// Service is the C8 Timer Service.
type Service struct {
	store Store
	fire Fire
	holder string
	leaseTTL time.Duration
	pollInterval time.Duration
	pollLimit int
	log *logger.Logger
	cronSched *cron.Cron
	entryID cron.EntryID
	wg sync.WaitGroup
	cancelPoll context.CancelFunc
}

// Config configures the Service's polling cadence and lease policy.
type Config struct {
	Holder string
	PollInterval time.Duration
	LeaseTTL time.Duration
	ClaimBatchLimit int
}

// New builds a Service. A nil logger defaults to logger.NewDefault.
func New(store Store, fire Fire, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("timers")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.ClaimBatchLimit <= 0 {
		cfg.ClaimBatchLimit = 50
	}
	return &Service{
		store: store,
		fire: fire,
		holder: cfg.Holder,
		leaseTTL: cfg.LeaseTTL,
		pollInterval: cfg.PollInterval,
		pollLimit: cfg.ClaimBatchLimit,
		log: log,
		cronSched: cron.New(cron.WithSeconds()),
	}
}

// Descriptor advertises this component's placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{Name: "timers", Domain: "bpmn", Layer: core.LayerEngine, Capabilities: []string{"due-timer-poll"}}
}

// Name implements system.Service.
func (s *Service) Name() string { return "timer-service" }

// Start registers a cron entry that polls for due timers every interval and
// begins the scheduler.
func (s *Service) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	s.cancelPoll = cancel

	spec := everySpec(s.pollInterval)
	id, err := s.cronSched.AddFunc(spec, func() { s.pollOnce(pollCtx) })
	if err != nil {
		return enginerr.New(enginerr.BadDefinition, "timers.Start", err)
	}
	s.entryID = id
	s.cronSched.Start()
	return nil
}

// Stop halts the cron scheduler and waits for in-flight poll ticks to drain.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancelPoll != nil {
		s.cancelPoll()
	}
	stopCtx := s.cronSched.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	s.wg.Wait()
	return nil
}

func everySpec(d time.Duration) string {
	if d <= 0 {
		d = time.Second
	}
	return "@every " + d.String()
}

// Schedule inserts a new due-timer job directly, bypassing the poll cycle;
// used by the supervisor when parking a token at a timer catch event or
// boundary.
func (s *Service) Schedule(job model.TimerJob) error {
	return s.store.Schedule(job)
}

// CancelJob cancels a previously scheduled job. The supervisor does not call
// it, so a boundary timer stays scheduled after its host activity completes.
func (s *Service) CancelJob(jobID string) error {
	return s.store.Cancel(jobID)
}

// RunDue claims and fires one batch of due jobs synchronously, returning the
// number fired. This is also the implementation behind the Control API's
// "run_due_timers" operation used for deterministic testing.
func (s *Service) RunDue(ctx context.Context) (int, error) {
	return s.pollOnceCounted(ctx)
}

func (s *Service) pollOnce(ctx context.Context) {
	if _, err := s.pollOnceCounted(ctx); err != nil {
		s.log.WithField("error", err).Warn("timer poll failed")
	}
}

func (s *Service) pollOnceCounted(ctx context.Context) (int, error) {
	jobs, err := s.store.ClaimDue(ctx, time.Now().UTC(), s.holder, s.leaseTTL, s.pollLimit)
	if err != nil {
		return 0, enginerr.New(enginerr.StoreError, "timers.pollOnce", err)
	}
	fired := 0
	for _, job := range jobs {
		s.wg.Add(1)
		go func(j model.TimerJob) {
			defer s.wg.Done()
			if fireErr := s.fire(ctx, j); fireErr != nil {
				metrics.RecordTimerFire("error")
				s.log.WithField("timer_id", j.ID).WithField("error", fireErr).Warn("timer fire handler failed")
				return
			}
			if markErr := s.store.MarkFired(j.ID); markErr != nil {
				s.log.WithField("timer_id", j.ID).WithField("error", markErr).Warn("timer mark-fired failed")
				return
			}
			metrics.RecordTimerFire("success")
		}(job)
		fired++
	}
	return fired, nil
}

// MemoryStore is the in-process Store implementation, used by default and by
// tests; grounded on the same sync.RWMutex-guarded slice-of-rows discipline
// as internal/app/storage/memory.go.
type MemoryStore struct {
	mu sync.Mutex
	jobs map[string]model.TimerJob
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]model.TimerJob)}
}

func (m *MemoryStore) Schedule(job model.TimerJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Status = model.TimerDuePending
	m.jobs[job.ID] = job
	return nil
}

// ClaimDue performs the compare-and-set under the store's single mutex: the
// equivalent, for an in-memory store, of the Postgres
// `UPDATE... WHERE lease_expires_at < now() RETURNING *` pattern.
func (m *MemoryStore) ClaimDue(_ context.Context, now time.Time, holder string, leaseTTL time.Duration, limit int) ([]model.TimerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []model.TimerJob
	for id, job := range m.jobs {
		if len(claimed) >= limit {
			break
		}
		if job.Status == model.TimerFired || job.Status == model.TimerCancelled {
			continue
		}
		if job.DueAt.After(now) {
			continue
		}
		if job.ActiveLease(now) {
			continue
		}
		job.Status = model.TimerLeased
		job.LeaseHolder = holder
		job.LeaseExpiresAt = now.Add(leaseTTL)
		job.Attempts++
		m.jobs[id] = job
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (m *MemoryStore) MarkFired(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return enginerr.Newf(enginerr.NotFound, "timers.MarkFired", "job %q not found", jobID)
	}
	job.Status = model.TimerFired
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return enginerr.Newf(enginerr.NotFound, "timers.Cancel", "job %q not found", jobID)
	}
	job.Status = model.TimerCancelled
	m.jobs[jobID] = job
	return nil
}
