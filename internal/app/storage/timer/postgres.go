// Package timer provides a Postgres-backed implementation of
// timers.Store, grounded on the teacher's automation.PostgresStore
// (packages/com.r3e.services.automation/store_postgres.go) for the
// plain *sql.DB/ExecContext/RowsAffected idiom, using sqlx for row
// scanning into model.TimerJob. The lease claim uses
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent pollers never double-claim
// the same row.
package timer

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/internal/engine/enginerr"
)

// PostgresStore implements timers.Store against the timer_jobs table.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps db for durable timer-job persistence.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type timerRow struct {
	ID             string       `db:"id"`
	InstanceID     string       `db:"instance_id"`
	TokenID        string       `db:"token_id"`
	NodeID         string       `db:"node_id"`
	DueAt          time.Time    `db:"due_at"`
	LeaseHolder    string       `db:"lease_holder"`
	LeaseExpiresAt sql.NullTime `db:"lease_expires_at"`
	Attempts       int          `db:"attempts"`
	Status         string       `db:"status"`
}

func (r timerRow) toModel() model.TimerJob {
	job := model.TimerJob{
		ID:          r.ID,
		InstanceID:  r.InstanceID,
		TokenID:     r.TokenID,
		NodeID:      r.NodeID,
		DueAt:       r.DueAt,
		LeaseHolder: r.LeaseHolder,
		Attempts:    r.Attempts,
		Status:      model.TimerStatus(r.Status),
	}
	if r.LeaseExpiresAt.Valid {
		job.LeaseExpiresAt = r.LeaseExpiresAt.Time
	}
	return job
}

// Schedule implements timers.Store.
func (s *PostgresStore) Schedule(job model.TimerJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timer_jobs (id, instance_id, token_id, node_id, due_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.InstanceID, job.TokenID, job.NodeID, job.DueAt, model.TimerDuePending)
	return err
}

// ClaimDue implements timers.Store using a transactional SELECT ... FOR
// UPDATE SKIP LOCKED followed by a per-row UPDATE, so multiple worker
// processes racing the same poll interval never claim the same job twice.
func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, holder string, leaseTTL time.Duration, limit int) ([]model.TimerJob, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, enginerr.New(enginerr.StoreError, "timer.ClaimDue", err)
	}
	defer tx.Rollback()

	var rows []timerRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT id, instance_id, token_id, node_id, due_at, lease_holder, lease_expires_at, attempts, status
		FROM timer_jobs
		WHERE status IN ($1, $2)
		  AND due_at <= $3
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
		ORDER BY due_at
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, model.TimerDuePending, model.TimerLeased, now, limit)
	if err != nil {
		return nil, enginerr.New(enginerr.StoreError, "timer.ClaimDue", err)
	}

	claimed := make([]model.TimerJob, 0, len(rows))
	for _, r := range rows {
		leaseExpiresAt := now.Add(leaseTTL)
		result, err := tx.ExecContext(ctx, `
			UPDATE timer_jobs
			SET status = $1, lease_holder = $2, lease_expires_at = $3, attempts = attempts + 1
			WHERE id = $4 AND (lease_expires_at IS NULL OR lease_expires_at <= $5)
		`, model.TimerLeased, holder, leaseExpiresAt, r.ID, now)
		if err != nil {
			return nil, enginerr.New(enginerr.StoreError, "timer.ClaimDue", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue
		}
		job := r.toModel()
		job.Status = model.TimerLeased
		job.LeaseHolder = holder
		job.LeaseExpiresAt = leaseExpiresAt
		job.Attempts++
		claimed = append(claimed, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, enginerr.New(enginerr.StoreError, "timer.ClaimDue", err)
	}
	return claimed, nil
}

// MarkFired implements timers.Store.
func (s *PostgresStore) MarkFired(jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `UPDATE timer_jobs SET status = $1 WHERE id = $2`, model.TimerFired, jobID)
	if err != nil {
		return enginerr.New(enginerr.StoreError, "timer.MarkFired", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return enginerr.Newf(enginerr.NotFound, "timer.MarkFired", "job %q not found", jobID)
	}
	return nil
}

// Cancel implements timers.Store.
func (s *PostgresStore) Cancel(jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := s.db.ExecContext(ctx, `UPDATE timer_jobs SET status = $1 WHERE id = $2`, model.TimerCancelled, jobID)
	if err != nil {
		return enginerr.New(enginerr.StoreError, "timer.Cancel", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return enginerr.Newf(enginerr.NotFound, "timer.Cancel", "job %q not found", jobID)
	}
	return nil
}
