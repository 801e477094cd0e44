package timer

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewPostgresStore(sqlxDB), mock, func() { db.Close() }
}

func TestScheduleInsertsRow(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	job := model.TimerJob{ID: "t1", InstanceID: "i1", TokenID: "tok1", NodeID: "n1", DueAt: time.Now()}
	mock.ExpectExec("INSERT INTO timer_jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Schedule(job); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimDueClaimsAndUpdatesRows(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "instance_id", "token_id", "node_id", "due_at", "lease_holder", "lease_expires_at", "attempts", "status"}).
		AddRow("t1", "i1", "tok1", "n1", now.Add(-time.Minute), "", nil, 0, string(model.TimerDuePending))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, instance_id").WillReturnRows(rows)
	mock.ExpectExec("UPDATE timer_jobs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := store.ClaimDue(context.Background(), now, "worker-1", 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "t1" {
		t.Fatalf("unexpected claimed jobs: %+v", claimed)
	}
	if claimed[0].LeaseHolder != "worker-1" {
		t.Fatalf("expected lease holder set, got %+v", claimed[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkFiredNotFound(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectExec("UPDATE timer_jobs SET status").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.MarkFired("missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestCancelUpdatesStatus(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectExec("UPDATE timer_jobs SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Cancel("t1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}
