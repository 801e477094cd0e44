package audit

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
)

func sampleEvent() model.AuditEvent {
	return model.AuditEvent{
		ID:         "audit:1",
		InstanceID: "inst-1",
		NodeID:     "node-1",
		EventType:  "TAKE",
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Actor:      "executor",
		Details:    map[string]string{"source": "a", "target": "b"},
	}
}

func TestHubRetainsRecentEvents(t *testing.T) {
	h := NewHub(2, nil, nil)
	h.Write(sampleEvent())
	e2 := sampleEvent()
	e2.ID = "audit:2"
	h.Write(e2)
	e3 := sampleEvent()
	e3.ID = "audit:3"
	h.Write(e3)

	recent := h.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("expected ring buffer capped at 2, got %d", len(recent))
	}
	if recent[0].ID != "audit:2" || recent[1].ID != "audit:3" {
		t.Fatalf("unexpected retained events: %+v", recent)
	}
}

func TestHubBroadcastsToSubscribers(t *testing.T) {
	h := NewHub(10, nil, nil)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Write(sampleEvent())

	select {
	case got := <-ch:
		if got.ID != "audit:1" {
			t.Fatalf("unexpected event id %q", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestHubWritesThroughSink(t *testing.T) {
	var written []model.AuditEvent
	sink := sinkFunc(func(e model.AuditEvent) error {
		written = append(written, e)
		return nil
	})
	h := NewHub(10, sink, nil)
	h.Write(sampleEvent())

	if len(written) != 1 || written[0].ID != "audit:1" {
		t.Fatalf("expected sink to receive the event, got %+v", written)
	}
}

type sinkFunc func(model.AuditEvent) error

func (f sinkFunc) Write(e model.AuditEvent) error { return f(e) }

func TestPostgresSinkInsertsRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")

	mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(0, 1))

	sink := NewPostgresSink(sqlxDB)
	if err := sink.Write(sampleEvent()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestNewPostgresSinkNilDBDisabled(t *testing.T) {
	if sink := NewPostgresSink(nil); sink != nil {
		t.Fatalf("expected nil sink for nil db")
	}
}

func TestNewFileSinkEmptyPathDisabled(t *testing.T) {
	sink, err := NewFileSink("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink != nil {
		t.Fatalf("expected nil sink for empty path")
	}
}
