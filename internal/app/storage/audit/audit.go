// Package audit durably persists C5 engine AuditEvents and fans them out to
// live subscribers of the Control API's /stream/audit endpoint. Grounded on
// the teacher's httpapi.auditLog/auditSink pair (internal/app/httpapi/audit.go):
// a bounded in-memory ring buffer in front of a pluggable, best-effort sink,
// generalized here from per-HTTP-request entries to engine model.AuditEvents
// and extended with a pub-sub fan-out for websocket streaming.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/model"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
)

// Sink durably persists a single audit event. Write is called synchronously
// from Hub.Write and must not block for long; implementations should apply
// their own timeout.
type Sink interface {
	Write(event model.AuditEvent) error
}

// Hub is the C5 audit trail sink: it keeps the most recent events in memory
// for late subscribers, forwards every event to an optional durable Sink,
// and broadcasts to any live /stream/audit subscribers. It satisfies the
// executor.AuditSink interface structurally.
type Hub struct {
	mu     sync.Mutex
	max    int
	recent []model.AuditEvent
	sink   Sink
	subs   map[chan model.AuditEvent]struct{}
	log    *logger.Logger
}

// NewHub builds a Hub retaining up to max recent events (0 defaults to 200).
// sink may be nil, in which case events are only kept in memory and
// broadcast live.
func NewHub(max int, sink Sink, log *logger.Logger) *Hub {
	if max <= 0 {
		max = 200
	}
	if log == nil {
		log = logger.NewDefault("audit")
	}
	return &Hub{max: max, sink: sink, log: log, subs: make(map[chan model.AuditEvent]struct{})}
}

// Write records event in the ring buffer, persists it via the sink
// (best-effort), and fans it out to every live subscriber.
func (h *Hub) Write(event model.AuditEvent) {
	h.mu.Lock()
	h.recent = append(h.recent, event)
	if len(h.recent) > h.max {
		h.recent = h.recent[len(h.recent)-h.max:]
	}
	subs := make([]chan model.AuditEvent, 0, len(h.subs))
	for ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	if h.sink != nil {
		if err := h.sink.Write(event); err != nil {
			h.log.WithField("error", err).Warn("audit sink write failed")
		}
	}

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// slow subscriber; drop rather than block the engine.
		}
	}
}

// Recent returns up to limit of the most recently written events, oldest
// first. limit<=0 or >max returns everything retained.
func (h *Hub) Recent(limit int) []model.AuditEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.recent
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]model.AuditEvent, limit)
	copy(out, all[len(all)-limit:])
	return out
}

// Subscribe registers a live feed of future audit events. Callers must
// invoke the returned cancel func to unregister and release the channel.
func (h *Hub) Subscribe() (<-chan model.AuditEvent, func()) {
	ch := make(chan model.AuditEvent, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// FileSink appends audit events as JSONL, grounded on the teacher's
// fileAuditSink.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens path for append, creating it if necessary. An empty
// path returns a nil sink (disabled), matching the teacher's behavior.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f}, nil
}

// Write implements Sink.
func (s *FileSink) Write(event model.AuditEvent) error {
	if s == nil || s.file == nil {
		return nil
	}
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.file.Write(append(b, '\n'))
	return err
}

// PostgresSink writes audit events to the audit_events table.
type PostgresSink struct {
	db *sqlx.DB
}

// NewPostgresSink wraps db for audit persistence. A nil db returns a nil
// sink (disabled).
func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	if db == nil {
		return nil
	}
	return &PostgresSink{db: db}
}

// Write implements Sink.
func (s *PostgresSink) Write(event model.AuditEvent) error {
	if s == nil || s.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, instance_id, node_id, event_type, actor, details, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.InstanceID, event.NodeID, event.EventType, event.Actor, detailsJSON, event.Timestamp)
	return err
}
