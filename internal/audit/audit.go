package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Decision is the verdict an event records.
type Decision string

const (
	DecisionAllow      Decision = "allow"
	DecisionDeny       Decision = "deny"
	DecisionTransition Decision = "transition"
)

// Event is one append-only audit record. Every policy decision (allow
// or deny) and every state transition produces exactly one event.
type Event struct {
	Time      time.Time
	RequestID string
	Actor     string
	Role      string
	Operation string
	Decision  Decision
	Code      string
	GroupID   string
	Service   string
	RecordID  string
	Detail    string
}

// Sink receives audit events. Emission must never fail a request, so
// implementations log errors instead of returning them.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// SQLiteSink appends events to SQLite and mirrors them to the logger.
type SQLiteSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSink creates the sink and its schema.
func NewSQLiteSink(db *sql.DB, logger *slog.Logger) (*SQLiteSink, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time TEXT NOT NULL,
			request_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			role TEXT NOT NULL,
			operation TEXT NOT NULL,
			decision TEXT NOT NULL,
			code TEXT NOT NULL,
			group_id TEXT NOT NULL,
			service TEXT NOT NULL,
			record_id TEXT NOT NULL,
			detail TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit_events table: %w", err)
	}
	return &SQLiteSink{db: db, logger: logger}, nil
}

// Record appends the event. Insert failures are logged, never surfaced:
// an audit outage must not turn into a policy outage.
func (s *SQLiteSink) Record(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	s.logger.Info("audit",
		"request_id", ev.RequestID,
		"actor", ev.Actor,
		"operation", ev.Operation,
		"decision", ev.Decision,
		"code", ev.Code,
		"group", ev.GroupID,
		"service", ev.Service,
		"record", ev.RecordID)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
		(time, request_id, actor, role, operation, decision, code,
		 group_id, service, record_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.Time.Format(time.RFC3339), ev.RequestID, ev.Actor, ev.Role,
		ev.Operation, ev.Decision, ev.Code, ev.GroupID, ev.Service,
		ev.RecordID, ev.Detail)
	if err != nil {
		s.logger.Error("failed to append audit event", "error", err)
	}
}

// Count returns the number of stored events. Used by tests; the query
// surface for audit data lives outside this engine.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n)
	return n, err
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}
