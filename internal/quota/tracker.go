package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Kind names a daily counter. Deploy and rollback counters are scoped
// to a delivery group; build and upload counters to a client identity.
type Kind string

const (
	KindDeploy           Kind = "deploy"
	KindRollback         Kind = "rollback"
	KindBuildRegister    Kind = "build_register"
	KindUploadCapability Kind = "upload_capability"
)

// ErrExceeded is returned when a counter is at its limit. The counter is
// not incremented past the limit.
type ErrExceeded struct {
	Scope string
	Kind  Kind
	Limit int
}

func (e *ErrExceeded) Error() string {
	return fmt.Sprintf("daily %s quota of %d exhausted for %s", e.Kind, e.Limit, e.Scope)
}

// Tracker maintains per-scope daily counters. The day boundary is the
// UTC calendar day: the boundary is a key change, so no reset job runs.
type Tracker struct {
	db *sql.DB
}

// NewTracker creates the tracker and its schema on an open database handle.
func NewTracker(db *sql.DB) (*Tracker, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS quota_counters (
			scope TEXT NOT NULL,
			kind TEXT NOT NULL,
			day TEXT NOT NULL,
			used INTEGER NOT NULL,
			PRIMARY KEY (scope, kind, day)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota_counters table: %w", err)
	}
	return &Tracker{db: db}, nil
}

// DayKey formats the UTC calendar day a moment belongs to.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CheckAndIncrement consumes one unit of today's counter if the limit
// allows, returning the remaining allowance. At the limit it returns
// ErrExceeded and leaves the counter untouched.
//
// The check and increment are one conditional write, so two concurrent
// callers at limit-1 cannot both succeed.
func (t *Tracker) CheckAndIncrement(ctx context.Context, scope string, kind Kind, limit int) (int, error) {
	return t.checkAndIncrementAt(ctx, scope, kind, limit, time.Now())
}

func (t *Tracker) checkAndIncrementAt(ctx context.Context, scope string, kind Kind, limit int, now time.Time) (int, error) {
	if limit <= 0 {
		return 0, &ErrExceeded{Scope: scope, Kind: kind, Limit: limit}
	}
	day := DayKey(now)

	var used int
	err := t.db.QueryRowContext(ctx, `
		INSERT INTO quota_counters (scope, kind, day, used) VALUES (?, ?, ?, 1)
		ON CONFLICT(scope, kind, day) DO UPDATE SET used = used + 1
			WHERE used < ?
		RETURNING used
	`, scope, kind, day, limit).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, &ErrExceeded{Scope: scope, Kind: kind, Limit: limit}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment quota counter: %w", err)
	}
	return limit - used, nil
}

// Refund returns one unit to today's counter. Used when an admission
// gate past the quota check denies the request, so the denied attempt
// does not burn allowance.
func (t *Tracker) Refund(ctx context.Context, scope string, kind Kind) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE quota_counters SET used = used - 1
		WHERE scope = ? AND kind = ? AND day = ? AND used > 0
	`, scope, kind, DayKey(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to refund quota counter: %w", err)
	}
	return nil
}

// Used reports today's consumption for a counter.
func (t *Tracker) Used(ctx context.Context, scope string, kind Kind) (int, error) {
	var used int
	err := t.db.QueryRowContext(ctx,
		`SELECT used FROM quota_counters WHERE scope = ? AND kind = ? AND day = ?`,
		scope, kind, DayKey(time.Now())).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query quota counter: %w", err)
	}
	return used, nil
}
