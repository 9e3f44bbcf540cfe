package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"deploygate/internal/failure"
)

// ErrIllegalTransition is returned when a requested state change is not
// an edge of the state machine or lost a concurrent race.
type ErrIllegalTransition struct {
	ID   string
	From State
	To   State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("deployment %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// Store persists deployment records in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the store and its schema on an open database handle.
func NewStore(db *sql.DB) (*Store, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS deployments (
			id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			environment TEXT NOT NULL,
			version TEXT NOT NULL,
			recipe_id TEXT NOT NULL,
			recipe_revision INTEGER NOT NULL,
			group_id TEXT NOT NULL,
			state TEXT NOT NULL,
			kind TEXT NOT NULL,
			outcome TEXT,
			rollback_of TEXT,
			summary TEXT NOT NULL,
			failures TEXT NOT NULL DEFAULT '[]',
			engine_ref TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployments table: %w", err)
	}
	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_deployments_group_created
		ON deployments(group_id, created_at DESC)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployments index: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a new record. CreatedAt/UpdatedAt are set here.
func (s *Store) Create(ctx context.Context, r *Record) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	failuresJSON, err := json.Marshal(r.Failures)
	if err != nil {
		return fmt.Errorf("failed to encode failures: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments
		(id, service, environment, version, recipe_id, recipe_revision, group_id,
		 state, kind, outcome, rollback_of, summary, failures, engine_ref,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Service, r.Environment, r.Version, r.RecipeID, r.RecipeRevision,
		r.GroupID, r.State, r.Kind, r.Outcome, r.RollbackOf, r.Summary,
		string(failuresJSON), r.EngineRef,
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert deployment record: %w", err)
	}
	return nil
}

// Get returns a record by id, or nil if no such record exists.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment: %w", err)
	}
	return r, nil
}

// Transition moves a record along a legal state-machine edge. The
// update is conditional on the expected current state so concurrent
// drivers (poller, callback, reaper) cannot double-apply.
func (s *Store) Transition(ctx context.Context, id string, from, to State) error {
	if !CanTransition(from, to) {
		return &ErrIllegalTransition{ID: id, From: from, To: to}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, to, time.Now().UTC().Format(time.RFC3339), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return &ErrIllegalTransition{ID: id, From: from, To: to}
	}
	return nil
}

// ForceFail moves a non-terminal record straight to FAILED regardless of
// its current state. This is the reaper's safety valve for deployments
// stuck without terminal confirmation; it must never touch a terminal row.
func (s *Store) ForceFail(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET state = ?, outcome = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?, ?)
	`, StateFailed, OutcomeFailed, time.Now().UTC().Format(time.RFC3339),
		id, StatePending, StateInProgress, StateActive)
	if err != nil {
		return false, fmt.Errorf("failed to force-fail deployment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetOutcome records the final disposition of a record.
func (s *Store) SetOutcome(ctx context.Context, id string, outcome Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET outcome = ?, updated_at = ? WHERE id = ?
	`, outcome, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to set deployment outcome: %w", err)
	}
	return nil
}

// SetEngineRef stores the engine's opaque execution reference.
func (s *Store) SetEngineRef(ctx context.Context, id, ref string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET engine_ref = ?, updated_at = ? WHERE id = ?
	`, ref, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to set engine ref: %w", err)
	}
	return nil
}

// AppendFailure adds a normalized failure to the record's list.
func (s *Store) AppendFailure(ctx context.Context, id string, f failure.Failure) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("deployment %s not found", id)
	}
	updated, err := json.Marshal(append(r.Failures, f))
	if err != nil {
		return fmt.Errorf("failed to encode failures: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE deployments SET failures = ?, updated_at = ? WHERE id = ?
	`, string(updated), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to append failure: %w", err)
	}
	return nil
}

// MarkSuperseded flips prior successful records of the same service and
// environment to outcome SUPERSEDED when a newer deployment succeeds.
func (s *Store) MarkSuperseded(ctx context.Context, service, environment, exceptID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET outcome = ?, updated_at = ?
		WHERE service = ? AND environment = ? AND id != ?
		  AND state = ? AND outcome = ?
	`, OutcomeSuperseded, time.Now().UTC().Format(time.RFC3339),
		service, environment, exceptID, StateSucceeded, OutcomeSucceeded)
	if err != nil {
		return fmt.Errorf("failed to mark superseded deployments: %w", err)
	}
	return nil
}

// NonTerminal returns all records still holding a concurrency token.
// Used at startup to re-seed locks and by the reaper to find stuck rows.
func (s *Store) NonTerminal(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+`
		WHERE state IN (?, ?, ?) ORDER BY created_at
	`, StatePending, StateInProgress, StateActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal deployments: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// RecentByGroup returns the newest records for a delivery group.
func (s *Store) RecentByGroup(ctx context.Context, groupID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+`
		WHERE group_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
	`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query group deployments: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// FindByEngineRef resolves an engine execution reference back to its
// record, or nil when unknown. Drives the engine callback endpoint.
func (s *Store) FindByEngineRef(ctx context.Context, ref string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE engine_ref = ?`, ref)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment by engine ref: %w", err)
	}
	return r, nil
}

const selectCols = `
	SELECT id, service, environment, version, recipe_id, recipe_revision,
	       group_id, state, kind, outcome, rollback_of, summary, failures,
	       engine_ref, created_at, updated_at
	FROM deployments`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var r Record
	var outcome, rollbackOf, engineRef sql.NullString
	var failuresJSON, createdAt, updatedAt string

	err := sc.Scan(
		&r.ID, &r.Service, &r.Environment, &r.Version, &r.RecipeID,
		&r.RecipeRevision, &r.GroupID, &r.State, &r.Kind, &outcome,
		&rollbackOf, &r.Summary, &failuresJSON, &engineRef,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if outcome.Valid {
		o := Outcome(outcome.String)
		r.Outcome = &o
	}
	if rollbackOf.Valid {
		r.RollbackOf = &rollbackOf.String
	}
	if engineRef.Valid {
		r.EngineRef = &engineRef.String
	}
	if err := json.Unmarshal([]byte(failuresJSON), &r.Failures); err != nil {
		return nil, fmt.Errorf("failed to decode failures: %w", err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &r, nil
}

func collect(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
