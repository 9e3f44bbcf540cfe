package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Window is how long a key replays its original response.
const Window = 24 * time.Hour

// Disposition is the result of a reservation attempt.
type Disposition int

const (
	// Fresh means no live record exists; the key is now reserved and the
	// caller must Commit or Release it.
	Fresh Disposition = iota
	// Replay means an identical request already completed; the stored
	// response must be returned without re-executing side effects.
	Replay
	// InFlight means an identical request holds the reservation but has
	// not completed yet.
	InFlight
	// Conflict means the key was reused for a materially different body.
	Conflict
)

// Result carries the stored response for Replay dispositions.
type Result struct {
	Disposition Disposition
	Status      int
	Body        []byte
}

const (
	statusPending   = "pending"
	statusCommitted = "committed"
)

// Ledger records client-supplied idempotency keys for exactly-once
// semantics within the window. Reservation is two-phase: CheckAndReserve
// claims the key, Commit stores the response, Release frees the key when
// the request fails mid-flight for unrelated reasons.
type Ledger struct {
	db *sql.DB
}

// NewLedger creates the ledger and its schema on an open database handle.
func NewLedger(db *sql.DB) (*Ledger, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			response_status INTEGER,
			response_body BLOB,
			created_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotency_keys table: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Fingerprint hashes a request body after JSON normalization, so
// semantically identical bodies with different whitespace match.
func Fingerprint(body []byte) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err == nil {
		body = compact.Bytes()
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CheckAndReserve atomically claims the key or classifies the duplicate.
//
// The insert races on the primary key; with SQLite's single writer
// exactly one concurrent caller observes Fresh. Expired rows are treated
// as absent and deleted on sight, never served as Replay.
func (l *Ledger) CheckAndReserve(ctx context.Context, key, fingerprint string) (*Result, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-Window).Format(time.RFC3339)

	// Lazy expiry: a dead row must not block re-reservation.
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = ? AND created_at < ?`,
		key, cutoff); err != nil {
		return nil, fmt.Errorf("failed to expire idempotency key: %w", err)
	}

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, fingerprint, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, fingerprint, statusPending, now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return &Result{Disposition: Fresh}, nil
	}

	var storedFP, status string
	var respStatus sql.NullInt64
	var respBody []byte
	err = l.db.QueryRowContext(ctx, `
		SELECT fingerprint, status, response_status, response_body
		FROM idempotency_keys WHERE key = ?
	`, key).Scan(&storedFP, &status, &respStatus, &respBody)
	if err == sql.ErrNoRows {
		// Row vanished between insert and read (concurrent release);
		// treat as a conflict and let the client retry.
		return &Result{Disposition: InFlight}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency key: %w", err)
	}

	if storedFP != fingerprint {
		return &Result{Disposition: Conflict}, nil
	}
	if status == statusCommitted {
		return &Result{
			Disposition: Replay,
			Status:      int(respStatus.Int64),
			Body:        respBody,
		}, nil
	}
	return &Result{Disposition: InFlight}, nil
}

// Commit completes a reservation with the exact response to replay.
func (l *Ledger) Commit(ctx context.Context, key string, status int, body []byte) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = ?, response_status = ?, response_body = ?
		WHERE key = ? AND status = ?
	`, statusCommitted, status, body, key, statusPending)
	if err != nil {
		return fmt.Errorf("failed to commit idempotency key: %w", err)
	}
	return nil
}

// Release frees a pending reservation so the key may be retried. A
// committed record is never released this way.
func (l *Ledger) Release(ctx context.Context, key string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = ? AND status = ?`,
		key, statusPending)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Sweep deletes entries past the window. Scheduled by maintenance; lazy
// expiry in CheckAndReserve keeps correctness even if the sweep lags.
func (l *Ledger) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-Window).Format(time.RFC3339)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
