package record

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Build is a published artifact version registered for a service.
// Deployment intents may only reference versions present here.
type Build struct {
	Service      string
	Version      string
	Digest       string
	RegisteredBy string
	CreatedAt    time.Time
}

// ErrBuildConflict is returned when a (service, version) pair is
// re-registered with a different artifact digest.
type ErrBuildConflict struct {
	Service string
	Version string
}

func (e *ErrBuildConflict) Error() string {
	return fmt.Sprintf("build %s@%s already registered with a different digest", e.Service, e.Version)
}

// BuildRegistry persists registered builds in SQLite.
type BuildRegistry struct {
	db *sql.DB
}

// NewBuildRegistry creates the registry and its schema.
func NewBuildRegistry(db *sql.DB) (*BuildRegistry, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS builds (
			service TEXT NOT NULL,
			version TEXT NOT NULL,
			digest TEXT NOT NULL,
			registered_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (service, version)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create builds table: %w", err)
	}
	return &BuildRegistry{db: db}, nil
}

// Register records a build. Registering the same (service, version) with
// the same digest is a no-op; a different digest is a conflict.
func (br *BuildRegistry) Register(ctx context.Context, b *Build) error {
	b.CreatedAt = time.Now().UTC()
	res, err := br.db.ExecContext(ctx, `
		INSERT INTO builds (service, version, digest, registered_by, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(service, version) DO NOTHING
	`, b.Service, b.Version, b.Digest, b.RegisteredBy, b.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to register build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var digest string
	err = br.db.QueryRowContext(ctx,
		`SELECT digest FROM builds WHERE service = ? AND version = ?`,
		b.Service, b.Version).Scan(&digest)
	if err != nil {
		return fmt.Errorf("failed to read existing build: %w", err)
	}
	if digest != b.Digest {
		return &ErrBuildConflict{Service: b.Service, Version: b.Version}
	}
	return nil
}

// Exists reports whether a version is registered for a service.
func (br *BuildRegistry) Exists(ctx context.Context, service, version string) (bool, error) {
	var one int
	err := br.db.QueryRowContext(ctx,
		`SELECT 1 FROM builds WHERE service = ? AND version = ?`,
		service, version).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query build: %w", err)
	}
	return true, nil
}
