package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRecipeInUse is returned when a reload changes the engine mapping of
// a recipe that some delivery group's allowlist still references.
var ErrRecipeInUse = errors.New("engine mapping is immutable while the recipe is referenced by a delivery group")

// RevisionStore persists recipe revision counters so that mapping
// changes keep incrementing across process restarts.
type RevisionStore struct {
	db *sql.DB
}

// NewRevisionStore creates the store and its schema.
func NewRevisionStore(db *sql.DB) (*RevisionStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS recipe_revisions (
			recipe_id TEXT PRIMARY KEY,
			revision INTEGER NOT NULL,
			mapping_hash TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create recipe_revisions table: %w", err)
	}
	return &RevisionStore{db: db}, nil
}

// Resolve returns the revision for a recipe given its current mapping
// hash. A first sighting stores revision 1. An unchanged hash returns
// the stored revision. A changed hash increments the revision, unless
// the recipe is in use, in which case ErrRecipeInUse is returned and
// nothing is written.
func (rs *RevisionStore) Resolve(ctx context.Context, recipeID, mappingHash string, inUse bool) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var revision int
	var stored string
	err := rs.db.QueryRowContext(ctx,
		`SELECT revision, mapping_hash FROM recipe_revisions WHERE recipe_id = ?`,
		recipeID).Scan(&revision, &stored)

	switch {
	case err == sql.ErrNoRows:
		_, err = rs.db.ExecContext(ctx,
			`INSERT INTO recipe_revisions (recipe_id, revision, mapping_hash, updated_at) VALUES (?, 1, ?, ?)`,
			recipeID, mappingHash, now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert recipe revision: %w", err)
		}
		return 1, nil

	case err != nil:
		return 0, fmt.Errorf("failed to query recipe revision: %w", err)

	case stored == mappingHash:
		return revision, nil

	case inUse:
		return 0, ErrRecipeInUse

	default:
		revision++
		_, err = rs.db.ExecContext(ctx,
			`UPDATE recipe_revisions SET revision = ?, mapping_hash = ?, updated_at = ? WHERE recipe_id = ?`,
			revision, mappingHash, now, recipeID)
		if err != nil {
			return 0, fmt.Errorf("failed to update recipe revision: %w", err)
		}
		return revision, nil
	}
}
