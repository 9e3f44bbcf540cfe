package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// Store holds the live configuration snapshot and the runtime kill
// switch override. All readers see a consistent snapshot for the
// duration of a request; a failed reload keeps the previous snapshot.
type Store struct {
	path   string
	revs   *RevisionStore
	logger *slog.Logger

	snap atomic.Pointer[Snapshot]

	// killOverride: 0 follow config, 1 forced on, -1 forced off.
	// Set by the admin kill-switch endpoint, cleared on restart.
	killOverride atomic.Int32
}

// NewStore loads the file at path and returns a store serving it.
// revs may be nil (the validate CLI path), in which case all recipe
// revisions resolve to 1 and nothing is persisted.
func NewStore(ctx context.Context, path string, revs *RevisionStore, logger *slog.Logger) (*Store, error) {
	s := &Store{path: path, revs: revs, logger: logger}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads and re-validates the config file, swapping in the new
// snapshot atomically. On any error the previous snapshot stays live.
func (s *Store) Reload(ctx context.Context) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return err
	}
	snap, err := f.Resolve(ctx, s.revs)
	if err != nil {
		return err
	}
	s.snap.Store(snap)
	if s.logger != nil {
		s.logger.Info("configuration loaded",
			"path", s.path,
			"groups", len(snap.Groups),
			"recipes", len(snap.Recipes),
			"kill_switch", snap.KillSwitch)
	}
	return nil
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// KillSwitchActive reports the effective kill switch state: the admin
// override when set, otherwise the config file value.
func (s *Store) KillSwitchActive() bool {
	switch s.killOverride.Load() {
	case 1:
		return true
	case -1:
		return false
	default:
		return s.Snapshot().KillSwitch
	}
}

// SetKillSwitch forces the kill switch on or off until the next restart
// or ClearKillSwitchOverride call.
func (s *Store) SetKillSwitch(on bool) {
	if on {
		s.killOverride.Store(1)
	} else {
		s.killOverride.Store(-1)
	}
}

// ClearKillSwitchOverride returns kill switch control to the config file.
func (s *Store) ClearKillSwitchOverride() {
	s.killOverride.Store(0)
}

// RateCeiling reports the current requests-per-minute ceiling for a
// request class. Wired into the rate limiter so ceiling edits in the
// config file apply without a restart.
func (s *Store) RateCeiling(mutate bool) int {
	snap := s.Snapshot()
	if mutate {
		return snap.MutateRPM
	}
	return snap.ReadRPM
}
