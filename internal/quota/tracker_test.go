package quota

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testTracker(t *testing.T) *Tracker {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	tr, err := NewTracker(db)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	return tr
}

func TestTracker_ExactlyNAdmissions(t *testing.T) {
	tr := testTracker(t)
	ctx := context.Background()
	const limit = 3

	for i := 0; i < limit; i++ {
		remaining, err := tr.CheckAndIncrement(ctx, "payments", KindDeploy, limit)
		if err != nil {
			t.Fatalf("attempt %d failed: %v", i+1, err)
		}
		if remaining != limit-i-1 {
			t.Errorf("attempt %d remaining = %d, want %d", i+1, remaining, limit-i-1)
		}
	}

	// The (N+1)th attempt fails and does not increment.
	if _, err := tr.CheckAndIncrement(ctx, "payments", KindDeploy, limit); err == nil {
		t.Fatal("attempt past quota should fail")
	} else if _, ok := err.(*ErrExceeded); !ok {
		t.Fatalf("error type = %T, want *ErrExceeded", err)
	}

	used, err := tr.Used(ctx, "payments", KindDeploy)
	if err != nil || used != limit {
		t.Errorf("used = (%d, %v), want exactly %d (no overshoot)", used, err, limit)
	}
}

func TestTracker_NoOvershootUnderRace(t *testing.T) {
	tr := testTracker(t)
	ctx := context.Background()
	const limit = 5

	var successes int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.CheckAndIncrement(ctx, "payments", KindDeploy, limit); err == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != limit {
		t.Errorf("%d concurrent admissions succeeded, want exactly %d", successes, limit)
	}
	used, _ := tr.Used(ctx, "payments", KindDeploy)
	if used != limit {
		t.Errorf("counter = %d, want %d", used, limit)
	}
}

func TestTracker_ScopesIndependent(t *testing.T) {
	tr := testTracker(t)
	ctx := context.Background()

	if _, err := tr.CheckAndIncrement(ctx, "payments", KindDeploy, 1); err != nil {
		t.Fatalf("payments deploy failed: %v", err)
	}
	if _, err := tr.CheckAndIncrement(ctx, "payments", KindDeploy, 1); err == nil {
		t.Fatal("payments deploy should be exhausted")
	}

	// A different scope and a different kind each keep their own counter.
	if _, err := tr.CheckAndIncrement(ctx, "search", KindDeploy, 1); err != nil {
		t.Errorf("search deploy should be unaffected: %v", err)
	}
	if _, err := tr.CheckAndIncrement(ctx, "payments", KindRollback, 1); err != nil {
		t.Errorf("payments rollback should be unaffected: %v", err)
	}
}

func TestTracker_DayBoundaryIsKeyChange(t *testing.T) {
	tr := testTracker(t)
	ctx := context.Background()

	lateNight := time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC)
	pastMidnight := time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC)

	if _, err := tr.checkAndIncrementAt(ctx, "payments", KindDeploy, 1, lateNight); err != nil {
		t.Fatalf("23:59:59 attempt failed: %v", err)
	}
	if _, err := tr.checkAndIncrementAt(ctx, "payments", KindDeploy, 1, lateNight); err == nil {
		t.Fatal("same-day second attempt should fail")
	}

	// 00:00:01 the next day is a different counter.
	if _, err := tr.checkAndIncrementAt(ctx, "payments", KindDeploy, 1, pastMidnight); err != nil {
		t.Errorf("next-day attempt should succeed: %v", err)
	}
}

func TestTracker_NonPositiveLimit(t *testing.T) {
	tr := testTracker(t)

	if _, err := tr.CheckAndIncrement(context.Background(), "payments", KindDeploy, 0); err == nil {
		t.Error("zero limit should always be exceeded")
	}
}

func TestDayKey_UTC(t *testing.T) {
	// 23:30 in UTC-5 is already the next UTC day.
	loc := time.FixedZone("UTC-5", -5*3600)
	local := time.Date(2026, 3, 1, 23, 30, 0, 0, loc)
	if got := DayKey(local); got != "2026-03-02" {
		t.Errorf("DayKey = %s, want 2026-03-02", got)
	}
}
