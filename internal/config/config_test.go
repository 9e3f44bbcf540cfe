package config

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

const validYAML = `
server:
  host: 127.0.0.1
  port: 8080
engine:
  base_url: http://engine.internal:8084
defaults:
  daily_deploy_quota: 10
delivery_groups:
  payments:
    name: Payments
    owners: [alice@example.com]
    services: [checkout, billing]
    environments: [staging, production]
    recipes: [default]
    guardrails:
      max_concurrent_deployments: 1
      daily_deploy_quota: 5
recipes:
  default:
    status: active
    application: shop
    deploy_pipeline: deploy-blue-green
    rollback_pipeline: rollback-blue-green
`

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestParseAndResolve_Valid(t *testing.T) {
	f, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	snap, err := f.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	g, ok := snap.Groups["payments"]
	if !ok {
		t.Fatal("payments group missing from snapshot")
	}
	if g.DailyDeployQuota != 5 {
		t.Errorf("group quota = %d, want guardrail override 5", g.DailyDeployQuota)
	}
	if g.DailyRollbackQuota != DefaultDailyRollbackQuota {
		t.Errorf("rollback quota = %d, want system default %d", g.DailyRollbackQuota, DefaultDailyRollbackQuota)
	}
	if snap.ServiceGroup["checkout"] != "payments" {
		t.Errorf("checkout should map to payments, got %q", snap.ServiceGroup["checkout"])
	}
	if snap.Recipes["default"].Revision != 1 {
		t.Errorf("recipe revision = %d, want 1 without a revision store", snap.Recipes["default"].Revision)
	}
	if snap.DailyDeployQuota != 10 {
		t.Errorf("system deploy quota = %d, want configured 10", snap.DailyDeployQuota)
	}
}

func TestValidate_ServiceInTwoGroups(t *testing.T) {
	yaml := strings.Replace(validYAML, "recipes:\n  default:", `  search:
    name: Search
    services: [checkout]
    environments: [staging]
    recipes: [default]
recipes:
  default:`, 1)

	f, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	errs := f.Validate()
	found := false
	for _, e := range errs {
		if strings.Contains(e, "exactly one delivery group") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected duplicate-service validation error, got %v", errs)
	}
}

func TestValidate_UnknownRecipeReference(t *testing.T) {
	yaml := strings.Replace(validYAML, "recipes: [default]", "recipes: [missing]", 1)
	f, _ := Parse([]byte(yaml))

	errs := f.Validate()
	found := false
	for _, e := range errs {
		if strings.Contains(e, "unknown recipe 'missing'") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unknown-recipe error, got %v", errs)
	}
}

func TestValidate_BadGuardrail(t *testing.T) {
	yaml := strings.Replace(validYAML, "max_concurrent_deployments: 1", "max_concurrent_deployments: 4", 1)
	f, _ := Parse([]byte(yaml))

	if errs := f.Validate(); len(errs) == 0 {
		t.Error("max_concurrent_deployments=4 should be rejected")
	}
}

func TestRevisionStore_BumpAndInUse(t *testing.T) {
	db := testDB(t)
	revs, err := NewRevisionStore(db)
	if err != nil {
		t.Fatalf("NewRevisionStore failed: %v", err)
	}
	ctx := context.Background()

	rev, err := revs.Resolve(ctx, "default", "hash-a", false)
	if err != nil || rev != 1 {
		t.Fatalf("first Resolve = (%d, %v), want (1, nil)", rev, err)
	}

	// Unchanged mapping keeps the revision.
	rev, err = revs.Resolve(ctx, "default", "hash-a", true)
	if err != nil || rev != 1 {
		t.Fatalf("unchanged Resolve = (%d, %v), want (1, nil)", rev, err)
	}

	// Changed mapping on an unused recipe bumps the revision.
	rev, err = revs.Resolve(ctx, "default", "hash-b", false)
	if err != nil || rev != 2 {
		t.Fatalf("changed Resolve = (%d, %v), want (2, nil)", rev, err)
	}

	// Changed mapping on an in-use recipe is rejected and not recorded.
	if _, err = revs.Resolve(ctx, "default", "hash-c", true); err != ErrRecipeInUse {
		t.Fatalf("in-use change error = %v, want ErrRecipeInUse", err)
	}
	rev, err = revs.Resolve(ctx, "default", "hash-b", true)
	if err != nil || rev != 2 {
		t.Errorf("revision after rejected change = (%d, %v), want (2, nil)", rev, err)
	}
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "deploygate.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestStore_ReloadKeepsOldSnapshotOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := NewStore(context.Background(), path, nil, logger)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	before := store.Snapshot()

	writeConfig(t, dir, "delivery_groups:\n  broken:\n    services: []\n")
	if err := store.Reload(context.Background()); err == nil {
		t.Fatal("Reload of invalid config should fail")
	}

	if store.Snapshot() != before {
		t.Error("failed reload must keep the previous snapshot")
	}
}

func TestStore_KillSwitchOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validYAML)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := NewStore(context.Background(), path, nil, logger)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if store.KillSwitchActive() {
		t.Error("kill switch should follow config (off)")
	}

	store.SetKillSwitch(true)
	if !store.KillSwitchActive() {
		t.Error("override on should win")
	}

	store.SetKillSwitch(false)
	if store.KillSwitchActive() {
		t.Error("override off should win")
	}

	store.ClearKillSwitchOverride()
	if store.KillSwitchActive() {
		t.Error("cleared override should fall back to config")
	}
}
