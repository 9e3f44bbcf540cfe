package policy

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"deploygate/internal/audit"
	"deploygate/internal/config"
	"deploygate/internal/engine"
	"deploygate/internal/failure"
	"deploygate/internal/idempotency"
	"deploygate/internal/lock"
	"deploygate/internal/metrics"
	"deploygate/internal/quota"
	"deploygate/internal/ratelimit"
	"deploygate/internal/record"
)

const harnessYAML = `
server:
  port: 8080
engine:
  base_url: http://engine.internal:8084
defaults:
  daily_deploy_quota: 20
  daily_rollback_quota: 10
  mutate_rpm: 600
delivery_groups:
  payments:
    name: Payments
    services: [checkout, billing]
    environments: [staging, production]
    recipes: [blue-green]
recipes:
  blue-green:
    application: shop
    deploy_pipeline: deploy-bg
    rollback_pipeline: rollback-bg
`

type harness struct {
	orch    *Orchestrator
	fake    *engine.Fake
	cfg     *config.Store
	db      *sql.DB
	records *record.Store
	builds  *record.BuildRegistry
	quota   *quota.Tracker
	locks   *lock.Manager
}

func newHarness(t *testing.T, yamlCfg string, fake *engine.Fake) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	path := filepath.Join(dir, "deploygate.yaml")
	if err := os.WriteFile(path, []byte(yamlCfg), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "gate.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	revs, err := config.NewRevisionStore(db)
	if err != nil {
		t.Fatalf("NewRevisionStore failed: %v", err)
	}
	cfgStore, err := config.NewStore(ctx, path, revs, logger)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	ledger, err := idempotency.NewLedger(db)
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	tracker, err := quota.NewTracker(db)
	if err != nil {
		t.Fatalf("NewTracker failed: %v", err)
	}
	records, err := record.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	builds, err := record.NewBuildRegistry(db)
	if err != nil {
		t.Fatalf("NewBuildRegistry failed: %v", err)
	}
	sink, err := audit.NewSQLiteSink(db, logger)
	if err != nil {
		t.Fatalf("NewSQLiteSink failed: %v", err)
	}

	if fake == nil {
		fake = engine.NewFake()
	}
	locks := lock.NewManager()
	orch := NewOrchestrator(Deps{
		Config:       cfgStore,
		Ledger:       ledger,
		Limiter:      ratelimit.NewLimiter(func(c ratelimit.Class) int { return cfgStore.RateCeiling(c == ratelimit.ClassMutate) }),
		Quota:        tracker,
		Locks:        locks,
		Records:      records,
		Builds:       builds,
		Engine:       fake,
		Audit:        sink,
		Metrics:      metrics.New(prometheus.NewRegistry()),
		Logger:       logger,
		PollInterval: 2 * time.Millisecond,
	})
	t.Cleanup(orch.Close)

	return &harness{
		orch:    orch,
		fake:    fake,
		cfg:     cfgStore,
		db:      db,
		records: records,
		builds:  builds,
		quota:   tracker,
		locks:   locks,
	}
}

func (h *harness) registerBuild(t *testing.T, service, version string) {
	t.Helper()
	err := h.builds.Register(context.Background(), &record.Build{
		Service: service, Version: version, Digest: "sha256:abc", RegisteredBy: "ci",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func (h *harness) getRecord(t *testing.T, id string) *record.Record {
	t.Helper()
	rec, err := h.records.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil {
		t.Fatalf("record %s not found", id)
	}
	return rec
}

func (h *harness) waitForState(t *testing.T, id string, want record.State) *record.Record {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec := h.getRecord(t, id)
		if rec.State == want {
			return rec
		}
		time.Sleep(3 * time.Millisecond)
	}
	t.Fatalf("record %s never reached %s", id, want)
	return nil
}

func deployer() Identity {
	return Identity{ActorID: "alice", Role: RoleDeployer, Email: "alice@example.com"}
}

func deployIntent(key string) Intent {
	return Intent{
		Meta: Meta{
			Identity:       deployer(),
			RequestID:      "req-" + key,
			IdempotencyKey: key,
			Body:           []byte(`{"service":"checkout","version":"1.2.0"}`),
		},
		Service:     "checkout",
		Environment: "production",
		Version:     "1.2.0",
		RecipeID:    "blue-green",
		Summary:     "ship checkout 1.2.0",
	}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	perr, ok := err.(*Error)
	if !ok {
		t.Fatalf("got error %v, want *Error with code %s", err, code)
	}
	if perr.Code != code {
		t.Fatalf("code = %s, want %s", perr.Code, code)
	}
}

func TestDeploy_HappyPath(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)
	h.registerBuild(t, "checkout", "1.2.0")

	dec, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	if dec.Status != 201 {
		t.Errorf("status = %d, want 201", dec.Status)
	}
	if dec.Replayed {
		t.Error("fresh deploy marked as replay")
	}
	h.orch.Wait()

	rec := h.getRecord(t, dec.RecordID)
	if rec.State != record.StateSucceeded {
		t.Errorf("state = %s, want SUCCEEDED", rec.State)
	}
	if rec.Outcome == nil || *rec.Outcome != record.OutcomeSucceeded {
		t.Errorf("outcome = %v, want SUCCEEDED", rec.Outcome)
	}
	if _, held := h.locks.Holder("payments"); held {
		t.Error("group token still held after terminal state")
	}

	trigs := h.fake.Triggers()
	if len(trigs) != 1 {
		t.Fatalf("engine triggered %d times, want 1", len(trigs))
	}
	if trigs[0].Pipeline != "deploy-bg" || trigs[0].Rollback {
		t.Errorf("trigger = %+v, want deploy pipeline", trigs[0])
	}
}

func TestDeploy_ReplayReturnsIdenticalResponse(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)
	h.registerBuild(t, "checkout", "1.2.0")

	first, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	h.orch.Wait()

	second, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	if err != nil {
		t.Fatalf("replay Deploy failed: %v", err)
	}
	if !second.Replayed {
		t.Error("second call with same key not marked as replay")
	}
	if second.Status != first.Status {
		t.Errorf("replay status = %d, want %d", second.Status, first.Status)
	}
	if !bytes.Equal(second.Body, first.Body) {
		t.Errorf("replay body differs:\n%s\nvs\n%s", second.Body, first.Body)
	}
	if got := len(h.fake.Triggers()); got != 1 {
		t.Errorf("engine triggered %d times, want 1 (replay must not re-execute)", got)
	}
}

func TestDeploy_KeyReuseWithDifferentBody(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)
	h.registerBuild(t, "checkout", "1.2.0")

	if _, err := h.orch.Deploy(context.Background(), deployIntent("k1")); err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	in := deployIntent("k1")
	in.Body = []byte(`{"service":"checkout","version":"2.0.0"}`)
	_, err := h.orch.Deploy(context.Background(), in)
	wantCode(t, err, "IDEMPOTENCY_KEY_CONFLICT")
	h.orch.Wait()
}

func TestDeploy_ConcurrencyLimitAndQuotaRefund(t *testing.T) {
	// First execution holds at running, keeping the group token.
	h := newHarness(t, harnessYAML, engine.NewFake([]engine.Phase{engine.PhaseRunning}))
	h.registerBuild(t, "checkout", "1.2.0")
	h.registerBuild(t, "billing", "3.0.0")

	first, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	h.waitForState(t, first.RecordID, record.StateInProgress)

	in := deployIntent("k2")
	in.Service = "billing"
	in.Version = "3.0.0"
	_, err = h.orch.Deploy(context.Background(), in)
	wantCode(t, err, "CONCURRENCY_LIMIT_REACHED")

	// The denied attempt must not burn group quota.
	used, err := h.quota.Used(context.Background(), "payments", quota.KindDeploy)
	if err != nil {
		t.Fatalf("Used failed: %v", err)
	}
	if used != 1 {
		t.Errorf("group quota used = %d, want 1 after refund", used)
	}

	// The key freed by the denial is usable again once the group clears.
	if _, err := h.orch.Cancel(context.Background(), first.RecordID,
		Identity{ActorID: "root", Role: RoleAdmin}, "req-cancel"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := h.orch.Deploy(context.Background(), in); err != nil {
		t.Fatalf("retry after clearing the group failed: %v", err)
	}
}

func TestDeploy_KillSwitch(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)
	h.registerBuild(t, "checkout", "1.2.0")

	h.cfg.SetKillSwitch(true)
	_, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	wantCode(t, err, "MUTATIONS_DISABLED")
	if len(h.fake.Triggers()) != 0 {
		t.Error("kill switch let a trigger through")
	}

	h.cfg.SetKillSwitch(false)
	if _, err := h.orch.Deploy(context.Background(), deployIntent("k1")); err != nil {
		t.Fatalf("Deploy after clearing kill switch failed: %v", err)
	}
	h.orch.Wait()
}

func TestDeploy_ObserverRole(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)
	h.registerBuild(t, "checkout", "1.2.0")

	in := deployIntent("k1")
	in.Identity = Identity{ActorID: "watcher", Role: RoleObserver}
	_, err := h.orch.Deploy(context.Background(), in)
	wantCode(t, err, "ROLE_FORBIDDEN")
}

func TestDeploy_QuotaExhausted(t *testing.T) {
	cfg := `
server:
  port: 8080
engine:
  base_url: http://engine.internal:8084
defaults:
  mutate_rpm: 600
delivery_groups:
  payments:
    services: [checkout]
    environments: [production]
    recipes: [blue-green]
    guardrails:
      daily_deploy_quota: 2
recipes:
  blue-green:
    application: shop
    deploy_pipeline: deploy-bg
    rollback_pipeline: rollback-bg
`
	h := newHarness(t, cfg, nil)
	h.registerBuild(t, "checkout", "1.2.0")

	for i, key := range []string{"k1", "k2"} {
		if _, err := h.orch.Deploy(context.Background(), deployIntent(key)); err != nil {
			t.Fatalf("deploy %d failed: %v", i+1, err)
		}
		h.orch.Wait()
	}

	_, err := h.orch.Deploy(context.Background(), deployIntent("k3"))
	wantCode(t, err, "QUOTA_EXCEEDED")
}

func TestDeploy_RateLimited(t *testing.T) {
	cfg := `
server:
  port: 8080
engine:
  base_url: http://engine.internal:8084
defaults:
  mutate_rpm: 2
delivery_groups:
  payments:
    services: [checkout]
    environments: [production]
    recipes: [blue-green]
recipes:
  blue-green:
    application: shop
    deploy_pipeline: deploy-bg
    rollback_pipeline: rollback-bg
`
	h := newHarness(t, cfg, engine.NewFake([]engine.Phase{engine.PhaseRunning}))
	h.registerBuild(t, "checkout", "1.2.0")

	if _, err := h.orch.Deploy(context.Background(), deployIntent("k1")); err != nil {
		t.Fatalf("first deploy failed: %v", err)
	}
	// Second request burns the last token (denied at the lock instead).
	_, err := h.orch.Deploy(context.Background(), deployIntent("k2"))
	wantCode(t, err, "CONCURRENCY_LIMIT_REACHED")

	_, err = h.orch.Deploy(context.Background(), deployIntent("k3"))
	wantCode(t, err, "RATE_LIMITED")
}

func TestRollback_Flow(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)
	h.registerBuild(t, "checkout", "1.2.0")

	dep, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	h.orch.Wait()

	dec, err := h.orch.Rollback(context.Background(), RollbackIntent{
		Meta: Meta{
			Identity:       deployer(),
			RequestID:      "req-rb",
			IdempotencyKey: "rb1",
			Body:           []byte(`{"target":"` + dep.RecordID + `"}`),
		},
		TargetID: dep.RecordID,
		Summary:  "revert checkout",
	})
	if err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	h.orch.Wait()

	rb := h.getRecord(t, dec.RecordID)
	if rb.Kind != record.KindRollback {
		t.Errorf("kind = %s, want ROLLBACK", rb.Kind)
	}
	if rb.RollbackOf == nil || *rb.RollbackOf != dep.RecordID {
		t.Errorf("rollback_of = %v, want %s", rb.RollbackOf, dep.RecordID)
	}
	if rb.State != record.StateSucceeded {
		t.Errorf("rollback state = %s, want SUCCEEDED", rb.State)
	}

	target := h.getRecord(t, dep.RecordID)
	if target.State != record.StateSucceeded {
		t.Errorf("target state = %s, want unchanged SUCCEEDED", target.State)
	}
	if target.Outcome == nil || *target.Outcome != record.OutcomeRolledBack {
		t.Errorf("target outcome = %v, want ROLLED_BACK", target.Outcome)
	}

	trigs := h.fake.Triggers()
	if len(trigs) != 2 {
		t.Fatalf("engine triggered %d times, want 2", len(trigs))
	}
	if trigs[1].Pipeline != "rollback-bg" || !trigs[1].Rollback {
		t.Errorf("rollback trigger = %+v, want rollback pipeline", trigs[1])
	}
	if trigs[1].Version != "1.2.0" {
		t.Errorf("rollback version = %s, want the target's version", trigs[1].Version)
	}
}

func TestRollback_DisplacesActiveTarget(t *testing.T) {
	// First execution reaches active and stays there.
	h := newHarness(t, harnessYAML, engine.NewFake([]engine.Phase{engine.PhaseRunning, engine.PhaseActive}))
	h.registerBuild(t, "checkout", "1.2.0")

	dep, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	h.waitForState(t, dep.RecordID, record.StateActive)

	dec, err := h.orch.Rollback(context.Background(), RollbackIntent{
		Meta: Meta{
			Identity:       deployer(),
			RequestID:      "req-rb",
			IdempotencyKey: "rb1",
			Body:           []byte(`{"target":"` + dep.RecordID + `"}`),
		},
		TargetID: dep.RecordID,
		Summary:  "bad rollout, pull it",
	})
	if err != nil {
		t.Fatalf("Rollback of active deployment failed: %v", err)
	}

	// Admission alone displaces the active record and claims the group.
	target := h.getRecord(t, dep.RecordID)
	if target.State != record.StateRolledBack {
		t.Errorf("target state = %s, want ROLLED_BACK", target.State)
	}
	// The rollback record holds the token until its runner finishes.
	if tok, held := h.locks.Holder("payments"); held && tok.RecordID != dec.RecordID {
		t.Errorf("token holder = %+v, want the rollback record", tok)
	}

	h.waitForState(t, dec.RecordID, record.StateSucceeded)
	target = h.getRecord(t, dep.RecordID)
	if target.Outcome == nil || *target.Outcome != record.OutcomeRolledBack {
		t.Errorf("target outcome = %v, want ROLLED_BACK after rollback success", target.Outcome)
	}
}

func TestRollback_IneligibleTarget(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)
	h.registerBuild(t, "checkout", "1.2.0")

	failed := &record.Record{
		ID: "dead-beef", Service: "checkout", Environment: "production",
		Version: "1.2.0", RecipeID: "blue-green", RecipeRevision: 1,
		GroupID: "payments", State: record.StateFailed, Kind: record.KindRollForward,
	}
	if err := h.records.Create(context.Background(), failed); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := h.orch.Rollback(context.Background(), RollbackIntent{
		Meta: Meta{
			Identity:       deployer(),
			IdempotencyKey: "rb1",
			Body:           []byte(`{"target":"dead-beef"}`),
		},
		TargetID: "dead-beef",
	})
	wantCode(t, err, "NO_PRIOR_SUCCESSFUL_VERSION")

	_, err = h.orch.Rollback(context.Background(), RollbackIntent{
		Meta: Meta{
			Identity:       deployer(),
			IdempotencyKey: "rb2",
			Body:           []byte(`{"target":"missing"}`),
		},
		TargetID: "missing",
	})
	wantCode(t, err, "DEPLOYMENT_NOT_FOUND")
}

func TestRegisterBuild(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)

	meta := Meta{
		Identity:       deployer(),
		IdempotencyKey: "b1",
		Body:           []byte(`{"service":"checkout","version":"1.2.0","digest":"sha256:abc"}`),
	}
	dec, err := h.orch.RegisterBuild(context.Background(), BuildIntent{
		Meta: meta, Service: "checkout", Version: "1.2.0", Digest: "sha256:abc",
	})
	if err != nil {
		t.Fatalf("RegisterBuild failed: %v", err)
	}
	if dec.Status != 201 {
		t.Errorf("status = %d, want 201", dec.Status)
	}

	// Same key, same body replays.
	again, err := h.orch.RegisterBuild(context.Background(), BuildIntent{
		Meta: meta, Service: "checkout", Version: "1.2.0", Digest: "sha256:abc",
	})
	if err != nil {
		t.Fatalf("replay RegisterBuild failed: %v", err)
	}
	if !again.Replayed || !bytes.Equal(again.Body, dec.Body) {
		t.Error("replay did not return the stored response")
	}

	// New key, same version, different artifact conflicts.
	_, err = h.orch.RegisterBuild(context.Background(), BuildIntent{
		Meta: Meta{
			Identity:       deployer(),
			IdempotencyKey: "b2",
			Body:           []byte(`{"service":"checkout","version":"1.2.0","digest":"sha256:def"}`),
		},
		Service: "checkout", Version: "1.2.0", Digest: "sha256:def",
	})
	wantCode(t, err, "BUILD_REGISTRATION_CONFLICT")
}

func TestGrantUpload(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)

	dec, err := h.orch.GrantUpload(context.Background(), UploadIntent{
		Meta: Meta{
			Identity:       deployer(),
			IdempotencyKey: "u1",
			Body:           []byte(`{"service":"checkout"}`),
		},
		Service: "checkout",
	})
	if err != nil {
		t.Fatalf("GrantUpload failed: %v", err)
	}
	if dec.Status != 201 {
		t.Errorf("status = %d, want 201", dec.Status)
	}
	if !bytes.Contains(dec.Body, []byte("upload_ref")) {
		t.Errorf("body missing upload_ref: %s", dec.Body)
	}

	used, err := h.quota.Used(context.Background(), "alice", quota.KindUploadCapability)
	if err != nil {
		t.Fatalf("Used failed: %v", err)
	}
	if used != 1 {
		t.Errorf("upload quota used = %d, want 1", used)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, harnessYAML, engine.NewFake([]engine.Phase{engine.PhaseRunning}))
	h.registerBuild(t, "checkout", "1.2.0")

	dep, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	h.waitForState(t, dep.RecordID, record.StateInProgress)

	_, err = h.orch.Cancel(context.Background(), dep.RecordID, deployer(), "req-c")
	wantCode(t, err, "ROLE_FORBIDDEN")

	admin := Identity{ActorID: "root", Role: RoleAdmin}
	dec, err := h.orch.Cancel(context.Background(), dep.RecordID, admin, "req-c")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if dec.Status != 200 {
		t.Errorf("status = %d, want 200", dec.Status)
	}

	rec := h.getRecord(t, dep.RecordID)
	if rec.State != record.StateCanceled {
		t.Errorf("state = %s, want CANCELED", rec.State)
	}
	if rec.Outcome == nil || *rec.Outcome != record.OutcomeCanceled {
		t.Errorf("outcome = %v, want CANCELED", rec.Outcome)
	}
	if _, held := h.locks.Holder("payments"); held {
		t.Error("group token still held after cancel")
	}

	_, err = h.orch.Cancel(context.Background(), dep.RecordID, admin, "req-c2")
	wantCode(t, err, "DEPLOYMENT_ALREADY_TERMINAL")
}

func TestReapStuck(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)

	stuck := &record.Record{
		ID: "stuck-1", Service: "checkout", Environment: "production",
		Version: "1.2.0", RecipeID: "blue-green", RecipeRevision: 1,
		GroupID: "payments", State: record.StateInProgress, Kind: record.KindRollForward,
	}
	if err := h.records.Create(context.Background(), stuck); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	h.locks.Seed("payments", stuck.ID, time.Now().Add(-2*time.Hour))

	// Fresh records are not stuck.
	n, err := h.orch.ReapStuck(context.Background())
	if err != nil {
		t.Fatalf("ReapStuck failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped %d fresh records, want 0", n)
	}

	old := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339)
	if _, err := h.db.Exec(`UPDATE deployments SET updated_at = ? WHERE id = ?`, old, stuck.ID); err != nil {
		t.Fatalf("failed to age record: %v", err)
	}

	n, err = h.orch.ReapStuck(context.Background())
	if err != nil {
		t.Fatalf("ReapStuck failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d records, want 1", n)
	}

	rec := h.getRecord(t, stuck.ID)
	if rec.State != record.StateFailed {
		t.Errorf("state = %s, want FAILED", rec.State)
	}
	if len(rec.Failures) != 1 || rec.Failures[0].Category != failure.CategoryTimeout {
		t.Errorf("failures = %+v, want one TIMEOUT entry", rec.Failures)
	}
	if _, held := h.locks.Holder("payments"); held {
		t.Error("group token still held after reap")
	}
}

func TestApplyEngineStatus_TerminalRecordIgnoresReports(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)
	h.registerBuild(t, "checkout", "1.2.0")

	dep, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	h.orch.Wait()

	done, err := h.orch.ApplyEngineStatus(context.Background(), dep.RecordID, engine.PhaseFailed, "late duplicate report")
	if err != nil {
		t.Fatalf("ApplyEngineStatus failed: %v", err)
	}
	if !done {
		t.Error("terminal record should report done")
	}
	rec := h.getRecord(t, dep.RecordID)
	if rec.State != record.StateSucceeded {
		t.Errorf("state = %s, a late failure report must not rewrite SUCCEEDED", rec.State)
	}
}

func TestDeploy_FailedExecutionRecordsNormalizedFailure(t *testing.T) {
	fake := engine.NewFake([]engine.Phase{engine.PhaseRunning, engine.PhaseFailed})
	fake.FailDetail = "connection refused while pulling image"
	h := newHarness(t, harnessYAML, fake)
	h.registerBuild(t, "checkout", "1.2.0")

	dep, err := h.orch.Deploy(context.Background(), deployIntent("k1"))
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}
	h.orch.Wait()

	rec := h.getRecord(t, dep.RecordID)
	if rec.State != record.StateFailed {
		t.Fatalf("state = %s, want FAILED", rec.State)
	}
	if len(rec.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(rec.Failures))
	}
	if rec.Failures[0].Category != failure.CategoryInfrastructure {
		t.Errorf("category = %s, want INFRASTRUCTURE", rec.Failures[0].Category)
	}
	if _, held := h.locks.Holder("payments"); held {
		t.Error("group token still held after failure")
	}
}

func TestResume_ReseedsTokens(t *testing.T) {
	h := newHarness(t, harnessYAML, nil)

	inflight := &record.Record{
		ID: "boot-1", Service: "checkout", Environment: "production",
		Version: "1.2.0", RecipeID: "blue-green", RecipeRevision: 1,
		GroupID: "payments", State: record.StateInProgress, Kind: record.KindRollForward,
	}
	if err := h.records.Create(context.Background(), inflight); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := h.orch.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	tok, held := h.locks.Holder("payments")
	if !held || tok.RecordID != "boot-1" {
		t.Errorf("token = %+v, want re-seeded for boot-1", tok)
	}

	h.registerBuild(t, "checkout", "1.3.0")
	in := deployIntent("k1")
	in.Version = "1.3.0"
	_, err := h.orch.Deploy(context.Background(), in)
	wantCode(t, err, "CONCURRENCY_LIMIT_REACHED")
}
