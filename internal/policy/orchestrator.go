// Package policy is the decision core: every mutating request passes
// through its gate sequence before any side effect happens, and every
// decision leaves an audit event behind.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

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

// Audit operation names.
const (
	opDeploy    = "deploy"
	opRollback  = "rollback"
	opBuild     = "build_register"
	opUpload    = "upload_capability"
	opCancel    = "cancel"
	opLifecycle = "lifecycle"
)

// uploadGrantTTL bounds how long an upload capability stays usable.
const uploadGrantTTL = 15 * time.Minute

// Meta is the request context common to every mutating operation.
type Meta struct {
	Identity       Identity
	RequestID      string
	IdempotencyKey string
	// Body is the raw request body; its fingerprint decides whether a
	// reused idempotency key is a replay or a conflict.
	Body []byte
}

// Intent is a request to deploy a version of a service.
type Intent struct {
	Meta
	Service     string
	Environment string
	Version     string
	RecipeID    string
	Summary     string
}

// RollbackIntent is a request to undo a prior deployment.
type RollbackIntent struct {
	Meta
	TargetID string
	Summary  string
}

// BuildIntent registers a published artifact version.
type BuildIntent struct {
	Meta
	Service string
	Version string
	Digest  string
}

// UploadIntent requests a short-lived artifact upload capability.
type UploadIntent struct {
	Meta
	Service string
}

// Decision is the outcome of a mutating operation: the HTTP status and
// the exact body bytes, which for idempotent operations are also what a
// replay of the same key returns.
type Decision struct {
	Status   int
	Body     []byte
	RecordID string
	Replayed bool
}

// Deps wires the orchestrator to its collaborators.
type Deps struct {
	Config  *config.Store
	Ledger  *idempotency.Ledger
	Limiter *ratelimit.Limiter
	Quota   *quota.Tracker
	Locks   *lock.Manager
	Records *record.Store
	Builds  *record.BuildRegistry
	Engine  engine.Adapter
	Audit   audit.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// PollInterval overrides the configured engine poll cadence when
	// positive. Zero means use the snapshot value.
	PollInterval time.Duration
}

// Orchestrator runs the admission gate sequence and drives admitted
// deployments through their lifecycle.
type Orchestrator struct {
	cfg       *config.Store
	ledger    *idempotency.Ledger
	limiter   *ratelimit.Limiter
	quota     *quota.Tracker
	locks     *lock.Manager
	records   *record.Store
	builds    *record.BuildRegistry
	adapter   engine.Adapter
	sink      audit.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	validator *Validator

	pollInterval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewOrchestrator wires an orchestrator from its dependencies.
func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:          d.Config,
		ledger:       d.Ledger,
		limiter:      d.Limiter,
		quota:        d.Quota,
		locks:        d.Locks,
		records:      d.Records,
		builds:       d.Builds,
		adapter:      d.Engine,
		sink:         d.Audit,
		metrics:      d.Metrics,
		logger:       d.Logger,
		validator:    NewValidator(d.Builds),
		pollInterval: d.PollInterval,
		done:         make(chan struct{}),
	}
}

// deny counts and audits a denial, then returns it for the caller to
// propagate.
func (o *Orchestrator) deny(ctx context.Context, op string, m Meta, service, group string, perr *Error) *Error {
	o.metrics.Decisions.WithLabelValues(op, perr.Code).Inc()
	o.sink.Record(ctx, audit.Event{
		RequestID: m.RequestID,
		Actor:     m.Identity.ActorID,
		Role:      m.Identity.Role,
		Operation: op,
		Decision:  audit.DecisionDeny,
		Code:      perr.Code,
		GroupID:   group,
		Service:   service,
		Detail:    perr.Message,
	})
	return perr
}

// denyReleasing is deny plus freeing the idempotency reservation, so
// the client may retry the same key after fixing the problem.
func (o *Orchestrator) denyReleasing(ctx context.Context, op string, m Meta, service, group string, perr *Error) *Error {
	if err := o.ledger.Release(ctx, m.IdempotencyKey); err != nil {
		o.logger.Error("failed to release idempotency reservation",
			"key", m.IdempotencyKey, "error", err)
	}
	return o.deny(ctx, op, m, service, group, perr)
}

// admitMutation runs the gates shared by every mutating operation: kill
// switch, identity, role, idempotency reservation and the mutate-class
// rate limit. On Replay it returns the stored decision. On Fresh it
// returns (nil, nil) and the caller owns the reservation: every exit
// after this point must Commit or Release it.
func (o *Orchestrator) admitMutation(ctx context.Context, op string, m Meta, service string) (*Decision, error) {
	if o.cfg.KillSwitchActive() {
		return nil, o.deny(ctx, op, m, service, "", ErrMutationsDisabled)
	}
	if m.Identity.ActorID == "" {
		return nil, o.deny(ctx, op, m, service, "", ErrUnauthenticated)
	}
	if !m.Identity.CanMutate() {
		return nil, o.deny(ctx, op, m, service, "", ErrRoleForbidden)
	}
	if !ValidIdempotencyKey(m.IdempotencyKey) {
		return nil, o.deny(ctx, op, m, service, "",
			ErrInvalidRequest.WithMessage("a valid Idempotency-Key header is required"))
	}

	res, err := o.ledger.CheckAndReserve(ctx, m.IdempotencyKey, idempotency.Fingerprint(m.Body))
	if err != nil {
		return nil, o.deny(ctx, op, m, service, "", AsError(err))
	}
	switch res.Disposition {
	case idempotency.Replay:
		o.metrics.Decisions.WithLabelValues(op, "REPLAY").Inc()
		o.sink.Record(ctx, audit.Event{
			RequestID: m.RequestID,
			Actor:     m.Identity.ActorID,
			Role:      m.Identity.Role,
			Operation: op,
			Decision:  audit.DecisionAllow,
			Code:      "REPLAY",
			Service:   service,
		})
		return &Decision{Status: res.Status, Body: res.Body, Replayed: true}, nil
	case idempotency.InFlight:
		return nil, o.deny(ctx, op, m, service, "", ErrRequestInFlight)
	case idempotency.Conflict:
		return nil, o.deny(ctx, op, m, service, "", ErrIdempotencyConflict)
	}

	if !o.limiter.Allow(m.Identity.ActorID, ratelimit.ClassMutate) {
		return nil, o.denyReleasing(ctx, op, m, service, "", ErrRateLimited)
	}
	return nil, nil
}

// commit finalizes an admitted operation: the response body is stored
// against the idempotency key so replays return it byte for byte.
func (o *Orchestrator) commit(ctx context.Context, op string, m Meta, service, group, recordID string, status int, payload any, start time.Time) (*Decision, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, o.denyReleasing(ctx, op, m, service, group, AsError(err))
	}
	if err := o.ledger.Commit(ctx, m.IdempotencyKey, status, body); err != nil {
		o.logger.Error("failed to commit idempotency record",
			"key", m.IdempotencyKey, "error", err)
	}
	o.metrics.Decisions.WithLabelValues(op, "ALLOW").Inc()
	o.metrics.AdmissionSeconds.Observe(time.Since(start).Seconds())
	o.sink.Record(ctx, audit.Event{
		RequestID: m.RequestID,
		Actor:     m.Identity.ActorID,
		Role:      m.Identity.Role,
		Operation: op,
		Decision:  audit.DecisionAllow,
		Code:      "ALLOW",
		GroupID:   group,
		Service:   service,
		RecordID:  recordID,
	})
	return &Decision{Status: status, Body: body, RecordID: recordID}, nil
}

func (o *Orchestrator) refund(ctx context.Context, scope string, kind quota.Kind) {
	if err := o.quota.Refund(ctx, scope, kind); err != nil {
		o.logger.Error("failed to refund quota", "scope", scope, "kind", kind, "error", err)
	}
}

// Deploy admits a roll-forward intent. On success the response carries
// the new PENDING record; the engine hand-off happens asynchronously
// and the caller observes progress via reads.
func (o *Orchestrator) Deploy(ctx context.Context, in Intent) (*Decision, error) {
	start := time.Now()
	snap := o.cfg.Snapshot()

	if dec, err := o.admitMutation(ctx, opDeploy, in.Meta, in.Service); dec != nil || err != nil {
		return dec, err
	}

	if err := ValidateSummary(in.Summary); err != nil {
		return nil, o.denyReleasing(ctx, opDeploy, in.Meta, in.Service, "",
			ErrInvalidRequest.WithMessage(err.Error()))
	}
	g, rcp, verr := o.validator.ValidateDeploy(ctx, snap, in)
	if verr != nil {
		return nil, o.denyReleasing(ctx, opDeploy, in.Meta, in.Service, "", AsError(verr))
	}

	if _, err := o.quota.CheckAndIncrement(ctx, g.ID, quota.KindDeploy, g.DailyDeployQuota); err != nil {
		var exceeded *quota.ErrExceeded
		if errors.As(err, &exceeded) {
			return nil, o.denyReleasing(ctx, opDeploy, in.Meta, in.Service, g.ID,
				ErrQuotaExceeded.WithHint(exceeded.Error()))
		}
		return nil, o.denyReleasing(ctx, opDeploy, in.Meta, in.Service, g.ID, AsError(err))
	}

	recID := uuid.NewString()
	if !o.locks.TryAcquire(g.ID, recID) {
		o.refund(ctx, g.ID, quota.KindDeploy)
		perr := ErrConcurrencyLimit
		if tok, ok := o.locks.Holder(g.ID); ok {
			perr = perr.WithHint("deployment " + tok.RecordID + " holds the group since " +
				tok.AcquiredAt.Format(time.RFC3339))
		}
		return nil, o.denyReleasing(ctx, opDeploy, in.Meta, in.Service, g.ID, perr)
	}

	rec := &record.Record{
		ID:             recID,
		Service:        in.Service,
		Environment:    in.Environment,
		Version:        in.Version,
		RecipeID:       in.RecipeID,
		RecipeRevision: rcp.Revision,
		GroupID:        g.ID,
		State:          record.StatePending,
		Kind:           record.KindRollForward,
		Summary:        in.Summary,
	}
	if err := o.records.Create(ctx, rec); err != nil {
		o.locks.Release(g.ID)
		o.refund(ctx, g.ID, quota.KindDeploy)
		return nil, o.denyReleasing(ctx, opDeploy, in.Meta, in.Service, g.ID, AsError(err))
	}
	o.metrics.InFlight.Inc()

	dec, err := o.commit(ctx, opDeploy, in.Meta, in.Service, g.ID, rec.ID,
		http.StatusCreated, ViewRecord(rec, false), start)
	if err != nil {
		o.finishFailed(ctx, rec, failure.Normalize(err.Error()))
		return nil, err
	}
	o.launch(rec, rcp, snap)
	return dec, nil
}

// Rollback admits an undo of a prior deployment. The rollback is a new
// record linked to its target; the target's outcome flips to
// ROLLED_BACK only once the rollback itself succeeds.
func (o *Orchestrator) Rollback(ctx context.Context, in RollbackIntent) (*Decision, error) {
	start := time.Now()
	snap := o.cfg.Snapshot()

	if dec, err := o.admitMutation(ctx, opRollback, in.Meta, ""); dec != nil || err != nil {
		return dec, err
	}

	if err := ValidateSummary(in.Summary); err != nil {
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, "", "",
			ErrInvalidRequest.WithMessage(err.Error()))
	}

	target, err := o.records.Get(ctx, in.TargetID)
	if err != nil {
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, "", "", AsError(err))
	}
	if target == nil {
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, "", "", ErrDeploymentNotFound)
	}

	g, perr := o.validator.serviceGroup(snap, target.Service)
	if perr != nil {
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, target.Service, "", perr)
	}

	// Deprecated recipes stay usable here: existing deployments must
	// remain reversible even after their recipe is retired.
	rcp := snap.Recipes[target.RecipeID]
	if rcp == nil {
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, target.Service, g.ID,
			ErrRecipeNotAllowed.WithHint("recipe '"+target.RecipeID+"' is no longer configured"))
	}

	if !target.RollbackEligible() {
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, target.Service, g.ID, ErrNoPriorSuccess)
	}
	if target.Outcome != nil && *target.Outcome != record.OutcomeSucceeded {
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, target.Service, g.ID,
			ErrNoPriorSuccess.WithHint("deployment outcome is already "+string(*target.Outcome)))
	}

	if _, err := o.quota.CheckAndIncrement(ctx, g.ID, quota.KindRollback, g.DailyRollbackQuota); err != nil {
		var exceeded *quota.ErrExceeded
		if errors.As(err, &exceeded) {
			return nil, o.denyReleasing(ctx, opRollback, in.Meta, target.Service, g.ID,
				ErrQuotaExceeded.WithHint(exceeded.Error()))
		}
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, target.Service, g.ID, AsError(err))
	}

	recID := uuid.NewString()

	// An ACTIVE target holds its group's token. Rolling it back
	// displaces it: the target goes terminal and frees the token so the
	// rollback itself can claim the group.
	if target.State == record.StateActive {
		if tok, held := o.locks.Holder(g.ID); held && tok.RecordID == target.ID {
			if o.transitionEv(ctx, target, record.StateActive, record.StateRolledBack) {
				o.releaseToken(g.ID, target.ID)
			}
		}
	}
	if !o.locks.TryAcquire(g.ID, recID) {
		o.refund(ctx, g.ID, quota.KindRollback)
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, target.Service, g.ID, ErrConcurrencyLimit)
	}

	rec := &record.Record{
		ID:             recID,
		Service:        target.Service,
		Environment:    target.Environment,
		Version:        target.Version,
		RecipeID:       target.RecipeID,
		RecipeRevision: rcp.Revision,
		GroupID:        g.ID,
		State:          record.StatePending,
		Kind:           record.KindRollback,
		RollbackOf:     &target.ID,
		Summary:        in.Summary,
	}
	if err := o.records.Create(ctx, rec); err != nil {
		o.locks.Release(g.ID)
		o.refund(ctx, g.ID, quota.KindRollback)
		return nil, o.denyReleasing(ctx, opRollback, in.Meta, target.Service, g.ID, AsError(err))
	}
	o.metrics.InFlight.Inc()

	dec, err := o.commit(ctx, opRollback, in.Meta, target.Service, g.ID, rec.ID,
		http.StatusCreated, ViewRecord(rec, false), start)
	if err != nil {
		o.finishFailed(ctx, rec, failure.Normalize(err.Error()))
		return nil, err
	}
	o.launch(rec, rcp, snap)
	return dec, nil
}

// RegisterBuild records a published artifact version so deployment
// intents may reference it.
func (o *Orchestrator) RegisterBuild(ctx context.Context, in BuildIntent) (*Decision, error) {
	start := time.Now()
	snap := o.cfg.Snapshot()

	if dec, err := o.admitMutation(ctx, opBuild, in.Meta, in.Service); dec != nil || err != nil {
		return dec, err
	}

	g, verr := o.validator.ValidateService(snap, in.Service)
	if verr != nil {
		return nil, o.denyReleasing(ctx, opBuild, in.Meta, in.Service, "", AsError(verr))
	}
	if !ValidVersion(in.Version) {
		return nil, o.denyReleasing(ctx, opBuild, in.Meta, in.Service, g.ID, ErrInvalidVersion)
	}
	if in.Digest == "" {
		return nil, o.denyReleasing(ctx, opBuild, in.Meta, in.Service, g.ID,
			ErrInvalidRequest.WithMessage("artifact digest is required"))
	}

	actor := in.Identity.ActorID
	if _, err := o.quota.CheckAndIncrement(ctx, actor, quota.KindBuildRegister, snap.DailyBuildQuota); err != nil {
		var exceeded *quota.ErrExceeded
		if errors.As(err, &exceeded) {
			return nil, o.denyReleasing(ctx, opBuild, in.Meta, in.Service, g.ID,
				ErrQuotaExceeded.WithHint(exceeded.Error()))
		}
		return nil, o.denyReleasing(ctx, opBuild, in.Meta, in.Service, g.ID, AsError(err))
	}

	b := &record.Build{
		Service:      in.Service,
		Version:      in.Version,
		Digest:       in.Digest,
		RegisteredBy: actor,
	}
	if err := o.builds.Register(ctx, b); err != nil {
		o.refund(ctx, actor, quota.KindBuildRegister)
		var conflict *record.ErrBuildConflict
		if errors.As(err, &conflict) {
			return nil, o.denyReleasing(ctx, opBuild, in.Meta, in.Service, g.ID, ErrBuildConflict)
		}
		return nil, o.denyReleasing(ctx, opBuild, in.Meta, in.Service, g.ID, AsError(err))
	}

	return o.commit(ctx, opBuild, in.Meta, in.Service, g.ID, "",
		http.StatusCreated, BuildView{
			Service:      b.Service,
			Version:      b.Version,
			Digest:       b.Digest,
			RegisteredAt: b.CreatedAt,
		}, start)
}

// GrantUpload mints a short-lived capability reference for pushing an
// artifact to storage. The storage handshake itself lives outside this
// service; the gate here is what keeps uploads within policy.
func (o *Orchestrator) GrantUpload(ctx context.Context, in UploadIntent) (*Decision, error) {
	start := time.Now()
	snap := o.cfg.Snapshot()

	if dec, err := o.admitMutation(ctx, opUpload, in.Meta, in.Service); dec != nil || err != nil {
		return dec, err
	}

	g, verr := o.validator.ValidateService(snap, in.Service)
	if verr != nil {
		return nil, o.denyReleasing(ctx, opUpload, in.Meta, in.Service, "", AsError(verr))
	}

	actor := in.Identity.ActorID
	if _, err := o.quota.CheckAndIncrement(ctx, actor, quota.KindUploadCapability, snap.DailyUploadQuota); err != nil {
		var exceeded *quota.ErrExceeded
		if errors.As(err, &exceeded) {
			return nil, o.denyReleasing(ctx, opUpload, in.Meta, in.Service, g.ID,
				ErrQuotaExceeded.WithHint(exceeded.Error()))
		}
		return nil, o.denyReleasing(ctx, opUpload, in.Meta, in.Service, g.ID, AsError(err))
	}

	return o.commit(ctx, opUpload, in.Meta, in.Service, g.ID, "",
		http.StatusCreated, UploadGrant{
			UploadRef: uuid.NewString(),
			Service:   in.Service,
			ExpiresAt: time.Now().UTC().Add(uploadGrantTTL),
		}, start)
}

// Cancel drives a non-terminal deployment to CANCELED and frees its
// token. Admin only, and deliberately outside the kill switch: stopping
// work must stay possible while mutations are frozen. The engine
// execution, if any, is left to finish on its own; further phase
// reports against the canceled record are ignored.
func (o *Orchestrator) Cancel(ctx context.Context, recordID string, identity Identity, requestID string) (*Decision, error) {
	m := Meta{Identity: identity, RequestID: requestID}
	if identity.ActorID == "" {
		return nil, o.deny(ctx, opCancel, m, "", "", ErrUnauthenticated)
	}
	if !identity.IsAdmin() {
		return nil, o.deny(ctx, opCancel, m, "", "", ErrRoleForbidden)
	}

	rec, err := o.records.Get(ctx, recordID)
	if err != nil {
		return nil, o.deny(ctx, opCancel, m, "", "", AsError(err))
	}
	if rec == nil {
		return nil, o.deny(ctx, opCancel, m, "", "", ErrDeploymentNotFound)
	}
	if rec.State.Terminal() {
		return nil, o.deny(ctx, opCancel, m, rec.Service, rec.GroupID, ErrAlreadyTerminal)
	}

	if !o.transitionEv(ctx, rec, rec.State, record.StateCanceled) {
		return nil, o.deny(ctx, opCancel, m, rec.Service, rec.GroupID, ErrAlreadyTerminal)
	}
	if err := o.records.SetOutcome(ctx, rec.ID, record.OutcomeCanceled); err != nil {
		o.logger.Error("failed to set canceled outcome", "record", rec.ID, "error", err)
	}
	o.releaseToken(rec.GroupID, rec.ID)
	o.metrics.Outcomes.WithLabelValues(rec.GroupID, string(record.OutcomeCanceled)).Inc()
	o.metrics.Decisions.WithLabelValues(opCancel, "ALLOW").Inc()
	o.sink.Record(ctx, audit.Event{
		RequestID: requestID,
		Actor:     identity.ActorID,
		Role:      identity.Role,
		Operation: opCancel,
		Decision:  audit.DecisionAllow,
		Code:      "ALLOW",
		GroupID:   rec.GroupID,
		Service:   rec.Service,
		RecordID:  rec.ID,
	})

	oc := record.OutcomeCanceled
	rec.Outcome = &oc
	body, err := json.Marshal(ViewRecord(rec, true))
	if err != nil {
		return nil, AsError(err)
	}
	return &Decision{Status: http.StatusOK, Body: body, RecordID: rec.ID}, nil
}
