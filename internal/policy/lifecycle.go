package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deploygate/internal/audit"
	"deploygate/internal/config"
	"deploygate/internal/engine"
	"deploygate/internal/failure"
	"deploygate/internal/record"
)

// launch hands an admitted record to its async runner. The admission
// response has already been written; from here the record's progress is
// observable only through reads and the audit trail.
func (o *Orchestrator) launch(rec *record.Record, rcp *config.Recipe, snap *config.Snapshot) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(rec, rcp, snap)
	}()
}

// run triggers the engine execution for a record and then polls it to a
// terminal phase. The trigger is never retried: a timed-out trigger is
// treated as a failure rather than risking a double execution.
func (o *Orchestrator) run(rec *record.Record, rcp *config.Recipe, snap *config.Snapshot) {
	ctx := context.Background()

	pipeline := rcp.DeployPipeline
	if rec.Kind == record.KindRollback {
		pipeline = rcp.RollbackPipeline
	}

	tctx, cancel := context.WithTimeout(ctx, snap.TriggerTimeout)
	ref, err := o.adapter.Trigger(tctx, engine.TriggerRequest{
		RecordID:    rec.ID,
		Service:     rec.Service,
		Environment: rec.Environment,
		Version:     rec.Version,
		Application: rcp.Application,
		Pipeline:    pipeline,
		Rollback:    rec.Kind == record.KindRollback,
	})
	cancel()
	if err != nil {
		o.logger.Error("engine trigger failed", "record", rec.ID, "error", err)
		o.finishFailed(ctx, rec, failure.Normalize(err.Error()))
		return
	}

	if err := o.records.SetEngineRef(ctx, rec.ID, ref); err != nil {
		o.logger.Error("failed to store engine ref", "record", rec.ID, "error", err)
	}
	o.poll(ctx, rec.ID, ref, snap)
}

// poll drives a record by periodically asking the engine for its
// execution's phase. It stops when the record goes terminal, whether by
// its own hand or by the callback endpoint or the reaper.
func (o *Orchestrator) poll(ctx context.Context, recordID, ref string, snap *config.Snapshot) {
	interval := o.pollInterval
	if interval <= 0 {
		interval = snap.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
		}

		phase, detail, err := o.adapter.Status(ctx, ref)
		if err != nil {
			o.logger.Warn("engine status poll failed", "record", recordID, "error", err)
			if o.recordTerminal(ctx, recordID) {
				return
			}
			continue
		}
		done, err := o.ApplyEngineStatus(ctx, recordID, phase, detail)
		if err != nil {
			o.logger.Error("failed to apply engine status", "record", recordID, "error", err)
		}
		if done {
			return
		}
	}
}

func (o *Orchestrator) recordTerminal(ctx context.Context, recordID string) bool {
	rec, err := o.records.Get(ctx, recordID)
	if err != nil {
		return false
	}
	return rec == nil || rec.State.Terminal()
}

// ApplyEngineStatus advances a record according to an engine-reported
// phase. It serves both the poll loop and the callback endpoint;
// conditional transitions make duplicate or out-of-order reports no-ops.
// Returns true when the record is terminal and needs no further reports.
func (o *Orchestrator) ApplyEngineStatus(ctx context.Context, recordID string, phase engine.Phase, detail string) (bool, error) {
	rec, err := o.records.Get(ctx, recordID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, fmt.Errorf("deployment %s not found", recordID)
	}
	if rec.State.Terminal() {
		return true, nil
	}

	switch phase {
	case engine.PhaseRunning:
		if rec.State == record.StatePending {
			o.transitionEv(ctx, rec, record.StatePending, record.StateInProgress)
		}
		return false, nil

	case engine.PhaseActive:
		if rec.State == record.StatePending {
			o.transitionEv(ctx, rec, record.StatePending, record.StateInProgress)
		}
		if rec.State == record.StateInProgress {
			o.transitionEv(ctx, rec, record.StateInProgress, record.StateActive)
		}
		return false, nil

	case engine.PhaseSucceeded:
		return true, o.finishSucceeded(ctx, rec)

	case engine.PhaseFailed:
		_, err := o.finishFailed(ctx, rec, failure.Normalize(detail))
		return true, err
	}
	return false, fmt.Errorf("unknown engine phase %q", phase)
}

// transitionEv applies one state-machine edge and audits it. A lost
// race against another driver is not an error; the record simply moved
// on. Updates rec.State in place on success.
func (o *Orchestrator) transitionEv(ctx context.Context, rec *record.Record, from, to record.State) bool {
	if err := o.records.Transition(ctx, rec.ID, from, to); err != nil {
		var ill *record.ErrIllegalTransition
		if !errors.As(err, &ill) {
			o.logger.Error("state transition failed", "record", rec.ID, "error", err)
		}
		return false
	}
	rec.State = to
	o.sink.Record(ctx, audit.Event{
		Actor:     "system",
		Role:      "system",
		Operation: opLifecycle,
		Decision:  audit.DecisionTransition,
		Code:      string(from) + "->" + string(to),
		GroupID:   rec.GroupID,
		Service:   rec.Service,
		RecordID:  rec.ID,
	})
	return true
}

// finishSucceeded walks a record to SUCCEEDED and settles the
// bookkeeping around it: outcomes, supersession, the group token.
func (o *Orchestrator) finishSucceeded(ctx context.Context, rec *record.Record) error {
	// Fast engines can report success without ever reporting the
	// intermediate phases.
	if rec.State == record.StatePending {
		o.transitionEv(ctx, rec, record.StatePending, record.StateInProgress)
	}
	if rec.State == record.StateInProgress {
		o.transitionEv(ctx, rec, record.StateInProgress, record.StateActive)
	}
	if rec.State != record.StateActive {
		return nil
	}
	if !o.transitionEv(ctx, rec, record.StateActive, record.StateSucceeded) {
		return nil
	}
	if err := o.records.SetOutcome(ctx, rec.ID, record.OutcomeSucceeded); err != nil {
		return err
	}

	if rec.Kind == record.KindRollback && rec.RollbackOf != nil {
		// The rollback landed; only now does the displaced deployment
		// get its final word.
		if err := o.records.SetOutcome(ctx, *rec.RollbackOf, record.OutcomeRolledBack); err != nil {
			o.logger.Error("failed to mark rollback target",
				"record", *rec.RollbackOf, "error", err)
		}
	} else {
		if err := o.records.MarkSuperseded(ctx, rec.Service, rec.Environment, rec.ID); err != nil {
			o.logger.Error("failed to mark superseded deployments",
				"service", rec.Service, "error", err)
		}
	}

	o.releaseToken(rec.GroupID, rec.ID)
	o.metrics.Outcomes.WithLabelValues(rec.GroupID, string(record.OutcomeSucceeded)).Inc()
	return nil
}

// finishFailed force-fails a record and settles its bookkeeping.
// Returns false when the record was already terminal.
func (o *Orchestrator) finishFailed(ctx context.Context, rec *record.Record, f failure.Failure) (bool, error) {
	changed, err := o.records.ForceFail(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := o.records.AppendFailure(ctx, rec.ID, f); err != nil {
		o.logger.Error("failed to append failure", "record", rec.ID, "error", err)
	}
	o.sink.Record(ctx, audit.Event{
		Actor:     "system",
		Role:      "system",
		Operation: opLifecycle,
		Decision:  audit.DecisionTransition,
		Code:      string(rec.State) + "->" + string(record.StateFailed),
		GroupID:   rec.GroupID,
		Service:   rec.Service,
		RecordID:  rec.ID,
		Detail:    f.Summary,
	})
	rec.State = record.StateFailed
	o.releaseToken(rec.GroupID, rec.ID)
	o.metrics.Outcomes.WithLabelValues(rec.GroupID, string(record.OutcomeFailed)).Inc()
	return true, nil
}

// releaseToken frees the group's token if this record holds it.
func (o *Orchestrator) releaseToken(groupID, recordID string) {
	if tok, ok := o.locks.Holder(groupID); ok && tok.RecordID == recordID {
		o.locks.Release(groupID)
		o.metrics.InFlight.Dec()
	}
}

// ReapStuck force-fails records with no state change for longer than
// the stuck timeout. This is the safety valve against engine executions
// that die without ever reporting a terminal phase; without it a group
// token would be held forever. Returns how many records were reaped.
func (o *Orchestrator) ReapStuck(ctx context.Context) (int, error) {
	snap := o.cfg.Snapshot()
	cutoff := time.Now().UTC().Add(-snap.StuckTimeout)

	recs, err := o.records.NonTerminal(ctx)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range recs {
		rec := &recs[i]
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		f := failure.Timeout(fmt.Sprintf("no terminal confirmation after %s", snap.StuckTimeout))
		changed, err := o.finishFailed(ctx, rec, f)
		if err != nil {
			o.logger.Error("failed to reap stuck deployment", "record", rec.ID, "error", err)
			continue
		}
		if changed {
			o.logger.Warn("reaped stuck deployment",
				"record", rec.ID, "group", rec.GroupID, "age", time.Since(rec.UpdatedAt))
			reaped++
		}
	}
	return reaped, nil
}

// Resume rebuilds in-memory state after a restart: concurrency tokens
// for every non-terminal record, and status polling for those that
// already have an engine execution. Records that never reached the
// trigger are left for the reaper.
func (o *Orchestrator) Resume(ctx context.Context) error {
	recs, err := o.records.NonTerminal(ctx)
	if err != nil {
		return err
	}
	snap := o.cfg.Snapshot()

	for i := range recs {
		rec := recs[i]
		o.locks.Seed(rec.GroupID, rec.ID, rec.CreatedAt)
		o.metrics.InFlight.Inc()
		o.logger.Info("resumed in-flight deployment",
			"record", rec.ID, "group", rec.GroupID, "state", rec.State)

		if rec.EngineRef != nil {
			ref := *rec.EngineRef
			id := rec.ID
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.poll(context.Background(), id, ref, snap)
			}()
		}
	}
	return nil
}

// Wait blocks until all async runners have finished. Used by tests,
// which script their engines to reach a terminal phase.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close stops the polling loops and waits for the runners to exit.
// In-flight records keep their rows; Resume picks them up on the next
// start.
func (o *Orchestrator) Close() {
	close(o.done)
	o.wg.Wait()
}
