// Package engine defines the boundary to the external deployment engine.
// The core only needs a trigger call returning an opaque execution
// reference and a three-valued terminal signal; it does not know which
// engine sits behind the adapter.
package engine

import "context"

// Phase is the adapter's view of an execution.
type Phase string

const (
	// PhaseRunning: the execution started but the new version is not
	// serving yet.
	PhaseRunning Phase = "running"
	// PhaseActive: the new version is serving traffic.
	PhaseActive Phase = "active"
	// PhaseSucceeded: the execution finished successfully.
	PhaseSucceeded Phase = "succeeded"
	// PhaseFailed: the execution finished unsuccessfully.
	PhaseFailed Phase = "failed"
)

// Terminal reports whether the phase ends the execution.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// TriggerRequest is everything the engine needs to start an execution.
type TriggerRequest struct {
	RecordID    string `json:"record_id"`
	Service     string `json:"service"`
	Environment string `json:"environment"`
	Version     string `json:"version"`
	Application string `json:"application"`
	Pipeline    string `json:"pipeline"`
	Rollback    bool   `json:"rollback"`
}

// Adapter triggers and observes executions.
//
// Trigger is never retried by the core: a timed-out trigger is treated
// as failed rather than risking a double-trigger. Status is a read-only
// poll and safe to retry.
type Adapter interface {
	Trigger(ctx context.Context, req TriggerRequest) (string, error)
	Status(ctx context.Context, ref string) (Phase, string, error)
}
