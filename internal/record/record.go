package record

import (
	"time"

	"deploygate/internal/failure"
)

// State is the lifecycle position of a deployment attempt.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateActive     State = "ACTIVE"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateCanceled   State = "CANCELED"
	StateRolledBack State = "ROLLED_BACK"
)

// Kind distinguishes forward deployments from rollbacks.
type Kind string

const (
	KindRollForward Kind = "ROLL_FORWARD"
	KindRollback    Kind = "ROLLBACK"
)

// Outcome is the final disposition of a record. Unlike State it can be
// rewritten after the record is terminal: a SUCCEEDED record's outcome
// becomes ROLLED_BACK when its rollback lands, or SUPERSEDED when a
// newer version succeeds.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "SUCCEEDED"
	OutcomeFailed     Outcome = "FAILED"
	OutcomeRolledBack Outcome = "ROLLED_BACK"
	OutcomeCanceled   Outcome = "CANCELED"
	OutcomeSuperseded Outcome = "SUPERSEDED"
)

// Record is a single deployment or rollback attempt. Rows are
// append-immutable except for state, outcome, failures and the engine
// reference; rollbacks are new records linked via RollbackOf, never
// mutations of the original.
type Record struct {
	ID             string
	Service        string
	Environment    string
	Version        string
	RecipeID       string
	RecipeRevision int
	GroupID        string
	State          State
	Kind           Kind
	Outcome        *Outcome
	RollbackOf     *string
	Summary        string
	Failures       []failure.Failure
	EngineRef      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the state frees the group's concurrency token.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCanceled, StateRolledBack:
		return true
	}
	return false
}

// transitions is the allowed edge set of the state machine. Terminal
// states have no outgoing edges.
var transitions = map[State][]State{
	StatePending:    {StateInProgress, StateFailed, StateCanceled},
	StateInProgress: {StateActive, StateFailed, StateCanceled},
	StateActive:     {StateSucceeded, StateFailed, StateCanceled, StateRolledBack},
}

// CanTransition reports whether the edge from → to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RollbackEligible reports whether a record may be targeted by a
// rollback: it must have become active at some point and not already be
// undone. Anything else maps to NO_PRIOR_SUCCESSFUL_VERSION.
func (r *Record) RollbackEligible() bool {
	return r.State == StateActive || r.State == StateSucceeded
}
