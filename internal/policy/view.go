package policy

import (
	"time"

	"deploygate/internal/failure"
	"deploygate/internal/record"
)

// RecordView is the wire shape of a deployment record. The same shape
// serves admission responses, reads and replays, so a replayed response
// is byte-identical to the original. Operator-only fields (the engine
// reference) are added separately by the HTTP layer for admins.
type RecordView struct {
	ID             string            `json:"id"`
	Service        string            `json:"service"`
	Environment    string            `json:"environment"`
	Version        string            `json:"version"`
	RecipeID       string            `json:"recipe_id"`
	RecipeRevision int               `json:"recipe_revision"`
	DeliveryGroup  string            `json:"delivery_group"`
	State          record.State      `json:"state"`
	Kind           record.Kind       `json:"kind"`
	Outcome        *record.Outcome   `json:"outcome,omitempty"`
	RollbackOf     *string           `json:"rollback_of,omitempty"`
	Summary        string            `json:"summary,omitempty"`
	Failures       []failure.Failure `json:"failures,omitempty"`
	EngineRef      *string           `json:"engine_ref,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// BuildView is the wire shape of a registered build.
type BuildView struct {
	Service      string    `json:"service"`
	Version      string    `json:"version"`
	Digest       string    `json:"digest"`
	RegisteredAt time.Time `json:"registered_at"`
}

// UploadGrant is the wire shape of an upload capability.
type UploadGrant struct {
	UploadRef string    `json:"upload_ref"`
	Service   string    `json:"service"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ViewRecord renders a record for the wire. The engine reference is
// included only when admin is set; everyone else sees the same shape
// minus operator detail.
func ViewRecord(r *record.Record, admin bool) RecordView {
	v := RecordView{
		ID:             r.ID,
		Service:        r.Service,
		Environment:    r.Environment,
		Version:        r.Version,
		RecipeID:       r.RecipeID,
		RecipeRevision: r.RecipeRevision,
		DeliveryGroup:  r.GroupID,
		State:          r.State,
		Kind:           r.Kind,
		Outcome:        r.Outcome,
		RollbackOf:     r.RollbackOf,
		Summary:        r.Summary,
		Failures:       r.Failures,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if admin {
		v.EngineRef = r.EngineRef
	}
	return v
}
