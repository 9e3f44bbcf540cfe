package policy

import (
	"context"

	"deploygate/internal/config"
	"deploygate/internal/record"
)

// Validator answers whether a deployment intent is permitted by the
// current configuration. Checks run in a fixed order so a caller probing
// with a disallowed service learns nothing about environments or
// recipes: authorization denials come before shape denials.
type Validator struct {
	builds *record.BuildRegistry
}

// NewValidator creates a validator backed by the build registry.
func NewValidator(builds *record.BuildRegistry) *Validator {
	return &Validator{builds: builds}
}

// serviceGroup resolves a service to its active delivery group. The
// allowlist gate runs first: with an explicit allowlist configured,
// membership in it decides; without one, every group member service is
// implicitly allowed.
func (v *Validator) serviceGroup(snap *config.Snapshot, service string) (*config.Group, *Error) {
	groupID, member := snap.ServiceGroup[service]

	if len(snap.Allowlist) > 0 {
		if !snap.Allowlist[service] {
			return nil, ErrServiceNotAllowlisted
		}
	} else if !member {
		return nil, ErrServiceNotAllowlisted
	}

	if !member {
		return nil, ErrServiceNotInGroup
	}
	g := snap.Groups[groupID]
	if g == nil || g.Deactivated {
		return nil, ErrServiceNotInGroup.
			WithHint("delivery group '" + groupID + "' is deactivated")
	}
	return g, nil
}

// ValidateDeploy checks a roll-forward intent against the snapshot and
// returns the resolved group and recipe. The order is deliberate:
// service allowlist, then group membership, then environment, then
// recipe allowance, then recipe compatibility, then version shape, then
// version existence.
func (v *Validator) ValidateDeploy(ctx context.Context, snap *config.Snapshot, in Intent) (*config.Group, *config.Recipe, error) {
	g, perr := v.serviceGroup(snap, in.Service)
	if perr != nil {
		return nil, nil, perr
	}
	if !g.Environments[in.Environment] {
		return nil, nil, ErrEnvironmentNotAllowed
	}
	if !g.Recipes[in.RecipeID] {
		return nil, nil, ErrRecipeNotAllowed
	}
	rcp := snap.Recipes[in.RecipeID]
	if rcp == nil {
		return nil, nil, ErrRecipeNotAllowed
	}
	if rcp.Deprecated() {
		return nil, nil, ErrRecipeIncompatible.
			WithMessage("Recipe '" + in.RecipeID + "' is deprecated and cannot be used for new deployments")
	}
	if !ValidVersion(in.Version) {
		return nil, nil, ErrInvalidVersion
	}
	exists, err := v.builds.Exists(ctx, in.Service, in.Version)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, ErrVersionNotFound.
			WithHint("register the build for " + in.Service + "@" + in.Version + " before deploying")
	}
	return g, rcp, nil
}

// ValidateService is the reduced check for operations that carry only a
// service name (build registration, upload capability).
func (v *Validator) ValidateService(snap *config.Snapshot, service string) (*config.Group, error) {
	if err := ValidateName("service", service); err != nil {
		return nil, ErrInvalidRequest.WithMessage(err.Error())
	}
	g, perr := v.serviceGroup(snap, service)
	if perr != nil {
		return nil, perr
	}
	return g, nil
}
