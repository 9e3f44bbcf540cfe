package config

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Snapshot is a fully resolved, immutable view of the configuration.
// A request reads one snapshot for its whole lifetime; reloads swap the
// pointer, never mutate in place.
type Snapshot struct {
	Server     ServerConfig
	Engine     EngineConfig
	KillSwitch bool

	// Allowlist is the global service allowlist. Empty means every
	// delivery-group member service is allowed.
	Allowlist map[string]bool

	Groups       map[string]*Group
	ServiceGroup map[string]string
	Recipes      map[string]*Recipe

	DailyDeployQuota   int
	DailyRollbackQuota int
	DailyBuildQuota    int
	DailyUploadQuota   int
	ReadRPM            int
	MutateRPM          int
	StuckTimeout       time.Duration
	TriggerTimeout     time.Duration
	PollInterval       time.Duration
}

// Group is a resolved delivery group with guardrails filled in from
// system defaults where unset.
type Group struct {
	ID           string
	Name         string
	Owners       []string
	Services     []string
	Environments map[string]bool
	Recipes      map[string]bool
	Deactivated  bool

	DailyDeployQuota   int
	DailyRollbackQuota int
}

// Recipe is a resolved recipe with its persisted revision.
type Recipe struct {
	ID               string
	Status           string
	Application      string
	DeployPipeline   string
	RollbackPipeline string
	Revision         int
}

// Deprecated reports whether the recipe is rejected for new intents.
func (r *Recipe) Deprecated() bool { return r.Status == RecipeDeprecated }

// InUse reports whether any delivery group's allowlist references the
// recipe. "In use" is derived, never stored, so it cannot drift from
// the source of truth.
func (f *File) InUse(recipeID string) bool {
	for _, g := range f.DeliveryGroups {
		for _, rid := range g.Recipes {
			if rid == recipeID {
				return true
			}
		}
	}
	return false
}

// Resolve builds a Snapshot from a validated File. Recipe revisions are
// resolved through the revision store; a mapping change on an in-use
// recipe is an error and the whole resolve fails, keeping the previous
// snapshot in effect.
func (f *File) Resolve(ctx context.Context, revs *RevisionStore) (*Snapshot, error) {
	if errs := f.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	s := &Snapshot{
		Server:       f.Server,
		Engine:       f.Engine,
		KillSwitch:   f.KillSwitch,
		Allowlist:    make(map[string]bool, len(f.ServiceAllowlist)),
		Groups:       make(map[string]*Group, len(f.DeliveryGroups)),
		ServiceGroup: make(map[string]string),
		Recipes:      make(map[string]*Recipe, len(f.Recipes)),

		DailyDeployQuota:   orDefault(f.Defaults.DailyDeployQuota, DefaultDailyDeployQuota),
		DailyRollbackQuota: orDefault(f.Defaults.DailyRollbackQuota, DefaultDailyRollbackQuota),
		DailyBuildQuota:    orDefault(f.Defaults.DailyBuildQuota, DefaultDailyBuildQuota),
		DailyUploadQuota:   orDefault(f.Defaults.DailyUploadQuota, DefaultDailyUploadQuota),
		ReadRPM:            orDefault(f.Defaults.ReadRPM, DefaultReadRPM),
		MutateRPM:          orDefault(f.Defaults.MutateRPM, DefaultMutateRPM),
		StuckTimeout:       time.Duration(orDefault(f.Defaults.StuckTimeoutMinutes, DefaultStuckTimeoutMin)) * time.Minute,
		TriggerTimeout:     time.Duration(orDefault(f.Engine.TriggerTimeoutSeconds, DefaultTriggerTimeoutSec)) * time.Second,
		PollInterval:       time.Duration(orDefault(f.Engine.PollIntervalSeconds, DefaultPollIntervalSec)) * time.Second,
	}

	for _, svc := range f.ServiceAllowlist {
		s.Allowlist[svc] = true
	}

	for id, gc := range f.DeliveryGroups {
		g := &Group{
			ID:           id,
			Name:         gc.Name,
			Owners:       gc.Owners,
			Services:     gc.Services,
			Environments: make(map[string]bool, len(gc.Environments)),
			Recipes:      make(map[string]bool, len(gc.Recipes)),
			Deactivated:  gc.Deactivated,

			DailyDeployQuota:   orDefault(gc.Guardrails.DailyDeployQuota, s.DailyDeployQuota),
			DailyRollbackQuota: orDefault(gc.Guardrails.DailyRollbackQuota, s.DailyRollbackQuota),
		}
		for _, env := range gc.Environments {
			g.Environments[env] = true
		}
		for _, rid := range gc.Recipes {
			g.Recipes[rid] = true
		}
		s.Groups[id] = g
		for _, svc := range gc.Services {
			s.ServiceGroup[svc] = id
		}
	}

	for id, rc := range f.Recipes {
		status := rc.Status
		if status == "" {
			status = RecipeActive
		}
		revision := 1
		if revs != nil {
			var err error
			revision, err = revs.Resolve(ctx, id, rc.MappingHash(), f.InUse(id))
			if err != nil {
				return nil, fmt.Errorf("recipe '%s': %w", id, err)
			}
		}
		s.Recipes[id] = &Recipe{
			ID:               id,
			Status:           status,
			Application:      rc.Application,
			DeployPipeline:   rc.DeployPipeline,
			RollbackPipeline: rc.RollbackPipeline,
			Revision:         revision,
		}
	}

	return s, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
