package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in defaults, used when the config file leaves a value unset.
const (
	DefaultDailyDeployQuota   = 20
	DefaultDailyRollbackQuota = 10
	DefaultDailyBuildQuota    = 50
	DefaultDailyUploadQuota   = 50
	DefaultReadRPM            = 120
	DefaultMutateRPM          = 30
	DefaultStuckTimeoutMin    = 45
	DefaultPollIntervalSec    = 10
	DefaultTriggerTimeoutSec  = 30
)

var nameRx = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// File is the on-disk YAML shape of the configuration.
type File struct {
	Server           ServerConfig           `yaml:"server"`
	Engine           EngineConfig           `yaml:"engine"`
	Defaults         Defaults               `yaml:"defaults"`
	KillSwitch       bool                   `yaml:"kill_switch"`
	ServiceAllowlist []string               `yaml:"service_allowlist"`
	DeliveryGroups   map[string]GroupConfig `yaml:"delivery_groups"`
	Recipes          map[string]RecipeConfig `yaml:"recipes"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EngineConfig points at the external deployment engine.
type EngineConfig struct {
	BaseURL               string `yaml:"base_url"`
	TriggerTimeoutSeconds int    `yaml:"trigger_timeout_seconds"`
	PollIntervalSeconds   int    `yaml:"poll_interval_seconds"`
	// CallbackSecret signs engine callback payloads. When empty the
	// callback endpoint is disabled and status comes from polling only.
	CallbackSecret string `yaml:"callback_secret"`
}

// Defaults are system-wide guardrail values applied where a delivery
// group leaves a guardrail unset.
type Defaults struct {
	DailyDeployQuota        int `yaml:"daily_deploy_quota"`
	DailyRollbackQuota      int `yaml:"daily_rollback_quota"`
	DailyBuildQuota         int `yaml:"daily_build_quota"`
	DailyUploadQuota        int `yaml:"daily_upload_quota"`
	ReadRPM                 int `yaml:"read_rpm"`
	MutateRPM               int `yaml:"mutate_rpm"`
	StuckTimeoutMinutes     int `yaml:"stuck_deployment_timeout_minutes"`
}

// GroupConfig is a delivery group as written in YAML.
type GroupConfig struct {
	Name         string     `yaml:"name"`
	Owners       []string   `yaml:"owners"`
	Services     []string   `yaml:"services"`
	Environments []string   `yaml:"environments"`
	Recipes      []string   `yaml:"recipes"`
	Guardrails   Guardrails `yaml:"guardrails"`
	Deactivated  bool       `yaml:"deactivated"`
}

// Guardrails are the numeric policy limits of a delivery group.
// Zero means "use the system default".
type Guardrails struct {
	MaxConcurrentDeployments int `yaml:"max_concurrent_deployments"`
	DailyDeployQuota         int `yaml:"daily_deploy_quota"`
	DailyRollbackQuota       int `yaml:"daily_rollback_quota"`
}

// RecipeConfig is a deployment recipe as written in YAML.
type RecipeConfig struct {
	Status           string `yaml:"status"`
	Application      string `yaml:"application"`
	DeployPipeline   string `yaml:"deploy_pipeline"`
	RollbackPipeline string `yaml:"rollback_pipeline"`
}

const (
	RecipeActive     = "active"
	RecipeDeprecated = "deprecated"
)

// Parse unmarshals raw YAML into a File.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if f.DeliveryGroups == nil {
		f.DeliveryGroups = make(map[string]GroupConfig)
	}
	if f.Recipes == nil {
		f.Recipes = make(map[string]RecipeConfig)
	}
	return &f, nil
}

// Validate checks the parsed file and returns one message per problem.
// An empty slice means the file is usable.
func (f *File) Validate() []string {
	var errs []string

	if f.Server.Port < 0 || f.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("  - server: invalid port %d", f.Server.Port))
	}

	seenService := make(map[string]string)
	for id, g := range f.DeliveryGroups {
		if !nameRx.MatchString(id) {
			errs = append(errs, fmt.Sprintf("  - group '%s': invalid group id", id))
		}
		if len(g.Services) == 0 {
			errs = append(errs, fmt.Sprintf("  - group '%s': no member services", id))
		}
		for _, svc := range g.Services {
			if !nameRx.MatchString(svc) {
				errs = append(errs, fmt.Sprintf("  - group '%s': invalid service name '%s'", id, svc))
				continue
			}
			if other, dup := seenService[svc]; dup {
				errs = append(errs, fmt.Sprintf("  - service '%s' belongs to both '%s' and '%s'; a service may belong to exactly one delivery group", svc, other, id))
			}
			seenService[svc] = id
		}
		if len(g.Environments) == 0 {
			errs = append(errs, fmt.Sprintf("  - group '%s': no allowed environments", id))
		}
		for _, env := range g.Environments {
			if !nameRx.MatchString(env) {
				errs = append(errs, fmt.Sprintf("  - group '%s': invalid environment name '%s'", id, env))
			}
		}
		for _, rid := range g.Recipes {
			if _, ok := f.Recipes[rid]; !ok {
				errs = append(errs, fmt.Sprintf("  - group '%s': references unknown recipe '%s'", id, rid))
			}
		}
		errs = append(errs, validateGuardrails(id, g.Guardrails)...)
	}

	for id, r := range f.Recipes {
		if !nameRx.MatchString(id) {
			errs = append(errs, fmt.Sprintf("  - recipe '%s': invalid recipe id", id))
		}
		status := r.Status
		if status == "" {
			status = RecipeActive
		}
		if status != RecipeActive && status != RecipeDeprecated {
			errs = append(errs, fmt.Sprintf("  - recipe '%s': status must be 'active' or 'deprecated', got '%s'", id, r.Status))
		}
		if r.Application == "" {
			errs = append(errs, fmt.Sprintf("  - recipe '%s': missing required 'application' field", id))
		}
		if r.DeployPipeline == "" {
			errs = append(errs, fmt.Sprintf("  - recipe '%s': missing required 'deploy_pipeline' field", id))
		}
		if r.RollbackPipeline == "" {
			errs = append(errs, fmt.Sprintf("  - recipe '%s': missing required 'rollback_pipeline' field", id))
		}
	}

	for _, svc := range f.ServiceAllowlist {
		if !nameRx.MatchString(svc) {
			errs = append(errs, fmt.Sprintf("  - service_allowlist: invalid service name '%s'", svc))
		}
	}

	errs = append(errs, validateDefaults(f.Defaults)...)

	sort.Strings(errs)
	return errs
}

func validateGuardrails(group string, g Guardrails) []string {
	var errs []string
	if g.MaxConcurrentDeployments < 0 || g.MaxConcurrentDeployments > 1 {
		errs = append(errs, fmt.Sprintf("  - group '%s': max_concurrent_deployments must be 1 (one active deployment per group) or unset", group))
	}
	if g.DailyDeployQuota < 0 {
		errs = append(errs, fmt.Sprintf("  - group '%s': daily_deploy_quota must be a positive integer or unset", group))
	}
	if g.DailyRollbackQuota < 0 {
		errs = append(errs, fmt.Sprintf("  - group '%s': daily_rollback_quota must be a positive integer or unset", group))
	}
	return errs
}

func validateDefaults(d Defaults) []string {
	var errs []string
	check := func(name string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("  - defaults: %s must be a positive integer or unset", name))
		}
	}
	check("daily_deploy_quota", d.DailyDeployQuota)
	check("daily_rollback_quota", d.DailyRollbackQuota)
	check("daily_build_quota", d.DailyBuildQuota)
	check("daily_upload_quota", d.DailyUploadQuota)
	check("read_rpm", d.ReadRPM)
	check("mutate_rpm", d.MutateRPM)
	check("stuck_deployment_timeout_minutes", d.StuckTimeoutMinutes)
	return errs
}

// MappingHash fingerprints a recipe's engine mapping. The revision store
// uses it to detect mapping changes across reloads.
func (r RecipeConfig) MappingHash() string {
	h := sha256.Sum256([]byte(strings.Join([]string{r.Application, r.DeployPipeline, r.RollbackPipeline}, "\x00")))
	return hex.EncodeToString(h[:])
}
