package failure

import "strings"

// Category classifies an engine or infrastructure error into one of a
// small closed set of actionable buckets. Raw engine vocabulary never
// reaches end users; anything unrecognized becomes CategoryUnknown.
type Category string

const (
	CategoryInfrastructure Category = "INFRASTRUCTURE"
	CategoryConfig         Category = "CONFIG"
	CategoryApp            Category = "APP"
	CategoryPolicy         Category = "POLICY"
	CategoryValidation     Category = "VALIDATION"
	CategoryArtifact       Category = "ARTIFACT"
	CategoryTimeout        Category = "TIMEOUT"
	CategoryRollback       Category = "ROLLBACK"
	CategoryUnknown        Category = "UNKNOWN"
)

// Failure is a normalized engine error attached to a deployment record.
type Failure struct {
	Category   Category `json:"category"`
	Summary    string   `json:"summary"`
	Detail     string   `json:"detail"`
	NextAction string   `json:"next_action"`
}

// rule maps substrings of raw engine errors to a category.
// First match wins, so more specific patterns come first.
type rule struct {
	needles    []string
	category   Category
	summary    string
	nextAction string
}

var rules = []rule{
	{
		needles:    []string{"rollback pipeline", "rollback failed", "rollback execution"},
		category:   CategoryRollback,
		summary:    "The rollback execution itself failed",
		nextAction: "Inspect the engine execution and retry the rollback, or escalate to an operator",
	},
	{
		needles:    []string{"deadline exceeded", "timed out", "timeout"},
		category:   CategoryTimeout,
		summary:    "The engine did not report a terminal status in time",
		nextAction: "Check engine health, then retry the deployment",
	},
	{
		needles:    []string{"artifact", "image not found", "manifest unknown", "digest mismatch"},
		category:   CategoryArtifact,
		summary:    "The referenced build artifact could not be resolved",
		nextAction: "Republish the build and register it again before deploying",
	},
	{
		needles:    []string{"forbidden", "unauthorized", "permission denied", "access denied"},
		category:   CategoryPolicy,
		summary:    "The engine rejected the execution for policy reasons",
		nextAction: "Verify the pipeline's service account and permissions",
	},
	{
		needles:    []string{"invalid", "malformed", "validation failed", "bad request"},
		category:   CategoryValidation,
		summary:    "The engine rejected the execution request as invalid",
		nextAction: "Fix the request parameters and resubmit",
	},
	{
		needles:    []string{"pipeline not found", "no such pipeline", "unknown application", "misconfigured"},
		category:   CategoryConfig,
		summary:    "The recipe's engine mapping does not match a pipeline",
		nextAction: "Correct the recipe mapping before retrying",
	},
	{
		needles:    []string{"health check", "readiness", "liveness", "crashloop", "application error"},
		category:   CategoryApp,
		summary:    "The new version failed its health checks",
		nextAction: "Inspect application logs for the failing version",
	},
	{
		needles:    []string{"connection refused", "unavailable", "dial", "dns", "tls", "5xx", "internal server error"},
		category:   CategoryInfrastructure,
		summary:    "The engine or its infrastructure was unreachable",
		nextAction: "Retry once the engine is healthy",
	},
}

// Normalize maps a raw engine error string into a Failure. It is a pure
// function: same input, same output, no side effects.
func Normalize(raw string) Failure {
	lowered := strings.ToLower(raw)
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(lowered, n) {
				return Failure{
					Category:   r.category,
					Summary:    r.summary,
					Detail:     redact(raw),
					NextAction: r.nextAction,
				}
			}
		}
	}
	return Failure{
		Category:   CategoryUnknown,
		Summary:    "The engine reported an unrecognized error",
		Detail:     redact(raw),
		NextAction: "Contact an operator with the request id",
	}
}

// Timeout builds the failure synthesized when a deployment sits in a
// non-terminal state past the operator-configured bound. The policy
// engine synthesizes this itself rather than waiting for the adapter.
func Timeout(detail string) Failure {
	return Failure{
		Category:   CategoryTimeout,
		Summary:    "The engine did not report a terminal status in time",
		Detail:     redact(detail),
		NextAction: "Check engine health, then retry the deployment",
	}
}

const maxDetailLen = 512

// redact trims operator detail to a loggable size. Detail strings are
// operator-facing only; end users see the summary.
func redact(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > maxDetailLen {
		return raw[:maxDetailLen] + "…"
	}
	return raw
}
