package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Identity is the authenticated caller, produced by the upstream OIDC
// proxy before any check here runs. The engine trusts it as already
// authenticated and applies only role-based authorization.
type Identity struct {
	ActorID string
	Role    string
	Email   string
}

const (
	RoleAdmin    = "admin"
	RoleDeployer = "deployer"
	RoleObserver = "observer"
)

// CanMutate reports whether the role may reach the mutate path at all.
// Observers never do.
func (i Identity) CanMutate() bool {
	return i.Role == RoleAdmin || i.Role == RoleDeployer
}

// IsAdmin reports whether operator-only detail may be shown.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// MaxSummaryLen bounds the free-text change summary.
const MaxSummaryLen = 240

var (
	namePattern    = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	versionPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?$`)
	keyPattern     = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)
)

// ValidateName checks service, environment and group identifiers.
// Names appear in URLs, audit rows and engine payloads, so the charset
// is restricted up front.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%s cannot start with '-' or '.'", kind)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%s contains invalid characters (only a-z, A-Z, 0-9, _, - allowed)", kind)
	}
	return nil
}

// ValidVersion reports whether a version string is well-formed.
func ValidVersion(version string) bool {
	return versionPattern.MatchString(version)
}

// ValidIdempotencyKey reports whether a client-supplied key is usable.
func ValidIdempotencyKey(key string) bool {
	return keyPattern.MatchString(key)
}

// ValidateSummary checks the free-text change summary bound.
func ValidateSummary(summary string) error {
	if len(summary) > MaxSummaryLen {
		return fmt.Errorf("summary exceeds %d characters", MaxSummaryLen)
	}
	return nil
}
