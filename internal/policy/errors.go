package policy

import "net/http"

// Error is a policy denial with a stable machine-readable code. Message
// is always end-user-safe; Hint is operator guidance surfaced only to
// admin-role callers.
type Error struct {
	Code    string
	Status  int
	Message string
	Hint    string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// WithHint returns a copy carrying operator guidance.
func (e *Error) WithHint(hint string) *Error {
	c := *e
	c.Hint = hint
	return &c
}

// WithMessage returns a copy with a more specific user-safe message.
func (e *Error) WithMessage(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

// The fixed error vocabulary of the policy engine. Admission denials
// are retryable later; validation denials require changing the request.
var (
	ErrMutationsDisabled = &Error{
		Code: "MUTATIONS_DISABLED", Status: http.StatusServiceUnavailable,
		Message: "Deployments are temporarily disabled by the operations team",
	}
	ErrRateLimited = &Error{
		Code: "RATE_LIMITED", Status: http.StatusTooManyRequests,
		Message: "Too many requests; slow down and retry shortly",
	}
	ErrQuotaExceeded = &Error{
		Code: "QUOTA_EXCEEDED", Status: http.StatusTooManyRequests,
		Message: "The daily allowance for this operation is exhausted",
	}
	ErrConcurrencyLimit = &Error{
		Code: "CONCURRENCY_LIMIT_REACHED", Status: http.StatusConflict,
		Message: "Another deployment is already in flight for this delivery group",
	}
	ErrRequestInFlight = &Error{
		Code: "REQUEST_IN_FLIGHT", Status: http.StatusConflict,
		Message: "An identical request is still being processed; retry shortly",
	}
	ErrIdempotencyConflict = &Error{
		Code: "IDEMPOTENCY_KEY_CONFLICT", Status: http.StatusConflict,
		Message: "This idempotency key was already used for a different request; mint a new key",
	}
	ErrBuildConflict = &Error{
		Code: "BUILD_REGISTRATION_CONFLICT", Status: http.StatusConflict,
		Message: "This version is already registered with a different artifact",
	}
	ErrServiceNotAllowlisted = &Error{
		Code: "SERVICE_NOT_ALLOWLISTED", Status: http.StatusForbidden,
		Message: "This service is not enabled for managed deployments",
	}
	ErrServiceNotInGroup = &Error{
		Code: "SERVICE_NOT_IN_DELIVERY_GROUP", Status: http.StatusForbidden,
		Message: "This service is not assigned to an active delivery group",
	}
	ErrEnvironmentNotAllowed = &Error{
		Code: "ENVIRONMENT_NOT_ALLOWED", Status: http.StatusForbidden,
		Message: "This environment is not allowed for the service's delivery group",
	}
	ErrRecipeNotAllowed = &Error{
		Code: "RECIPE_NOT_ALLOWED", Status: http.StatusForbidden,
		Message: "This recipe is not allowed for the service's delivery group",
	}
	ErrRecipeIncompatible = &Error{
		Code: "RECIPE_INCOMPATIBLE", Status: http.StatusBadRequest,
		Message: "This recipe cannot be used for new deployments",
	}
	ErrInvalidVersion = &Error{
		Code: "INVALID_VERSION", Status: http.StatusBadRequest,
		Message: "The version is not a valid version string",
	}
	ErrVersionNotFound = &Error{
		Code: "VERSION_NOT_FOUND", Status: http.StatusBadRequest,
		Message: "This version has not been registered for the service",
	}
	ErrNoPriorSuccess = &Error{
		Code: "NO_PRIOR_SUCCESSFUL_VERSION", Status: http.StatusConflict,
		Message: "Only deployments that reached active or succeeded can be rolled back",
	}
	ErrRoleForbidden = &Error{
		Code: "ROLE_FORBIDDEN", Status: http.StatusForbidden,
		Message: "Your role does not permit this operation",
	}
	ErrUnauthenticated = &Error{
		Code: "UNAUTHENTICATED", Status: http.StatusUnauthorized,
		Message: "Caller identity is missing",
	}
	ErrAlreadyTerminal = &Error{
		Code: "DEPLOYMENT_ALREADY_TERMINAL", Status: http.StatusConflict,
		Message: "This deployment already reached a terminal state",
	}
	ErrDeploymentNotFound = &Error{
		Code: "DEPLOYMENT_NOT_FOUND", Status: http.StatusNotFound,
		Message: "No deployment with this id exists",
	}
	ErrGroupNotFound = &Error{
		Code: "DELIVERY_GROUP_NOT_FOUND", Status: http.StatusNotFound,
		Message: "No delivery group with this id exists",
	}
	ErrInvalidRequest = &Error{
		Code: "INVALID_REQUEST", Status: http.StatusBadRequest,
		Message: "The request is malformed",
	}
	ErrInternal = &Error{
		Code: "INTERNAL_ERROR", Status: http.StatusInternalServerError,
		Message: "An internal error occurred; retry with the same idempotency key",
	}
)

// AsError coerces any error into a policy Error, defaulting to
// INTERNAL_ERROR so raw internals never reach the wire.
func AsError(err error) *Error {
	if pe, ok := err.(*Error); ok {
		return pe
	}
	return ErrInternal.WithHint(err.Error())
}
