package codehive

import "errors"

// Common domain errors used across codehive subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrToolNotFound indicates a qualified tool name matched nothing in the
	// catalog. Wrapping errors should include the requested name.
	ErrToolNotFound = errors.New("tool not found")

	// ErrBackendNotFound indicates a backend name matched no configured
	// backend.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrBackendUnavailable indicates the backend's session is failed or
	// closed and the call was not attempted.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendUnreachable indicates a backend could not be connected or
	// initialized. Discovery logs and skips; other backends continue.
	ErrBackendUnreachable = errors.New("backend unreachable")

	// ErrUnauthorized indicates a backend rejected the connection or call
	// for lack of valid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAuthorizationFailed indicates the OAuth flow itself failed.
	// Wrapping errors should include the failing stage.
	ErrAuthorizationFailed = errors.New("authorization failed")

	// ErrAuthorizationPending indicates no authorization code arrived before
	// the await deadline. The flow may still complete in a later attempt.
	ErrAuthorizationPending = errors.New("authorization pending")

	// ErrInvalidConfig indicates invalid configuration was provided.
	// Wrapping errors should provide specific details about what is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates invalid call parameters.
	// Wrapping errors should specify which parameter is invalid and why.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timed out.
	// Wrapping errors should include the operation type and timeout duration.
	ErrTimeout = errors.New("operation timed out")

	// ErrSandboxUnhealthy indicates the sandbox container failed its health
	// probe or is otherwise not accepting executions.
	ErrSandboxUnhealthy = errors.New("sandbox unhealthy")

	// ErrDirectDispatch indicates a client attempted to call a backend tool
	// directly on the façade surface instead of going through execute_script.
	ErrDirectDispatch = errors.New("direct tool dispatch refused")
)
