package core

// errors.go – error taxonomy for the consensus-journal core.
//
// Errors are classified by kind; call sites wrap with fmt.Errorf("%w") and
// match with errors.Is. The guard chain converts I/O and crypto failures to
// the operation's result kind; it never partially authorizes.

import "errors"

var (
	// ErrNotFound indicates a missing key, fact, peer or invitation.
	ErrNotFound = errors.New("not found")
	// ErrInvalid indicates a malformed or unverifiable input.
	ErrInvalid = errors.New("invalid")
	// ErrSchemaUnsupported indicates an unregistered fact type id.
	ErrSchemaUnsupported = errors.New("schema unsupported")
	// ErrPayloadTooLarge indicates a fact payload above the class cap.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrStorage indicates a persistence backend failure.
	ErrStorage = errors.New("storage failure")
	// ErrNetwork indicates a transport failure.
	ErrNetwork = errors.New("network failure")
	// ErrTimeout indicates a crossed deadline.
	ErrTimeout = errors.New("timeout")
	// ErrAuthorizationFailed indicates a failed capability or signature check.
	ErrAuthorizationFailed = errors.New("authorization failed")
	// ErrInsufficientBudget indicates a flow-budget charge above the limit.
	ErrInsufficientBudget = errors.New("insufficient budget")
	// ErrEquivocationDetected indicates a witness bound two result ids.
	ErrEquivocationDetected = errors.New("equivocation detected")
	// ErrPartitioned indicates a sync session that could not converge.
	ErrPartitioned = errors.New("partitioned")
	// ErrInternal indicates an invariant violation inside the core.
	ErrInternal = errors.New("internal error")
)

// ExitCode maps an error kind to the CLI exit code contract:
// 0 success, 2 invalid usage, 3 authorization denied, 4 timeout, 5 internal.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrSchemaUnsupported), errors.Is(err, ErrPayloadTooLarge):
		return 2
	case errors.Is(err, ErrAuthorizationFailed), errors.Is(err, ErrInsufficientBudget):
		return 3
	case errors.Is(err, ErrTimeout):
		return 4
	default:
		return 5
	}
}
