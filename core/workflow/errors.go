package workflow

import "errors"

var (
	// ErrUnknownWorkflow indicates the workflow is missing, disabled or a template.
	ErrUnknownWorkflow = errors.New("unknown_workflow")
	// ErrInvalidTransition indicates the requested state or stage change is not declared.
	ErrInvalidTransition = errors.New("invalid_transition")
	// ErrAlreadyClaimed indicates the work item is no longer queued. Retryable.
	ErrAlreadyClaimed = errors.New("already_claimed")
	// ErrVersionConflict indicates the stored version moved underneath the caller. Retryable.
	ErrVersionConflict = errors.New("version_conflict")
	// ErrPermissionDenied indicates the actor lacks the role or scope for the operation.
	ErrPermissionDenied = errors.New("permission_denied")
	// ErrNotFound indicates a missing row.
	ErrNotFound = errors.New("not_found")
	// ErrInvalidWorkflow indicates a definition that violates a structural invariant.
	ErrInvalidWorkflow = errors.New("invalid_workflow")
)

// Retryable reports whether err is an expected condition the caller should retry
// against fresh state.
func Retryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAlreadyClaimed)
}
