package workflow

import "fmt"

// Status captures the lifecycle of a work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusClaimed    Status = "claimed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusClaimed,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

// ActiveStatuses are the statuses an SLA applies to.
var ActiveStatuses = []Status{StatusQueued, StatusClaimed, StatusInProgress}

// in_progress -> queued is a stage advance to a non-terminal stage.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusClaimed, StatusCancelled},
	StatusClaimed:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusQueued, StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

// HoldsClaim reports whether claimed_by must be set in this status.
func (s Status) HoldsClaim() bool {
	return s == StatusClaimed || s == StatusInProgress
}

// CanTransition reports whether from -> to is allowed by the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
