package workflow

import "context"

// Store is the persistence boundary for definitions, work items and history.
//
// SaveWorkItem is a compare-and-swap: the write commits only when the stored
// version equals expectedVersion (0 means the row must not exist yet), otherwise
// it returns ErrVersionConflict. Lookups of missing rows return ErrNotFound.
type Store interface {
	LoadWorkflow(ctx context.Context, id string) (*Workflow, error)
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	// DeleteWorkflow removes the definition with its work items and history.
	DeleteWorkflow(ctx context.Context, id string) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	LoadWorkItem(ctx context.Context, id string) (*WorkItem, error)
	SaveWorkItem(ctx context.Context, wi *WorkItem, expectedVersion int64) error
	QueryWorkItems(ctx context.Context, filter WorkItemFilter) ([]*WorkItem, error)

	AppendTransition(ctx context.Context, t *StageTransition) error
	ListTransitions(ctx context.Context, workItemID string) ([]StageTransition, error)

	Close() error
}
