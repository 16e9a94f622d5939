package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cordum/teamflow/core/workflow"
)

// QueueForRole lists queued items whose current stage is claimable by role,
// highest priority first, then earliest deadline, then oldest. An empty
// stageID covers every stage of the workflow.
func (o *Orchestrator) QueueForRole(ctx context.Context, workflowID, role, stageID string) ([]*workflow.WorkItem, error) {
	if role == "" {
		return nil, errors.New("role required")
	}
	wf, err := o.defs.Load(ctx, workflowID)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownWorkflow, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	items, err := o.store.QueryWorkItems(ctx, workflow.WorkItemFilter{
		WorkflowID: workflowID,
		StageID:    stageID,
		Statuses:   []workflow.Status{workflow.StatusQueued},
	})
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, item := range items {
		stage, ok := wf.Stage(item.CurrentStageID)
		if !ok || stage.AssignmentType != workflow.AssignmentRoleQueue || !stage.HasRole(role) {
			continue
		}
		out = append(out, item)
	}
	sortQueue(out)
	return out, nil
}

// MyActiveWork lists the items user has claimed and not yet finished.
func (o *Orchestrator) MyActiveWork(ctx context.Context, user string) ([]*workflow.WorkItem, error) {
	if user == "" {
		return nil, errors.New("user required")
	}
	items, err := o.store.QueryWorkItems(ctx, workflow.WorkItemFilter{
		ClaimedBy: user,
		Statuses:  []workflow.Status{workflow.StatusClaimed, workflow.StatusInProgress},
	})
	if err != nil {
		return nil, err
	}
	sortQueue(items)
	return items, nil
}

func sortQueue(items []*workflow.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		switch {
		case a.DueAt != nil && b.DueAt == nil:
			return true
		case a.DueAt == nil && b.DueAt != nil:
			return false
		case a.DueAt != nil && !a.DueAt.Equal(*b.DueAt):
			return a.DueAt.Before(*b.DueAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
