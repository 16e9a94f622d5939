package teamsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/teamflow/core/workflow"
)

// ReplicateWorkflow publishes a definition as a workflows row. Team
// definitions go to their team, global ones to every joined team.
func (e *Engine) ReplicateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: workflow required", ErrMalformedEnvelope)
	}
	var errs []error
	for _, team := range e.workflowTeams(wf) {
		op, err := NewOperation(TableWorkflows, OpUpdate, wf.ID, team, wf.UpdatedAt.UnixMilli(), wf)
		if err == nil {
			err = e.PublishOperation(ctx, op)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("team %s: %w", team, err))
		}
	}
	return errors.Join(errs...)
}

// ReplicateWorkflowDelete publishes the removal of wf, stamped with at.
func (e *Engine) ReplicateWorkflowDelete(ctx context.Context, wf *workflow.Workflow, at time.Time) error {
	if wf == nil {
		return fmt.Errorf("%w: workflow required", ErrMalformedEnvelope)
	}
	var errs []error
	for _, team := range e.workflowTeams(wf) {
		op, err := NewOperation(TableWorkflows, OpDelete, wf.ID, team, at.UnixMilli(), nil)
		if err == nil {
			op.Timestamp = at.UTC()
			err = e.PublishOperation(ctx, op)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("team %s: %w", team, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) workflowTeams(wf *workflow.Workflow) []string {
	switch wf.WorkflowType {
	case workflow.WorkflowTypeTeam:
		if e.teams[wf.TeamID] {
			return []string{wf.TeamID}
		}
		return nil
	case workflow.WorkflowTypeGlobal:
		return e.Teams()
	default:
		return nil
	}
}
