package workflow

import (
	"fmt"
	"strings"
	"time"
)

// EntryStage returns the first stage of the workflow.
func (w *Workflow) EntryStage() (Stage, bool) {
	if w == nil || len(w.Stages) == 0 {
		return Stage{}, false
	}
	return w.Stages[0], true
}

// Stage returns the stage with the given id.
func (w *Workflow) Stage(id string) (Stage, bool) {
	if w == nil {
		return Stage{}, false
	}
	for _, st := range w.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

func (w *Workflow) stageIndex(id string) int {
	for i, st := range w.Stages {
		if st.ID == id {
			return i
		}
	}
	return -1
}

// NextStages returns the stages reachable in one step from id.
// A stage without declared transitions advances to the following stage in order.
func (w *Workflow) NextStages(id string) []string {
	idx := w.stageIndex(id)
	if idx < 0 {
		return nil
	}
	st := w.Stages[idx]
	if len(st.Next) > 0 {
		return st.Next
	}
	if st.Terminal || idx == len(w.Stages)-1 {
		return nil
	}
	return []string{w.Stages[idx+1].ID}
}

// IsTerminalStage reports whether work ends when it reaches stage id.
func (w *Workflow) IsTerminalStage(id string) bool {
	idx := w.stageIndex(id)
	if idx < 0 {
		return false
	}
	st := w.Stages[idx]
	if st.Terminal {
		return true
	}
	return len(st.Next) == 0 && idx == len(w.Stages)-1
}

// ResolveNext picks the stage to advance to from current. An empty requested id
// takes the first declared transition.
func (w *Workflow) ResolveNext(current, requested string) (Stage, error) {
	next := w.NextStages(current)
	if len(next) == 0 {
		return Stage{}, fmt.Errorf("%w: stage %s declares no transitions", ErrInvalidTransition, current)
	}
	target := next[0]
	if requested != "" {
		target = ""
		for _, id := range next {
			if id == requested {
				target = id
				break
			}
		}
		if target == "" {
			return Stage{}, fmt.Errorf("%w: stage %s does not declare %s", ErrInvalidTransition, current, requested)
		}
	}
	st, ok := w.Stage(target)
	if !ok {
		return Stage{}, fmt.Errorf("%w: unknown stage %s", ErrInvalidTransition, target)
	}
	return st, nil
}

// DueAt computes the deadline for entering stage at from.
func DueAt(stage Stage, from time.Time) *time.Time {
	sla := stage.SLA()
	if sla <= 0 {
		return nil
	}
	due := from.Add(sla).UTC()
	return &due
}

// Executable reports whether work items may be created from the workflow.
func (w *Workflow) Executable() bool {
	return w != nil && w.Enabled && !w.IsTemplate && len(w.Stages) > 0
}

// HasTrigger reports whether the workflow declares trigger t.
func (w *Workflow) HasTrigger(t TriggerType) bool {
	for _, tr := range w.Triggers {
		if tr == t {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a definition.
func (w *Workflow) Validate() error {
	if w == nil {
		return fmt.Errorf("%w: workflow required", ErrInvalidWorkflow)
	}
	var problems []string
	if strings.TrimSpace(w.ID) == "" {
		problems = append(problems, "id required")
	}
	if strings.TrimSpace(w.Name) == "" {
		problems = append(problems, "name required")
	}
	switch w.WorkflowType {
	case WorkflowTypeTeam:
		if w.TeamID == "" {
			problems = append(problems, "team workflow requires team_id")
		}
	case WorkflowTypePersonal, WorkflowTypeGlobal:
		if w.TeamID != "" {
			problems = append(problems, "team_id only allowed on team workflows")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown workflow_type %q", w.WorkflowType))
	}
	for _, tr := range w.Triggers {
		switch tr {
		case TriggerManual, TriggerEvent, TriggerFormSubmit:
		case TriggerScheduled:
			if w.Schedule == "" {
				problems = append(problems, "scheduled trigger requires schedule")
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown trigger %q", tr))
		}
	}
	if len(w.Stages) == 0 {
		problems = append(problems, "at least one stage required")
	}
	seen := make(map[string]bool, len(w.Stages))
	for _, st := range w.Stages {
		if st.ID == "" {
			problems = append(problems, "stage id required")
			continue
		}
		if seen[st.ID] {
			problems = append(problems, fmt.Sprintf("duplicate stage id %s", st.ID))
		}
		seen[st.ID] = true
		switch st.StageType {
		case StageTypeManual, StageTypeAutomatic, StageTypeApproval:
		default:
			problems = append(problems, fmt.Sprintf("stage %s: unknown stage_type %q", st.ID, st.StageType))
		}
		switch st.AssignmentType {
		case AssignmentRoleQueue:
			if !st.Terminal && len(st.EligibleRoles) == 0 {
				problems = append(problems, fmt.Sprintf("stage %s: role queue requires eligible_roles", st.ID))
			}
		case AssignmentDirectAssignee:
		default:
			problems = append(problems, fmt.Sprintf("stage %s: unknown assignment_type %q", st.ID, st.AssignmentType))
		}
		if st.SLASeconds < 0 {
			problems = append(problems, fmt.Sprintf("stage %s: negative sla", st.ID))
		}
	}
	for _, st := range w.Stages {
		for _, next := range st.Next {
			if !seen[next] {
				problems = append(problems, fmt.Sprintf("stage %s: unknown next stage %s", st.ID, next))
			}
		}
	}
	if len(problems) == 0 {
		for _, id := range w.unreachable() {
			problems = append(problems, fmt.Sprintf("stage %s unreachable from entry", id))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidWorkflow, strings.Join(problems, "; "))
	}
	return nil
}

// unreachable returns non-terminal stages the entry stage cannot reach.
func (w *Workflow) unreachable() []string {
	if len(w.Stages) == 0 {
		return nil
	}
	visited := map[string]bool{w.Stages[0].ID: true}
	queue := []string{w.Stages[0].ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range w.NextStages(id) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	var out []string
	for _, st := range w.Stages {
		if !visited[st.ID] && !w.IsTerminalStage(st.ID) {
			out = append(out, st.ID)
		}
	}
	return out
}

// Clone returns a deep copy of the definition.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	out := *w
	out.Stages = make([]Stage, len(w.Stages))
	for i, st := range w.Stages {
		cp := st
		cp.EligibleRoles = append([]string(nil), st.EligibleRoles...)
		cp.ApproverRoles = append([]string(nil), st.ApproverRoles...)
		cp.Next = append([]string(nil), st.Next...)
		out.Stages[i] = cp
	}
	out.Triggers = append([]TriggerType(nil), w.Triggers...)
	return &out
}
