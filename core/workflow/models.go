package workflow

import "time"

// StageType identifies how work in a stage gets done.
type StageType string

const (
	StageTypeManual    StageType = "manual"
	StageTypeAutomatic StageType = "automatic"
	StageTypeApproval  StageType = "approval"
)

// AssignmentType controls who may claim work in a stage.
type AssignmentType string

const (
	AssignmentRoleQueue      AssignmentType = "role_queue"
	AssignmentDirectAssignee AssignmentType = "direct_assignee"
)

// WorkflowType scopes workflow visibility.
type WorkflowType string

const (
	WorkflowTypePersonal WorkflowType = "personal"
	WorkflowTypeTeam     WorkflowType = "team"
	WorkflowTypeGlobal   WorkflowType = "global"
)

// TriggerType names an event that creates work items.
type TriggerType string

const (
	TriggerManual     TriggerType = "manual"
	TriggerScheduled  TriggerType = "scheduled"
	TriggerEvent      TriggerType = "event"
	TriggerFormSubmit TriggerType = "form_submit"
)

// Workflow is the persisted definition.
type Workflow struct {
	ID           string        `json:"id" yaml:"id" db:"id"`
	Name         string        `json:"name" yaml:"name" db:"name"`
	Description  string        `json:"description,omitempty" yaml:"description" db:"description"`
	Stages       []Stage       `json:"stages" yaml:"stages" db:"-"`
	Triggers     []TriggerType `json:"triggers,omitempty" yaml:"triggers" db:"-"`
	Schedule     string        `json:"schedule,omitempty" yaml:"schedule" db:"schedule"` // cron spec for scheduled triggers
	WorkflowType WorkflowType  `json:"workflow_type" yaml:"workflow_type" db:"workflow_type"`
	TeamID       string        `json:"team_id,omitempty" yaml:"team_id" db:"team_id"`
	IsTemplate   bool          `json:"is_template" yaml:"is_template" db:"is_template"`
	TemplateID   string        `json:"template_id,omitempty" yaml:"template_id" db:"template_id"`
	Enabled      bool          `json:"enabled" yaml:"enabled" db:"enabled"`
	CreatedBy    string        `json:"created_by" yaml:"created_by" db:"created_by"`
	CreatedAt    time.Time     `json:"created_at" yaml:"-" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" yaml:"-" db:"updated_at"`
}

// Stage is one step of a workflow.
type Stage struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	StageType      StageType      `json:"stage_type" yaml:"stage_type"`
	AssignmentType AssignmentType `json:"assignment_type" yaml:"assignment_type"`
	EligibleRoles  []string       `json:"eligible_roles,omitempty" yaml:"eligible_roles"`
	ApproverRoles  []string       `json:"approver_roles,omitempty" yaml:"approver_roles"`
	SLASeconds     int64          `json:"sla_seconds,omitempty" yaml:"sla_seconds"`
	Next           []string       `json:"next,omitempty" yaml:"next"`
	Terminal       bool           `json:"terminal,omitempty" yaml:"terminal"`
}

// SLA returns the stage deadline duration, zero when unset.
func (s Stage) SLA() time.Duration {
	if s.SLASeconds <= 0 {
		return 0
	}
	return time.Duration(s.SLASeconds) * time.Second
}

// HasRole reports whether role is eligible to claim work in the stage.
func (s Stage) HasRole(role string) bool {
	for _, r := range s.EligibleRoles {
		if r == role {
			return true
		}
	}
	return false
}

// Approvers returns the roles allowed to complete an approval stage.
func (s Stage) Approvers() []string {
	if len(s.ApproverRoles) > 0 {
		return s.ApproverRoles
	}
	return s.EligibleRoles
}

// WorkItem is a unit of work moving through a workflow's stages.
type WorkItem struct {
	ID             string         `json:"id" db:"id"`
	WorkflowID     string         `json:"workflow_id" db:"workflow_id"`
	TeamID         string         `json:"team_id,omitempty" db:"team_id"`
	CurrentStageID string         `json:"current_stage_id" db:"current_stage_id"`
	Status         Status         `json:"status" db:"status"`
	Priority       int            `json:"priority" db:"priority"`
	Assignee       string         `json:"assignee,omitempty" db:"assignee"`
	ClaimedBy      string         `json:"claimed_by,omitempty" db:"claimed_by"`
	Data           map[string]any `json:"data,omitempty" db:"-"`
	CreatedBy      string         `json:"created_by,omitempty" db:"created_by"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	DueAt          *time.Time     `json:"due_at,omitempty" db:"due_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	Version        int64          `json:"version" db:"version"`
	LastEventID    string         `json:"last_event_id,omitempty" db:"last_event_id"`
	OriginPeerID   string         `json:"origin_peer_id,omitempty" db:"origin_peer_id"`
}

// Overdue reports whether the item missed its deadline at now.
// Terminal items are never overdue.
func (wi *WorkItem) Overdue(now time.Time) bool {
	if wi == nil || wi.DueAt == nil || wi.Status.Terminal() {
		return false
	}
	return now.After(*wi.DueAt)
}

// Clone returns a deep copy safe to mutate.
func (wi *WorkItem) Clone() *WorkItem {
	if wi == nil {
		return nil
	}
	out := *wi
	if wi.Data != nil {
		out.Data = make(map[string]any, len(wi.Data))
		for k, v := range wi.Data {
			out.Data[k] = v
		}
	}
	if wi.DueAt != nil {
		due := *wi.DueAt
		out.DueAt = &due
	}
	if wi.CompletedAt != nil {
		done := *wi.CompletedAt
		out.CompletedAt = &done
	}
	return &out
}

// StageTransition is an append-only history entry recorded on every stage change.
type StageTransition struct {
	ID          string         `json:"id" db:"id"`
	WorkItemID  string         `json:"work_item_id" db:"work_item_id"`
	FromStageID string         `json:"from_stage_id" db:"from_stage_id"`
	ToStageID   string         `json:"to_stage_id" db:"to_stage_id"`
	ActorUserID string         `json:"actor_user_id" db:"actor_user_id"`
	Timestamp   time.Time      `json:"timestamp" db:"timestamp"`
	Output      map[string]any `json:"output,omitempty" db:"-"`
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	TeamID          string
	IncludeDisabled bool
	Limit           int
}

// WorkItemFilter narrows QueryWorkItems. Empty fields match everything.
type WorkItemFilter struct {
	WorkflowID string
	TeamID     string
	StageID    string
	ClaimedBy  string
	Statuses   []Status
	Limit      int
}

// Matches reports whether wi satisfies the filter.
func (f WorkItemFilter) Matches(wi *WorkItem) bool {
	if wi == nil {
		return false
	}
	if f.WorkflowID != "" && wi.WorkflowID != f.WorkflowID {
		return false
	}
	if f.TeamID != "" && wi.TeamID != f.TeamID {
		return false
	}
	if f.StageID != "" && wi.CurrentStageID != f.StageID {
		return false
	}
	if f.ClaimedBy != "" && wi.ClaimedBy != f.ClaimedBy {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if wi.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
