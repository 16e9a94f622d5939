// Package orchestrator runs the work item state machine. Every accepted
// mutation is a version compare-and-swap in the store followed by exactly
// one sync message.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/teamflow/core/infra/logging"
	"github.com/cordum/teamflow/core/infra/metrics"
	"github.com/cordum/teamflow/core/permissions"
	"github.com/cordum/teamflow/core/teamsync"
	"github.com/cordum/teamflow/core/workflow"
)

const component = "orchestrator"

const (
	mutateAttempts = 3
	appendAttempts = 3
	appendBackoff  = 25 * time.Millisecond
)

// Transition names, used as metric labels.
const (
	transitionCreate   = "create"
	transitionClaim    = "claim"
	transitionStart    = "start"
	transitionComplete = "complete_stage"
	transitionCancel   = "cancel"
	transitionReassign = "reassign"
	transitionRemote   = "remote"
)

// Emitter hands committed events to the sync layer.
type Emitter interface {
	Publish(ctx context.Context, msg *teamsync.WorkflowSyncMessage) error
}

// NopEmitter drops every event. Used by single-device tooling.
type NopEmitter struct{}

func (NopEmitter) Publish(context.Context, *teamsync.WorkflowSyncMessage) error { return nil }

// Definitions resolves workflow definitions.
type Definitions interface {
	Load(ctx context.Context, id string) (*workflow.Workflow, error)
}

// Config wires an Orchestrator.
type Config struct {
	Store       workflow.Store
	Definitions Definitions
	Permissions permissions.Checker
	Emitter     Emitter
	PeerID      string
	Metrics     metrics.Metrics
	Clock       func() time.Time
}

// Orchestrator owns work item lifecycle transitions.
type Orchestrator struct {
	store   workflow.Store
	defs    Definitions
	perms   permissions.Checker
	emitter Emitter
	peerID  string
	metrics metrics.Metrics
	now     func() time.Time
}

// CreateOptions carries the caller-supplied fields of a new work item.
type CreateOptions struct {
	// ID pins the item id. Used by scheduled triggers so every peer derives
	// the same id for the same tick.
	ID       string
	Data     map[string]any
	Priority int
	Assignee string
}

// TriggerEvent is an external event that may start work.
type TriggerEvent struct {
	Type   workflow.TriggerType
	TeamID string
	Actor  string
	Data   map[string]any
}

type opOptions struct {
	expectedVersion int64
	nextStage       string
	reason          string
}

// Option adjusts a single transition.
type Option func(*opOptions)

// WithExpectedVersion makes the transition fail with ErrVersionConflict
// unless the stored item is at version v.
func WithExpectedVersion(v int64) Option {
	return func(o *opOptions) { o.expectedVersion = v }
}

// WithNextStage selects a declared transition on CompleteStage.
func WithNextStage(id string) Option {
	return func(o *opOptions) { o.nextStage = id }
}

// WithReason records why an item was cancelled.
func WithReason(reason string) Option {
	return func(o *opOptions) { o.reason = reason }
}

// New validates cfg and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator: store required")
	}
	o := &Orchestrator{
		store:   cfg.Store,
		defs:    cfg.Definitions,
		perms:   cfg.Permissions,
		emitter: cfg.Emitter,
		peerID:  cfg.PeerID,
		metrics: cfg.Metrics,
		now:     cfg.Clock,
	}
	if o.defs == nil {
		o.defs = storeDefinitions{cfg.Store}
	}
	if o.perms == nil {
		o.perms = permissions.AllowAll{}
	}
	if o.emitter == nil {
		o.emitter = NopEmitter{}
	}
	if o.metrics == nil {
		o.metrics = metrics.Noop{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// SetEmitter attaches the sync side once it exists. Call before serving.
func (o *Orchestrator) SetEmitter(e Emitter) {
	if e == nil {
		e = NopEmitter{}
	}
	o.emitter = e
}

type storeDefinitions struct{ store workflow.Store }

func (s storeDefinitions) Load(ctx context.Context, id string) (*workflow.Workflow, error) {
	return s.store.LoadWorkflow(ctx, id)
}

// CreateWorkItem starts a work item at the workflow's entry stage.
func (o *Orchestrator) CreateWorkItem(ctx context.Context, workflowID, actor string, opts CreateOptions) (*workflow.WorkItem, error) {
	item, err := o.create(ctx, workflowID, actor, opts)
	o.record(transitionCreate, err)
	return item, err
}

func (o *Orchestrator) create(ctx context.Context, workflowID, actor string, opts CreateOptions) (*workflow.WorkItem, error) {
	wf, err := o.defs.Load(ctx, workflowID)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownWorkflow, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	if !wf.Executable() {
		return nil, fmt.Errorf("%w: %s is disabled or a template", workflow.ErrUnknownWorkflow, workflowID)
	}
	switch wf.WorkflowType {
	case workflow.WorkflowTypeTeam:
		ok, err := o.perms.IsTeamMember(ctx, wf.TeamID, actor)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s is not in team %s", workflow.ErrPermissionDenied, actor, wf.TeamID)
		}
	case workflow.WorkflowTypePersonal:
		if wf.CreatedBy != actor {
			return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownWorkflow, workflowID)
		}
	}
	entry, _ := wf.EntryStage()

	now := o.now().UTC()
	item := &workflow.WorkItem{
		ID:             opts.ID,
		WorkflowID:     wf.ID,
		TeamID:         wf.TeamID,
		CurrentStageID: entry.ID,
		Status:         workflow.StatusPending,
		Priority:       opts.Priority,
		Assignee:       opts.Assignee,
		Data:           copyData(opts.Data),
		CreatedBy:      actor,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := workflow.CheckTransition(item.Status, workflow.StatusQueued); err != nil {
		return nil, err
	}
	item.Status = workflow.StatusQueued
	item.DueAt = workflow.DueAt(entry, now)
	msgID := o.stamp(item)

	if err := o.store.SaveWorkItem(ctx, item, 0); err != nil {
		return nil, err
	}
	logging.Info(component, "work item created", "work_item_id", item.ID, "workflow_id", wf.ID, "stage", entry.ID, "actor", actor)
	o.emit(ctx, msgID, teamsync.MsgWorkItemCreated, item, nil, actor, "")
	return item.Clone(), nil
}

// Claim takes a queued item for user.
func (o *Orchestrator) Claim(ctx context.Context, id, user string, opts ...Option) (*workflow.WorkItem, error) {
	item, err := o.mutate(ctx, id, user, teamsync.MsgWorkItemClaimed, opts, func(wf *workflow.Workflow, cur *workflow.WorkItem, _ opOptions) (*workflow.StageTransition, error) {
		if cur.Status != workflow.StatusQueued {
			return nil, fmt.Errorf("%w: %s is %s", workflow.ErrAlreadyClaimed, cur.ID, cur.Status)
		}
		stage, ok := wf.Stage(cur.CurrentStageID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown stage %s", workflow.ErrInvalidTransition, cur.CurrentStageID)
		}
		if err := o.checkEligible(ctx, wf, stage, cur, user); err != nil {
			return nil, err
		}
		if err := workflow.CheckTransition(cur.Status, workflow.StatusClaimed); err != nil {
			return nil, err
		}
		cur.Status = workflow.StatusClaimed
		cur.ClaimedBy = user
		return nil, nil
	})
	o.record(transitionClaim, err)
	return item, err
}

// Start moves a claimed item into progress. Only the claimant may start it.
func (o *Orchestrator) Start(ctx context.Context, id, user string, opts ...Option) (*workflow.WorkItem, error) {
	item, err := o.mutate(ctx, id, user, teamsync.MsgWorkItemStarted, opts, func(_ *workflow.Workflow, cur *workflow.WorkItem, _ opOptions) (*workflow.StageTransition, error) {
		if cur.Status != workflow.StatusClaimed {
			return nil, fmt.Errorf("%w: %s is %s", workflow.ErrInvalidTransition, cur.ID, cur.Status)
		}
		if cur.ClaimedBy != user {
			return nil, fmt.Errorf("%w: %s is claimed by %s", workflow.ErrPermissionDenied, cur.ID, cur.ClaimedBy)
		}
		cur.Status = workflow.StatusInProgress
		return nil, nil
	})
	o.record(transitionStart, err)
	return item, err
}

// CompleteStage finishes the current stage and advances the item. Reaching
// a terminal stage completes the item.
func (o *Orchestrator) CompleteStage(ctx context.Context, id, user string, output map[string]any, opts ...Option) (*workflow.WorkItem, error) {
	item, err := o.mutate(ctx, id, user, teamsync.MsgStageCompleted, opts, func(wf *workflow.Workflow, cur *workflow.WorkItem, op opOptions) (*workflow.StageTransition, error) {
		if cur.Status != workflow.StatusInProgress {
			return nil, fmt.Errorf("%w: %s is %s", workflow.ErrInvalidTransition, cur.ID, cur.Status)
		}
		stage, ok := wf.Stage(cur.CurrentStageID)
		if !ok {
			return nil, fmt.Errorf("%w: unknown stage %s", workflow.ErrInvalidTransition, cur.CurrentStageID)
		}
		if err := o.checkCompleter(ctx, stage, cur, user); err != nil {
			return nil, err
		}

		target := stage
		if !wf.IsTerminalStage(stage.ID) {
			next, err := wf.ResolveNext(stage.ID, op.nextStage)
			if err != nil {
				return nil, err
			}
			target = next
		} else if op.nextStage != "" {
			return nil, fmt.Errorf("%w: stage %s is terminal", workflow.ErrInvalidTransition, stage.ID)
		}

		now := o.now().UTC()
		status := workflow.StatusQueued
		if wf.IsTerminalStage(target.ID) {
			status = workflow.StatusCompleted
		}
		if err := workflow.CheckTransition(cur.Status, status); err != nil {
			return nil, err
		}
		tr := &workflow.StageTransition{
			ID:          uuid.NewString(),
			WorkItemID:  cur.ID,
			FromStageID: stage.ID,
			ToStageID:   target.ID,
			ActorUserID: user,
			Timestamp:   now,
			Output:      copyData(output),
		}
		if len(output) > 0 && cur.Data == nil {
			cur.Data = make(map[string]any, len(output))
		}
		for k, v := range output {
			cur.Data[k] = v
		}
		cur.CurrentStageID = target.ID
		cur.Status = status
		cur.ClaimedBy = ""
		if status == workflow.StatusCompleted {
			cur.DueAt = nil
			cur.CompletedAt = &now
		} else {
			cur.DueAt = workflow.DueAt(target, now)
		}
		return tr, nil
	})
	o.record(transitionComplete, err)
	return item, err
}

// Cancel ends a non-terminal item. The workflow owner, the claimant and
// admins may cancel.
func (o *Orchestrator) Cancel(ctx context.Context, id, user string, opts ...Option) (*workflow.WorkItem, error) {
	item, err := o.mutate(ctx, id, user, teamsync.MsgWorkItemCancelled, opts, func(wf *workflow.Workflow, cur *workflow.WorkItem, _ opOptions) (*workflow.StageTransition, error) {
		if err := workflow.CheckTransition(cur.Status, workflow.StatusCancelled); err != nil {
			return nil, err
		}
		if wf.CreatedBy != user && cur.ClaimedBy != user {
			if err := o.checkAdmin(ctx, user); err != nil {
				return nil, err
			}
		}
		cur.Status = workflow.StatusCancelled
		cur.ClaimedBy = ""
		return nil, nil
	})
	o.record(transitionCancel, err)
	return item, err
}

// Reassign sets the direct assignee of a non-terminal item.
func (o *Orchestrator) Reassign(ctx context.Context, id, user, assignee string, opts ...Option) (*workflow.WorkItem, error) {
	item, err := o.mutate(ctx, id, user, teamsync.MsgWorkItemAssigned, opts, func(wf *workflow.Workflow, cur *workflow.WorkItem, _ opOptions) (*workflow.StageTransition, error) {
		if cur.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", workflow.ErrInvalidTransition, cur.ID, cur.Status)
		}
		if wf.CreatedBy != user {
			if err := o.checkAdmin(ctx, user); err != nil {
				return nil, err
			}
		}
		cur.Assignee = assignee
		return nil, nil
	})
	o.record(transitionReassign, err)
	return item, err
}

// Fire creates one item for every enabled workflow that declares the
// event's trigger and matches its team. Failures for one workflow do not
// stop the others.
func (o *Orchestrator) Fire(ctx context.Context, ev TriggerEvent) ([]*workflow.WorkItem, error) {
	defs, err := o.store.ListWorkflows(ctx, workflow.WorkflowFilter{})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	var (
		created []*workflow.WorkItem
		errs    []error
	)
	for _, wf := range defs {
		if !wf.Executable() || !wf.HasTrigger(ev.Type) || wf.TeamID != ev.TeamID {
			continue
		}
		if wf.WorkflowType == workflow.WorkflowTypePersonal && wf.CreatedBy != ev.Actor {
			continue
		}
		item, err := o.CreateWorkItem(ctx, wf.ID, ev.Actor, CreateOptions{Data: ev.Data})
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", wf.ID, err))
			continue
		}
		created = append(created, item)
	}
	return created, errors.Join(errs...)
}

// History returns the stage transitions of an item in order.
func (o *Orchestrator) History(ctx context.Context, id string) ([]workflow.StageTransition, error) {
	if _, err := o.store.LoadWorkItem(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListTransitions(ctx, id)
}

// Get returns an item by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*workflow.WorkItem, error) {
	return o.store.LoadWorkItem(ctx, id)
}

// ApplyRemote commits a verified remote state with a compare-and-swap and
// appends the transitions not yet known. It never emits.
func (o *Orchestrator) ApplyRemote(ctx context.Context, item *workflow.WorkItem, transitions []workflow.StageTransition, expectedVersion int64) (*workflow.WorkItem, error) {
	if item == nil || !item.Status.Valid() {
		return nil, fmt.Errorf("%w: remote item has no valid status", workflow.ErrInvalidTransition)
	}
	next := item.Clone()
	cur, err := o.store.LoadWorkItem(ctx, next.ID)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
	case err != nil:
		o.record(transitionRemote, err)
		return nil, err
	case cur.TeamID != next.TeamID || cur.WorkflowID != next.WorkflowID:
		err = fmt.Errorf("%w: work item %s belongs to team %s workflow %s", workflow.ErrPermissionDenied, cur.ID, cur.TeamID, cur.WorkflowID)
		o.record(transitionRemote, err)
		return nil, err
	}
	if err := o.store.SaveWorkItem(ctx, next, expectedVersion); err != nil {
		o.record(transitionRemote, err)
		return nil, err
	}
	for i := range transitions {
		tr := transitions[i]
		if tr.WorkItemID != next.ID {
			continue
		}
		if err := o.appendTransition(ctx, &tr); err != nil {
			o.record(transitionRemote, err)
			return nil, fmt.Errorf("work item %s committed at version %d: %w", next.ID, next.Version, err)
		}
	}
	o.record(transitionRemote, nil)
	return next, nil
}

// appendTransition retries a history append. Appends are idempotent by
// transition id, so a retry never duplicates a row.
func (o *Orchestrator) appendTransition(ctx context.Context, tr *workflow.StageTransition) error {
	var err error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		if err = o.store.AppendTransition(ctx, tr); err == nil {
			return nil
		}
		logging.Warn(component, "append transition failed", "work_item_id", tr.WorkItemID, "transition_id", tr.ID, "attempt", attempt, "error", err)
		if attempt == appendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("append transition %s: %w", tr.ID, ctx.Err())
		case <-time.After(appendBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("append transition %s: %w", tr.ID, err)
}

type mutation func(wf *workflow.Workflow, cur *workflow.WorkItem, op opOptions) (*workflow.StageTransition, error)

// mutate loads the item, lets fn change a copy, and commits it at the next
// version. Nothing is written or emitted when fn or the swap fails. A lost
// swap re-runs fn against the new state unless the caller pinned a version.
func (o *Orchestrator) mutate(ctx context.Context, id, user string, event teamsync.MessageType, opts []Option, fn mutation) (*workflow.WorkItem, error) {
	var op opOptions
	for _, apply := range opts {
		apply(&op)
	}
	var err error
	for attempt := 1; attempt <= mutateAttempts; attempt++ {
		var item *workflow.WorkItem
		item, err = o.mutateOnce(ctx, id, user, event, op, fn)
		if err == nil {
			return item, nil
		}
		if op.expectedVersion > 0 || !errors.Is(err, workflow.ErrVersionConflict) {
			return nil, err
		}
		logging.Debug(component, "lost version race, retrying", "work_item_id", id, "event", event, "attempt", attempt)
	}
	return nil, err
}

func (o *Orchestrator) mutateOnce(ctx context.Context, id, user string, event teamsync.MessageType, op opOptions, fn mutation) (*workflow.WorkItem, error) {
	cur, err := o.store.LoadWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.expectedVersion > 0 && op.expectedVersion != cur.Version {
		return nil, fmt.Errorf("work item %s at version %d, expected %d: %w", id, cur.Version, op.expectedVersion, workflow.ErrVersionConflict)
	}
	wf, err := o.defs.Load(ctx, cur.WorkflowID)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrUnknownWorkflow, cur.WorkflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", cur.WorkflowID, err)
	}

	prevVersion := cur.Version
	next := cur.Clone()
	tr, err := fn(wf, next, op)
	if err != nil {
		return nil, err
	}
	next.Version = prevVersion + 1
	next.UpdatedAt = o.now().UTC()
	msgID := o.stamp(next)
	if err := o.store.SaveWorkItem(ctx, next, prevVersion); err != nil {
		return nil, err
	}
	var appendErr error
	if tr != nil {
		appendErr = o.appendTransition(ctx, tr)
	}
	logging.Debug(component, "work item updated", "work_item_id", next.ID, "event", event, "status", next.Status, "version", next.Version, "actor", user)
	// Committed: emit even when the history append failed.
	o.emit(ctx, msgID, event, next, tr, user, op.reason)
	if appendErr != nil {
		logging.Error(component, "work item history incomplete", "work_item_id", next.ID, "version", next.Version, "error", appendErr)
		return nil, fmt.Errorf("work item %s committed at version %d: %w", next.ID, next.Version, appendErr)
	}
	return next.Clone(), nil
}

// stamp tags item with the id of the event that produced it.
func (o *Orchestrator) stamp(item *workflow.WorkItem) string {
	id := uuid.NewString()
	item.LastEventID = id
	item.OriginPeerID = o.peerID
	return id
}

func (o *Orchestrator) emit(ctx context.Context, msgID string, event teamsync.MessageType, item *workflow.WorkItem, tr *workflow.StageTransition, actor, reason string) {
	payload, err := teamsync.NewItemEvent(event, item.Clone(), tr)
	if err != nil {
		logging.Error(component, "build sync event failed", "work_item_id", item.ID, "event", event, "error", err)
		return
	}
	if c, ok := payload.(*teamsync.WorkItemCancelled); ok {
		c.Reason = reason
	}
	msg := &teamsync.WorkflowSyncMessage{
		MessageID:    msgID,
		SenderUserID: actor,
		WorkflowID:   item.WorkflowID,
		Payload:      payload,
		TeamID:       item.TeamID,
		Timestamp:    item.UpdatedAt,
	}
	if err := o.emitter.Publish(ctx, msg); err != nil {
		logging.Warn(component, "publish sync event failed", "work_item_id", item.ID, "event", event, "error", err)
	}
}

func (o *Orchestrator) checkEligible(ctx context.Context, wf *workflow.Workflow, stage workflow.Stage, cur *workflow.WorkItem, user string) error {
	if wf.TeamID != "" {
		ok, err := o.perms.IsTeamMember(ctx, wf.TeamID, user)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is not in team %s", workflow.ErrPermissionDenied, user, wf.TeamID)
		}
	}
	if stage.AssignmentType == workflow.AssignmentDirectAssignee {
		if cur.Assignee == "" || cur.Assignee != user {
			return fmt.Errorf("%w: stage %s is assigned to %q", workflow.ErrPermissionDenied, stage.ID, cur.Assignee)
		}
		return nil
	}
	ok, err := permissions.HasAnyRole(ctx, o.perms, user, stage.EligibleRoles, permissions.LevelMember)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s holds none of %v", workflow.ErrPermissionDenied, user, stage.EligibleRoles)
	}
	return nil
}

func (o *Orchestrator) checkCompleter(ctx context.Context, stage workflow.Stage, cur *workflow.WorkItem, user string) error {
	if cur.ClaimedBy == user {
		return nil
	}
	if stage.StageType == workflow.StageTypeApproval {
		ok, err := permissions.HasAnyRole(ctx, o.perms, user, stage.Approvers(), permissions.LevelApprove)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is claimed by %s", workflow.ErrPermissionDenied, cur.ID, cur.ClaimedBy)
}

func (o *Orchestrator) checkAdmin(ctx context.Context, user string) error {
	ok, err := o.perms.CheckPermission(ctx, user, permissions.AdminScope, permissions.LevelAdmin)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks %s", workflow.ErrPermissionDenied, user, permissions.AdminScope)
	}
	return nil
}

func (o *Orchestrator) record(transition string, err error) {
	o.metrics.IncTransition(transition, resultLabel(err))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, workflow.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, workflow.ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, workflow.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, workflow.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, workflow.ErrUnknownWorkflow):
		return "unknown_workflow"
	case errors.Is(err, workflow.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func copyData(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
