package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/teamflow/core/infra/logging"
	"github.com/cordum/teamflow/core/permissions"
)

// Replicator ships definition changes to the peers of the workflow's team.
type Replicator interface {
	ReplicateWorkflow(ctx context.Context, wf *Workflow) error
	ReplicateWorkflowDelete(ctx context.Context, wf *Workflow, at time.Time) error
}

// InstantiateOptions describes the workflow created from a template.
type InstantiateOptions struct {
	ID           string
	Name         string
	WorkflowType WorkflowType
	TeamID       string
}

// Registry owns workflow definitions: validation, visibility, templates and
// replication of local edits.
type Registry struct {
	store      Store
	perms      permissions.Checker
	replicator Replicator
	now        func() time.Time

	// mu orders local edits against remote applies of the same definitions.
	mu         sync.Mutex
	tombstones map[string]time.Time
}

// NewRegistry builds a Registry over store. A nil checker allows everything.
func NewRegistry(store Store, perms permissions.Checker) *Registry {
	if perms == nil {
		perms = permissions.AllowAll{}
	}
	return &Registry{
		store:      store,
		perms:      perms,
		now:        time.Now,
		tombstones: make(map[string]time.Time),
	}
}

// SetReplicator attaches the sync side once it exists.
func (r *Registry) SetReplicator(rep Replicator) {
	r.mu.Lock()
	r.replicator = rep
	r.mu.Unlock()
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Load returns a definition without visibility checks.
func (r *Registry) Load(ctx context.Context, id string) (*Workflow, error) {
	return r.store.LoadWorkflow(ctx, id)
}

// Save validates and stores wf on behalf of actor. New definitions get an id
// and creator; existing ones may only be changed by their owner or an admin.
func (r *Registry) Save(ctx context.Context, wf *Workflow, actor string) (*Workflow, error) {
	if wf == nil {
		return nil, fmt.Errorf("%w: workflow required", ErrInvalidWorkflow)
	}
	next := wf.Clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.LoadWorkflow(ctx, next.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		existing = nil
		if next.CreatedBy == "" {
			next.CreatedBy = actor
		}
	case err != nil:
		return nil, fmt.Errorf("load workflow %s: %w", next.ID, err)
	default:
		if ok, err := r.canManage(ctx, existing, actor); err != nil {
			return nil, err
		} else if !ok {
			return nil, fmt.Errorf("%w: %s cannot edit workflow %s", ErrPermissionDenied, actor, next.ID)
		}
		next.CreatedBy = existing.CreatedBy
		next.CreatedAt = existing.CreatedAt
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if err := r.checkScope(ctx, next, actor); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	if existing != nil && !next.UpdatedAt.After(existing.UpdatedAt) {
		next.UpdatedAt = existing.UpdatedAt.Add(time.Millisecond)
	}
	if err := r.store.SaveWorkflow(ctx, next); err != nil {
		return nil, fmt.Errorf("save workflow %s: %w", next.ID, err)
	}
	delete(r.tombstones, next.ID)
	r.replicate(ctx, next)
	return next.Clone(), nil
}

// Seed stores an operator-provided definition unless one with the same id
// exists. Seeds skip permission checks and are not replicated; every peer
// loads the same file. It reports whether the definition was stored.
func (r *Registry) Seed(ctx context.Context, wf *Workflow) (bool, error) {
	if err := wf.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.store.LoadWorkflow(ctx, wf.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("load workflow %s: %w", wf.ID, err)
	}
	next := wf.Clone()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = r.now().UTC()
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = next.CreatedAt
	}
	if err := r.store.SaveWorkflow(ctx, next); err != nil {
		return false, fmt.Errorf("save workflow %s: %w", next.ID, err)
	}
	return true, nil
}

// Get returns id when user may see it. Invisible definitions read as missing.
func (r *Registry) Get(ctx context.Context, id, user string) (*Workflow, error) {
	wf, err := r.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := r.visible(ctx, wf, user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return wf, nil
}

// List returns the definitions user can see.
func (r *Registry) List(ctx context.Context, user string, filter WorkflowFilter) ([]*Workflow, error) {
	limit := filter.Limit
	filter.Limit = 0
	all, err := r.store.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Workflow, 0, len(all))
	for _, wf := range all {
		ok, err := r.visible(ctx, wf, user)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, wf)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Instantiate creates an executable workflow from a template.
func (r *Registry) Instantiate(ctx context.Context, templateID, actor string, opts InstantiateOptions) (*Workflow, error) {
	tpl, err := r.Get(ctx, templateID, actor)
	if err != nil {
		return nil, err
	}
	if !tpl.IsTemplate {
		return nil, fmt.Errorf("%w: %s is not a template", ErrInvalidWorkflow, templateID)
	}
	wf := tpl.Clone()
	wf.ID = opts.ID
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if opts.Name != "" {
		wf.Name = opts.Name
	}
	if opts.WorkflowType != "" {
		wf.WorkflowType = opts.WorkflowType
		wf.TeamID = ""
	}
	if wf.WorkflowType == WorkflowTypeTeam && opts.TeamID != "" {
		wf.TeamID = opts.TeamID
	}
	wf.IsTemplate = false
	wf.TemplateID = tpl.ID
	wf.Enabled = true
	wf.CreatedBy = actor
	wf.CreatedAt = time.Time{}
	wf.UpdatedAt = time.Time{}
	if _, err := r.store.LoadWorkflow(ctx, wf.ID); err == nil {
		return nil, fmt.Errorf("%w: workflow %s already exists", ErrInvalidWorkflow, wf.ID)
	}
	return r.Save(ctx, wf, actor)
}

// SetEnabled toggles whether new work items may be created. Existing items
// stay workable.
func (r *Registry) SetEnabled(ctx context.Context, id, actor string, enabled bool) (*Workflow, error) {
	wf, err := r.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Enabled == enabled {
		return wf, nil
	}
	wf.Enabled = enabled
	return r.Save(ctx, wf, actor)
}

// Delete removes the definition with its work items and history.
func (r *Registry) Delete(ctx context.Context, id, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, err := r.store.LoadWorkflow(ctx, id)
	if err != nil {
		return err
	}
	ok, err := r.canManage(ctx, wf, actor)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s cannot delete workflow %s", ErrPermissionDenied, actor, id)
	}
	if err := r.store.DeleteWorkflow(ctx, id); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	at := r.now().UTC()
	if !at.After(wf.UpdatedAt) {
		at = wf.UpdatedAt.Add(time.Millisecond)
	}
	r.tombstones[id] = at
	if r.replicator != nil && wf.WorkflowType != WorkflowTypePersonal {
		if err := r.replicator.ReplicateWorkflowDelete(ctx, wf, at); err != nil {
			logging.Warn("registry", "replicate delete failed", "workflow_id", id, "error", err)
		}
	}
	return nil
}

// ApplyRemoteWorkflow stores a replicated definition when it is newer than
// the local copy and any local deletion.
func (r *Registry) ApplyRemoteWorkflow(ctx context.Context, wf *Workflow) (bool, error) {
	if err := wf.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if at, ok := r.tombstones[wf.ID]; ok && !wf.UpdatedAt.After(at) {
		return false, nil
	}
	local, err := r.store.LoadWorkflow(ctx, wf.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load workflow %s: %w", wf.ID, err)
	case !wf.UpdatedAt.After(local.UpdatedAt):
		return false, nil
	}
	if wf.UpdatedAt.IsZero() {
		return false, fmt.Errorf("%w: workflow %s has no updated_at", ErrInvalidWorkflow, wf.ID)
	}
	if err := r.store.SaveWorkflow(ctx, wf.Clone()); err != nil {
		return false, fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	delete(r.tombstones, wf.ID)
	return true, nil
}

// ApplyRemoteWorkflowDelete removes a definition unless it was edited after at.
func (r *Registry) ApplyRemoteWorkflowDelete(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.tombstones[id]; !ok || at.After(prev) {
		r.tombstones[id] = at
	}
	local, err := r.store.LoadWorkflow(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load workflow %s: %w", id, err)
	}
	if local.UpdatedAt.After(at) {
		return false, nil
	}
	if err := r.store.DeleteWorkflow(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return true, nil
}

func (r *Registry) replicate(ctx context.Context, wf *Workflow) {
	if r.replicator == nil || wf.WorkflowType == WorkflowTypePersonal {
		return
	}
	if err := r.replicator.ReplicateWorkflow(ctx, wf); err != nil {
		logging.Warn("registry", "replicate failed", "workflow_id", wf.ID, "error", err)
	}
}

// checkScope enforces who may publish into a scope: team workflows need
// membership and global ones need admin scope.
func (r *Registry) checkScope(ctx context.Context, wf *Workflow, actor string) error {
	switch wf.WorkflowType {
	case WorkflowTypeTeam:
		ok, err := r.perms.IsTeamMember(ctx, wf.TeamID, actor)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s is not in team %s", ErrPermissionDenied, actor, wf.TeamID)
		}
	case WorkflowTypeGlobal:
		ok, err := r.perms.CheckPermission(ctx, actor, permissions.AdminScope, permissions.LevelAdmin)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s cannot publish global workflows", ErrPermissionDenied, actor)
		}
	}
	return nil
}

func (r *Registry) canManage(ctx context.Context, wf *Workflow, actor string) (bool, error) {
	if actor != "" && wf.CreatedBy == actor {
		return true, nil
	}
	if wf.WorkflowType == WorkflowTypePersonal {
		return false, nil
	}
	return r.perms.CheckPermission(ctx, actor, permissions.AdminScope, permissions.LevelAdmin)
}

func (r *Registry) visible(ctx context.Context, wf *Workflow, user string) (bool, error) {
	switch wf.WorkflowType {
	case WorkflowTypePersonal:
		return wf.CreatedBy == user, nil
	case WorkflowTypeTeam:
		return r.perms.IsTeamMember(ctx, wf.TeamID, user)
	default:
		return true, nil
	}
}
