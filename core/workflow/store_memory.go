package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. Used by tests and by peers
// that rebuild state from their team on start.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow
	items       map[string]*WorkItem
	transitions map[string][]StageTransition
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]*Workflow),
		items:       make(map[string]*WorkItem),
		transitions: make(map[string][]StageTransition),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) LoadWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return wf.Clone(), nil
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = now
	}
	s.mu.Lock()
	s.workflows[wf.ID] = wf.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	delete(s.workflows, id)
	for itemID, wi := range s.items {
		if wi.WorkflowID == id {
			delete(s.items, itemID)
			delete(s.transitions, itemID)
		}
	}
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	s.mu.RLock()
	out := make([]*Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		if filter.TeamID != "" && wf.TeamID != filter.TeamID {
			continue
		}
		if !filter.IncludeDisabled && !wf.Enabled {
			continue
		}
		out = append(out, wf.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) LoadWorkItem(_ context.Context, id string) (*WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wi, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return wi.Clone(), nil
}

func (s *MemoryStore) SaveWorkItem(_ context.Context, wi *WorkItem, expectedVersion int64) error {
	if wi == nil || wi.ID == "" {
		return fmt.Errorf("work item id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if prev, ok := s.items[wi.ID]; ok {
		current = prev.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("work item %s at version %d, expected %d: %w", wi.ID, current, expectedVersion, ErrVersionConflict)
	}
	s.items[wi.ID] = wi.Clone()
	return nil
}

func (s *MemoryStore) QueryWorkItems(_ context.Context, filter WorkItemFilter) ([]*WorkItem, error) {
	s.mu.RLock()
	out := make([]*WorkItem, 0)
	for _, wi := range s.items {
		if filter.Matches(wi) {
			out = append(out, wi.Clone())
		}
	}
	s.mu.RUnlock()
	sortByCreated(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendTransition(_ context.Context, t *StageTransition) error {
	if t == nil || t.WorkItemID == "" {
		return fmt.Errorf("transition work item id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transitions[t.WorkItemID] {
		if t.ID != "" && existing.ID == t.ID {
			return nil
		}
	}
	s.transitions[t.WorkItemID] = append(s.transitions[t.WorkItemID], *t)
	return nil
}

func (s *MemoryStore) ListTransitions(_ context.Context, workItemID string) ([]StageTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.transitions[workItemID]
	out := make([]StageTransition, len(src))
	copy(out, src)
	return out, nil
}

func sortByCreated(items []*WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
