package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cordum/teamflow/core/infra/logging"
	"github.com/cordum/teamflow/core/workflow"
)

const (
	schedComponent        = "scheduler"
	defaultResyncSchedule = "@every 1m"
)

// ScheduledItemID derives the id of the item a scheduled workflow creates
// for tick. Peers firing the same tick produce the same id, so the copies
// converge under the sync conflict rule instead of duplicating work.
func ScheduledItemID(workflowID string, tick time.Time) string {
	key := workflowID + "|" + tick.UTC().Truncate(time.Minute).Format(time.RFC3339)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
}

type scheduledEntry struct {
	spec string
	id   cron.EntryID
}

// Scheduler creates work items for workflows declaring a scheduled trigger.
// It re-reads definitions periodically so replicated edits take effect.
type Scheduler struct {
	orch   *Orchestrator
	cron   *cron.Cron
	resync string

	mu      sync.Mutex
	entries map[string]scheduledEntry
}

// NewScheduler builds a Scheduler over o. An empty resync spec re-reads
// definitions every minute.
func NewScheduler(o *Orchestrator, resync string) (*Scheduler, error) {
	if o == nil {
		return nil, errors.New("scheduler: orchestrator required")
	}
	if resync == "" {
		resync = defaultResyncSchedule
	}
	if _, err := cron.ParseStandard(resync); err != nil {
		return nil, fmt.Errorf("resync schedule %q: %w", resync, err)
	}
	return &Scheduler{
		orch:    o,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{}), cron.Recover(cronLogger{}))),
		resync:  resync,
		entries: make(map[string]scheduledEntry),
	}, nil
}

// Sync registers, updates and removes cron entries to match the stored
// definitions. The returned error covers listing only; a bad schedule on
// one workflow is logged and skipped.
func (s *Scheduler) Sync(ctx context.Context) error {
	defs, err := s.orch.store.ListWorkflows(ctx, workflow.WorkflowFilter{})
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	want := make(map[string]string)
	for _, wf := range defs {
		if wf.Executable() && wf.HasTrigger(workflow.TriggerScheduled) && wf.Schedule != "" {
			want[wf.ID] = wf.Schedule
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.entries {
		if spec, ok := want[id]; !ok || spec != entry.spec {
			s.cron.Remove(entry.id)
			delete(s.entries, id)
		}
	}
	for id, spec := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		workflowID := id
		entryID, err := s.cron.AddFunc(spec, func() { s.fire(ctx, workflowID) })
		if err != nil {
			logging.Warn(schedComponent, "invalid workflow schedule", "workflow_id", id, "schedule", spec, "error", err)
			continue
		}
		s.entries[id] = scheduledEntry{spec: spec, id: entryID}
		logging.Debug(schedComponent, "workflow scheduled", "workflow_id", id, "schedule", spec)
	}
	return nil
}

// Scheduled returns the ids of workflows with an active cron entry.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	return out
}

// Run syncs entries, then fires and resyncs until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Sync(ctx); err != nil {
		logging.Warn(schedComponent, "initial sync failed", "error", err)
	}
	if _, err := s.cron.AddFunc(s.resync, func() {
		if err := s.Sync(ctx); err != nil && ctx.Err() == nil {
			logging.Warn(schedComponent, "resync failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule resync: %w", err)
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// fire creates the item for the current tick on behalf of the workflow owner.
func (s *Scheduler) fire(ctx context.Context, workflowID string) {
	wf, err := s.orch.defs.Load(ctx, workflowID)
	if err != nil {
		logging.Warn(schedComponent, "scheduled workflow unavailable", "workflow_id", workflowID, "error", err)
		return
	}
	tick := s.orch.now().UTC().Truncate(time.Minute)
	item, err := s.orch.CreateWorkItem(ctx, workflowID, wf.CreatedBy, CreateOptions{
		ID:   ScheduledItemID(workflowID, tick),
		Data: map[string]any{"scheduled_at": tick.Format(time.RFC3339)},
	})
	switch {
	case errors.Is(err, workflow.ErrVersionConflict):
		logging.Debug(schedComponent, "scheduled item already exists", "workflow_id", workflowID, "tick", tick)
	case err != nil:
		logging.Warn(schedComponent, "scheduled create failed", "workflow_id", workflowID, "error", err)
	default:
		logging.Info(schedComponent, "scheduled item created", "workflow_id", workflowID, "work_item_id", item.ID)
	}
}
