package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cordum/teamflow/core/workflow"
)

func seedItem(t *testing.T, f *fixture, item *workflow.WorkItem) {
	t.Helper()
	if item.WorkflowID == "" {
		item.WorkflowID = "wf"
	}
	item.TeamID = "team-a"
	item.Version = 1
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	if err := f.store.SaveWorkItem(context.Background(), item, 0); err != nil {
		t.Fatalf("seed %s: %v", item.ID, err)
	}
}

func at(d time.Duration) *time.Time {
	ts := testStart.Add(d)
	return &ts
}

func joinIDs(items []*workflow.WorkItem) string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return strings.Join(ids, ",")
}

func TestQueueForRoleOrdering(t *testing.T) {
	f := newFixture(t, reviewWorkflow("wf"))
	ctx := context.Background()

	seeds := []*workflow.WorkItem{
		{ID: "a", CurrentStageID: "draft", Status: workflow.StatusQueued, Priority: 1, DueAt: at(2 * time.Hour), CreatedAt: testStart},
		{ID: "b", CurrentStageID: "draft", Status: workflow.StatusQueued, Priority: 5, CreatedAt: testStart.Add(5 * time.Minute)},
		{ID: "c", CurrentStageID: "draft", Status: workflow.StatusQueued, Priority: 1, DueAt: at(time.Hour), CreatedAt: testStart.Add(10 * time.Minute)},
		{ID: "d", CurrentStageID: "draft", Status: workflow.StatusQueued, Priority: 1, CreatedAt: testStart.Add(-time.Hour)},
		{ID: "e", CurrentStageID: "draft", Status: workflow.StatusClaimed, ClaimedBy: "alice", Priority: 9, CreatedAt: testStart},
		{ID: "f", CurrentStageID: "review", Status: workflow.StatusQueued, Priority: 3, CreatedAt: testStart},
		{ID: "g", CurrentStageID: "draft", Status: workflow.StatusQueued, Priority: 1, DueAt: at(time.Hour), CreatedAt: testStart.Add(-30 * time.Minute)},
	}
	for _, item := range seeds {
		seedItem(t, f, item)
	}

	authors, err := f.orch.QueueForRole(ctx, "wf", "author", "")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if got := joinIDs(authors); got != "b,g,c,a,d" {
		t.Fatalf("unexpected author queue order: %s", got)
	}

	reviewers, err := f.orch.QueueForRole(ctx, "wf", "reviewer", "")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if got := joinIDs(reviewers); got != "f" {
		t.Fatalf("unexpected reviewer queue: %s", got)
	}

	none, err := f.orch.QueueForRole(ctx, "wf", "author", "review")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected empty queue for author at review, got %s", joinIDs(none))
	}

	if _, err := f.orch.QueueForRole(ctx, "missing", "author", ""); !errors.Is(err, workflow.ErrUnknownWorkflow) {
		t.Fatalf("expected unknown workflow, got %v", err)
	}
}

func TestQueueForRoleIsReadOnly(t *testing.T) {
	f := newFixture(t, reviewWorkflow("wf"))
	ctx := context.Background()
	item := mustCreate(t, f, "wf", "alice", CreateOptions{})
	before := f.emitter.count()

	if _, err := f.orch.QueueForRole(ctx, "wf", "author", ""); err != nil {
		t.Fatalf("queue: %v", err)
	}
	got, _ := f.orch.Get(ctx, item.ID)
	if got.Version != item.Version || f.emitter.count() != before {
		t.Fatalf("queue read mutated state")
	}
}

func TestMyActiveWork(t *testing.T) {
	f := newFixture(t, reviewWorkflow("wf"))
	seeds := []*workflow.WorkItem{
		{ID: "mine-claimed", CurrentStageID: "draft", Status: workflow.StatusClaimed, ClaimedBy: "alice", Priority: 1, CreatedAt: testStart},
		{ID: "mine-started", CurrentStageID: "draft", Status: workflow.StatusInProgress, ClaimedBy: "alice", Priority: 4, CreatedAt: testStart},
		{ID: "mine-done", CurrentStageID: "done", Status: workflow.StatusCompleted, ClaimedBy: "alice", CreatedAt: testStart},
		{ID: "theirs", CurrentStageID: "draft", Status: workflow.StatusClaimed, ClaimedBy: "erin", CreatedAt: testStart},
	}
	for _, item := range seeds {
		seedItem(t, f, item)
	}
	got, err := f.orch.MyActiveWork(context.Background(), "alice")
	if err != nil {
		t.Fatalf("active work: %v", err)
	}
	if ids := joinIDs(got); ids != "mine-started,mine-claimed" {
		t.Fatalf("unexpected active work: %s", ids)
	}
	if _, err := f.orch.MyActiveWork(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty user")
	}
}
