package workflow

import (
	"errors"
	"testing"
)

func TestStatusTransitions(t *testing.T) {
	allowed := [][2]Status{
		{StatusPending, StatusQueued},
		{StatusQueued, StatusClaimed},
		{StatusClaimed, StatusInProgress},
		{StatusInProgress, StatusQueued},
		{StatusInProgress, StatusCompleted},
		{StatusPending, StatusCancelled},
		{StatusQueued, StatusCancelled},
		{StatusClaimed, StatusCancelled},
		{StatusInProgress, StatusCancelled},
	}
	for _, pair := range allowed {
		if err := CheckTransition(pair[0], pair[1]); err != nil {
			t.Fatalf("expected %s -> %s allowed: %v", pair[0], pair[1], err)
		}
	}
	denied := [][2]Status{
		{StatusQueued, StatusInProgress},
		{StatusClaimed, StatusCompleted},
		{StatusCompleted, StatusQueued},
		{StatusCancelled, StatusQueued},
		{StatusCompleted, StatusCancelled},
		{StatusPending, StatusClaimed},
	}
	for _, pair := range denied {
		if err := CheckTransition(pair[0], pair[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected %s -> %s denied, got %v", pair[0], pair[1], err)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, st := range AllStatuses {
		if !st.Valid() {
			t.Fatalf("%s should be valid", st)
		}
	}
	if Status("archived").Valid() {
		t.Fatalf("unknown status should be invalid")
	}
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() || StatusInProgress.Terminal() {
		t.Fatalf("unexpected terminal statuses")
	}
	if !StatusClaimed.HoldsClaim() || !StatusInProgress.HoldsClaim() || StatusQueued.HoldsClaim() {
		t.Fatalf("unexpected claim-holding statuses")
	}
	if !Retryable(ErrVersionConflict) || !Retryable(ErrAlreadyClaimed) || Retryable(ErrPermissionDenied) {
		t.Fatalf("unexpected retryable classification")
	}
}

func TestWorkItemFilterMatches(t *testing.T) {
	wi := &WorkItem{WorkflowID: "wf", TeamID: "A", CurrentStageID: "s1", ClaimedBy: "bob", Status: StatusClaimed}
	if !(WorkItemFilter{}).Matches(wi) {
		t.Fatalf("empty filter matches everything")
	}
	if !(WorkItemFilter{WorkflowID: "wf", TeamID: "A", StageID: "s1", ClaimedBy: "bob", Statuses: []Status{StatusQueued, StatusClaimed}}).Matches(wi) {
		t.Fatalf("expected full filter to match")
	}
	if (WorkItemFilter{Statuses: []Status{StatusQueued}}).Matches(wi) {
		t.Fatalf("status filter should exclude")
	}
	if (WorkItemFilter{ClaimedBy: "eve"}).Matches(wi) {
		t.Fatalf("claimant filter should exclude")
	}
	if (WorkItemFilter{}).Matches(nil) {
		t.Fatalf("nil item never matches")
	}
}
