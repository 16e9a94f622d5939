package teamsync

import (
	"context"
	"testing"
	"time"

	"github.com/cordum/teamflow/core/workflow"
)

func (t *recordingTransport) operations() []*SyncOperation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*SyncOperation
	for _, f := range t.frames {
		frame, err := DecodeFrame(f)
		if err != nil || frame.Operation == nil {
			continue
		}
		out = append(out, frame.Operation)
	}
	return out
}

func replicaWorkflow(kind workflow.WorkflowType, team string) *workflow.Workflow {
	return &workflow.Workflow{
		ID:           "wf-" + string(kind),
		Name:         "Review",
		WorkflowType: kind,
		TeamID:       team,
		Enabled:      true,
		CreatedBy:    "alice",
		UpdatedAt:    baseTime,
		Stages: []workflow.Stage{
			{ID: "review", StageType: workflow.StageTypeManual, AssignmentType: workflow.AssignmentRoleQueue, EligibleRoles: []string{"reviewer"}},
		},
	}
}

func TestReplicateWorkflowScopes(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Teams = []string{"A", "B"} })
	ctx := context.Background()

	if err := h.engine.ReplicateWorkflow(ctx, replicaWorkflow(workflow.WorkflowTypeTeam, "A")); err != nil {
		t.Fatalf("replicate team: %v", err)
	}
	if err := h.engine.ReplicateWorkflow(ctx, replicaWorkflow(workflow.WorkflowTypeGlobal, "")); err != nil {
		t.Fatalf("replicate global: %v", err)
	}
	if err := h.engine.ReplicateWorkflow(ctx, replicaWorkflow(workflow.WorkflowTypePersonal, "")); err != nil {
		t.Fatalf("replicate personal: %v", err)
	}
	if err := h.engine.ReplicateWorkflow(ctx, replicaWorkflow(workflow.WorkflowTypeTeam, "Z")); err != nil {
		t.Fatalf("replicate unjoined: %v", err)
	}

	ops := h.transport.operations()
	if len(ops) != 3 {
		t.Fatalf("expected 3 operations (team A + global to A and B), got %d", len(ops))
	}
	teams := map[string]int{}
	for _, op := range ops {
		if op.TableName != TableWorkflows || op.Operation != OpUpdate {
			t.Fatalf("unexpected op: %+v", op)
		}
		if op.PeerID != "peer-local" || len(op.Signature) != 64 {
			t.Fatalf("operation not stamped and signed: %+v", op)
		}
		teams[op.TeamID]++
	}
	if teams["A"] != 2 || teams["B"] != 1 {
		t.Fatalf("unexpected team fan-out: %v", teams)
	}
}

func TestReplicateWorkflowDelete(t *testing.T) {
	h := newHarness(t, nil)
	at := baseTime.Add(time.Hour)
	if err := h.engine.ReplicateWorkflowDelete(context.Background(), replicaWorkflow(workflow.WorkflowTypeTeam, "A"), at); err != nil {
		t.Fatalf("replicate delete: %v", err)
	}
	ops := h.transport.operations()
	if len(ops) != 1 {
		t.Fatalf("expected 1 operation, got %d", len(ops))
	}
	op := ops[0]
	if op.Operation != OpDelete || op.RowID != "wf-team" || !op.Timestamp.Equal(at) {
		t.Fatalf("unexpected delete op: %+v", op)
	}
}

func TestReplicatedWorkflowAppliesOnPeer(t *testing.T) {
	sender := newHarness(t, nil)
	receiverStore := workflow.NewMemoryStore()
	registry := workflow.NewRegistry(receiverStore, nil)
	receiver := newHarness(t, func(c *Config) {
		c.PeerID = "peer-remote"
		c.Store = receiverStore
		c.Workflows = registry
	})

	wf := replicaWorkflow(workflow.WorkflowTypeTeam, "A")
	if err := sender.engine.ReplicateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("replicate: %v", err)
	}
	sender.transport.mu.Lock()
	frame := sender.transport.frames[0]
	sender.transport.mu.Unlock()

	if !receiver.engine.HandleMessage(frame) {
		t.Fatalf("expected frame accepted")
	}
	waitFor(t, "workflow applied", func() bool {
		got, err := receiverStore.LoadWorkflow(context.Background(), wf.ID)
		return err == nil && got.UpdatedAt.Equal(wf.UpdatedAt)
	})
}
