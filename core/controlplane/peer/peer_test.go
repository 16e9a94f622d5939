package peer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/cordum/teamflow/core/infra/bus"
	"github.com/cordum/teamflow/core/infra/config"
	"github.com/cordum/teamflow/core/infra/metrics"
	"github.com/cordum/teamflow/core/orchestrator"
	"github.com/cordum/teamflow/core/workflow"
)

func testConfig(peerID string, teams ...string) *config.Config {
	return &config.Config{
		PeerID:          peerID,
		Teams:           teams,
		SyncSecret:      "team-secret",
		Store:           "memory",
		Transport:       "channel",
		SLASchedule:     "@every 1h",
		BackfillTimeout: 200 * time.Millisecond,
		BackfillRetries: 1,
	}
}

func startPeer(t *testing.T, cfg *config.Config, pubsub *gochannel.GoChannel) *Peer {
	t.Helper()
	opts := Options{Metrics: metrics.Noop{}}
	if pubsub != nil {
		cb := bus.NewChannelBus(pubsub, cfg.Teams)
		t.Cleanup(cb.Close)
		opts.Transport = cb
	}
	p, err := New(context.Background(), cfg, opts)
	if err != nil {
		t.Fatalf("new peer %s: %v", cfg.PeerID, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	t.Cleanup(func() {
		cancel()
		p.Shutdown()
	})
	return p
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func teamWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:           "onboarding",
		Name:         "Onboarding",
		WorkflowType: workflow.WorkflowTypeTeam,
		TeamID:       "team-a",
		Enabled:      true,
		Triggers:     []workflow.TriggerType{workflow.TriggerManual},
		Stages: []workflow.Stage{
			{ID: "request", StageType: workflow.StageTypeManual, AssignmentType: workflow.AssignmentRoleQueue, EligibleRoles: []string{"hr"}},
			{ID: "provision", StageType: workflow.StageTypeManual, AssignmentType: workflow.AssignmentRoleQueue, EligibleRoles: []string{"it"}, SLASeconds: 3600},
			{ID: "done", StageType: workflow.StageTypeManual, AssignmentType: workflow.AssignmentRoleQueue, Terminal: true},
		},
	}
}

func TestTwoPeersConvergeOverChannelBus(t *testing.T) {
	pubsub := bus.NewChannelPubSub()
	defer pubsub.Close()
	a := startPeer(t, testConfig("peer-a", "team-a"), pubsub)
	b := startPeer(t, testConfig("peer-b", "team-a"), pubsub)
	ctx := context.Background()

	if _, err := a.Registry.Save(ctx, teamWorkflow(), "alice"); err != nil {
		t.Fatalf("save workflow: %v", err)
	}
	eventually(t, "workflow on peer b", func() bool {
		_, err := b.Store.LoadWorkflow(ctx, "onboarding")
		return err == nil
	})

	item, err := a.Orchestrator.CreateWorkItem(ctx, "onboarding", "alice", orchestrator.CreateOptions{Data: map[string]any{"hire": "sam"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, "item on peer b", func() bool {
		got, err := b.Store.LoadWorkItem(ctx, item.ID)
		return err == nil && got.Version == 1
	})

	steps := []func() error{
		func() error { _, err := b.Orchestrator.Claim(ctx, item.ID, "bob"); return err },
		func() error { _, err := b.Orchestrator.Start(ctx, item.ID, "bob"); return err },
		func() error {
			_, err := b.Orchestrator.CompleteStage(ctx, item.ID, "bob", map[string]any{"approved": true})
			return err
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d on peer b: %v", i, err)
		}
	}

	eventually(t, "stage completion on peer a", func() bool {
		got, err := a.Store.LoadWorkItem(ctx, item.ID)
		return err == nil && got.Version == 4 && got.CurrentStageID == "provision" && got.Status == workflow.StatusQueued
	})
	got, _ := a.Store.LoadWorkItem(ctx, item.ID)
	if got.Data["hire"] != "sam" || got.Data["approved"] != true {
		t.Fatalf("unexpected replicated data: %v", got.Data)
	}
	if got.OriginPeerID != "peer-b" {
		t.Fatalf("expected origin peer-b, got %q", got.OriginPeerID)
	}
	history, err := a.Orchestrator.History(ctx, item.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].ActorUserID != "bob" {
		t.Fatalf("unexpected replicated history: %+v", history)
	}
}

func TestPeerIgnoresOtherTeams(t *testing.T) {
	pubsub := bus.NewChannelPubSub()
	defer pubsub.Close()
	a := startPeer(t, testConfig("peer-a", "team-a"), pubsub)
	c := startPeer(t, testConfig("peer-c", "team-c"), pubsub)
	ctx := context.Background()

	if _, err := a.Registry.Save(ctx, teamWorkflow(), "alice"); err != nil {
		t.Fatalf("save workflow: %v", err)
	}
	item, err := a.Orchestrator.CreateWorkItem(ctx, "onboarding", "alice", orchestrator.CreateOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := c.Store.LoadWorkItem(ctx, item.ID); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("expected item absent on other team's peer, got %v", err)
	}
}

func TestLocalOnlyPeer(t *testing.T) {
	p := startPeer(t, testConfig("solo"), nil)
	if p.Engine != nil {
		t.Fatalf("expected no sync engine without teams")
	}
	if _, err := p.Flush(context.Background()); !errors.Is(err, errNoEngine) {
		t.Fatalf("expected errNoEngine, got %v", err)
	}

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var st status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.PeerID != "solo" || st.Store != "memory" || st.Outbox != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}

	flush, err := http.Post(srv.URL+"/outbox/flush", "application/json", nil)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	flush.Body.Close()
	if flush.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without engine, got %d", flush.StatusCode)
	}
}

func TestNewSeedsWorkflowsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflows.yaml")
	seed := `workflows:
  - id: expenses
    name: Expenses
    workflow_type: global
    enabled: true
    created_by: ops
    triggers: [manual]
    stages:
      - id: submit
        stage_type: manual
        assignment_type: role_queue
        eligible_roles: [employee]
      - id: approve
        stage_type: approval
        assignment_type: role_queue
        eligible_roles: [manager]
      - id: paid
        stage_type: manual
        assignment_type: role_queue
        terminal: true
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	cfg := testConfig("seeded")
	cfg.WorkflowsPath = path
	p := startPeer(t, cfg, nil)

	wf, err := p.Registry.Load(context.Background(), "expenses")
	if err != nil {
		t.Fatalf("load seeded workflow: %v", err)
	}
	if len(wf.Stages) != 3 || wf.CreatedBy != "ops" {
		t.Fatalf("unexpected seeded workflow: %+v", wf)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("bad", "team-a")
	cfg.Transport = "carrier-pigeon"
	if _, err := New(context.Background(), cfg, Options{Metrics: metrics.Noop{}}); err == nil {
		t.Fatalf("expected invalid transport rejected")
	}
	cfg = testConfig("nosecret", "team-a")
	cfg.SyncSecret = ""
	if _, err := New(context.Background(), cfg, Options{Metrics: metrics.Noop{}}); err == nil {
		t.Fatalf("expected missing secret rejected")
	}
}
