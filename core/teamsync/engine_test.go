package teamsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cordum/teamflow/core/infra/bus"
	"github.com/cordum/teamflow/core/infra/metrics"
	"github.com/cordum/teamflow/core/workflow"
)

const testSecret = "team-secret"

type recordingTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	teams   []string
	fail    error
	handler func([]byte) bool
}

func (t *recordingTransport) Broadcast(_ context.Context, teamID string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	t.teams = append(t.teams, teamID)
	return nil
}

func (t *recordingTransport) OnMessage(handler func([]byte) bool) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *recordingTransport) setFail(err error) {
	t.mu.Lock()
	t.fail = err
	t.mu.Unlock()
}

func (t *recordingTransport) messages(mt MessageType) []*WorkflowSyncMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*WorkflowSyncMessage
	for _, f := range t.frames {
		frame, err := DecodeFrame(f)
		if err != nil || frame.Message == nil {
			continue
		}
		if frame.Message.Type() == mt {
			out = append(out, frame.Message)
		}
	}
	return out
}

// storeApplier commits remote state straight into a store.
type storeApplier struct {
	store workflow.Store

	mu    sync.Mutex
	calls int
}

func (a *storeApplier) ApplyRemote(ctx context.Context, item *workflow.WorkItem, transitions []workflow.StageTransition, expected int64) (*workflow.WorkItem, error) {
	if err := a.store.SaveWorkItem(ctx, item.Clone(), expected); err != nil {
		return nil, err
	}
	for i := range transitions {
		if err := a.store.AppendTransition(ctx, &transitions[i]); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return item, nil
}

func (a *storeApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	engine    *Engine
	store     *workflow.MemoryStore
	transport *recordingTransport
	applier   *storeApplier
	remote    *Signer
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	keys, err := NewKeyCache(testSecret)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	store := workflow.NewMemoryStore()
	tr := &recordingTransport{}
	applier := &storeApplier{store: store}
	cfg := Config{
		PeerID:          "peer-local",
		Teams:           []string{"A"},
		Keys:            keys,
		Transport:       tr,
		Store:           store,
		Items:           applier,
		BackfillTimeout: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.Start(context.Background())
	t.Cleanup(e.Close)
	return &harness{engine: e, store: store, transport: tr, applier: applier, remote: NewSigner(keys)}
}

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testItem(version int64, eventID string) *workflow.WorkItem {
	return &workflow.WorkItem{
		ID:             "wi-1",
		WorkflowID:     "wf-1",
		TeamID:         "A",
		CurrentStageID: "draft",
		Status:         workflow.StatusQueued,
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime.Add(time.Duration(version) * time.Minute),
		Version:        version,
		LastEventID:    eventID,
		OriginPeerID:   "peer-remote",
	}
}

func (h *harness) remoteFrame(t *testing.T, signer *Signer, id string, payload Payload, team string) []byte {
	t.Helper()
	msg := &WorkflowSyncMessage{
		MessageID:    id,
		SenderPeerID: "peer-remote",
		SenderUserID: "u1",
		WorkflowID:   "wf-1",
		Payload:      payload,
		TeamID:       team,
		Timestamp:    baseTime,
	}
	data, err := signer.SignMessage(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return data
}

func (h *harness) seed(t *testing.T, item *workflow.WorkItem) {
	t.Helper()
	if err := h.store.SaveWorkItem(context.Background(), item, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) localVersion(t *testing.T) int64 {
	t.Helper()
	wi, err := h.store.LoadWorkItem(context.Background(), "wi-1")
	if errors.Is(err, workflow.ErrNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return wi.Version
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	waitFor(t, "lanes to drain", h.engine.idle)
}

func claimed(item *workflow.WorkItem) Payload { return &WorkItemClaimed{itemState{Item: item}} }

func TestPublishSignsForTeam(t *testing.T) {
	h := newHarness(t, nil)
	item := testItem(1, "e1")
	if err := h.engine.Publish(context.Background(), &WorkflowSyncMessage{
		WorkflowID: "wf-1",
		TeamID:     "A",
		Payload:    &WorkItemCreated{itemState{Item: item}},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := h.transport.messages(MsgWorkItemCreated)
	if len(msgs) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(msgs))
	}
	if msgs[0].SenderPeerID != "peer-local" || msgs[0].MessageID == "" || len(msgs[0].Signature) != 64 {
		t.Fatalf("unexpected envelope: %+v", msgs[0])
	}
	if h.transport.teams[0] != "A" {
		t.Fatalf("expected broadcast to team A, got %s", h.transport.teams[0])
	}

	if err := h.engine.Publish(context.Background(), &WorkflowSyncMessage{Payload: claimed(testItem(2, "e2"))}); err != nil {
		t.Fatalf("local-only publish: %v", err)
	}
	if err := h.engine.Publish(context.Background(), &WorkflowSyncMessage{TeamID: "Z", Payload: claimed(testItem(2, "e2"))}); err != nil {
		t.Fatalf("unjoined publish: %v", err)
	}
	if got := len(h.transport.frames); got != 1 {
		t.Fatalf("expected local-only and unjoined messages to stay local, got %d frames", got)
	}
}

func TestHandleAppliesNextVersion(t *testing.T) {
	h := newHarness(t, nil)
	if !h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m1", &WorkItemCreated{itemState{Item: testItem(1, "e1")}}, "A")) {
		t.Fatalf("expected frame accepted")
	}
	h.settle(t)
	if v := h.localVersion(t); v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m2", claimed(testItem(2, "e2")), "A"))
	h.settle(t)
	if v := h.localVersion(t); v != 2 {
		t.Fatalf("expected version 2, got %d", v)
	}
}

func TestHandleDropsStaleAndDuplicates(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, testItem(3, "e3"))

	stale := h.remoteFrame(t, h.remote, "m2", claimed(testItem(2, "e2")), "A")
	if !h.engine.HandleMessage(stale) {
		t.Fatalf("expected stale frame to be acknowledged")
	}
	h.settle(t)
	if v := h.localVersion(t); v != 3 || h.applier.count() != 0 {
		t.Fatalf("expected stale update discarded, version=%d applies=%d", v, h.applier.count())
	}

	next := h.remoteFrame(t, h.remote, "m4", claimed(testItem(4, "e4")), "A")
	h.engine.HandleMessage(next)
	h.engine.HandleMessage(next)
	h.settle(t)
	if h.applier.count() != 1 {
		t.Fatalf("expected one apply for duplicate delivery, got %d", h.applier.count())
	}
}

func TestHandleDropsForgedAndForeignFrames(t *testing.T) {
	h := newHarness(t, nil)
	valid := h.remoteFrame(t, h.remote, "m1", claimed(testItem(1, "e1")), "A")

	tampered := []byte(strings.Replace(string(valid), `"claimed_by":`, `"claimed_by_x":`, 1))
	tampered = []byte(strings.Replace(string(tampered), `"current_stage_id":"draft"`, `"current_stage_id":"publish"`, 1))
	if h.engine.HandleMessage(tampered) {
		t.Fatalf("expected tampered frame dropped")
	}

	retargeted := []byte(strings.Replace(string(valid), `"team_id":"A","timestamp"`, `"team_id":"B","timestamp"`, 1))
	if h.engine.HandleMessage(retargeted) {
		t.Fatalf("expected re-targeted frame dropped")
	}

	foreign := h.remoteFrame(t, h.remote, "m2", claimed(testItem(1, "e1")), "B")
	if h.engine.HandleMessage(foreign) {
		t.Fatalf("expected frame for unjoined team dropped")
	}

	otherKeys, _ := NewKeyCache("someone-else")
	forged := h.remoteFrame(t, NewSigner(otherKeys), "m3", claimed(testItem(1, "e1")), "A")
	if h.engine.HandleMessage(forged) {
		t.Fatalf("expected forged frame dropped")
	}

	smuggled := testItem(1, "e1")
	smuggled.TeamID = "B"
	if h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m4", claimed(smuggled), "A")) {
		t.Fatalf("expected item from another team dropped")
	}

	if h.engine.HandleMessage([]byte(`{"message_id":"x"}`)) {
		t.Fatalf("expected malformed frame dropped")
	}

	var echo map[string]any
	_ = json.Unmarshal(valid, &echo)
	echo["sender_peer_id"] = "peer-local"
	echoed, _ := json.Marshal(echo)
	if h.engine.HandleMessage(echoed) {
		t.Fatalf("expected own echo dropped")
	}

	h.settle(t)
	if h.applier.count() != 0 {
		t.Fatalf("expected nothing applied, got %d", h.applier.count())
	}
}

func TestGapDrainsWhenMissingVersionArrives(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, testItem(1, "e1"))

	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m3", claimed(testItem(3, "e3")), "A"))
	h.settle(t)
	if v := h.localVersion(t); v != 1 {
		t.Fatalf("expected gapped update buffered, got version %d", v)
	}
	reqs := h.transport.messages(MsgBackfillRequest)
	if len(reqs) != 1 {
		t.Fatalf("expected one backfill request, got %d", len(reqs))
	}
	bf := reqs[0].Payload.(*BackfillRequest)
	if bf.WorkItemID != "wi-1" || bf.HaveVersion != 1 || bf.WantVersion != 3 {
		t.Fatalf("unexpected backfill request: %+v", bf)
	}

	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m2", claimed(testItem(2, "e2")), "A"))
	h.settle(t)
	if v := h.localVersion(t); v != 3 {
		t.Fatalf("expected buffered update drained to version 3, got %d", v)
	}
	if !h.engine.gapClosed("wi-1") {
		t.Fatalf("expected gap closed")
	}
}

func TestSnapshotClosesGap(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, testItem(1, "e1"))
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m4", claimed(testItem(4, "e4")), "A"))
	h.settle(t)

	snap := &WorkItemSnapshot{
		Item: testItem(3, "e3"),
		History: []workflow.StageTransition{
			{ID: "t1", WorkItemID: "wi-1", FromStageID: "draft", ToStageID: "review", ActorUserID: "u1", Timestamp: baseTime},
		},
	}
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "snap", snap, "A"))
	h.settle(t)
	if v := h.localVersion(t); v != 4 {
		t.Fatalf("expected snapshot plus buffered update to reach version 4, got %d", v)
	}
	history, _ := h.store.ListTransitions(context.Background(), "wi-1")
	if len(history) != 1 {
		t.Fatalf("expected snapshot history applied, got %d", len(history))
	}
}

func TestGapFallsBackToLastWriterWins(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.BackfillTimeout = 10 * time.Millisecond
		c.BackfillRetries = 1
	})
	h.seed(t, testItem(1, "e1"))
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m5", claimed(testItem(5, "e5")), "A"))

	waitFor(t, "last-writer-wins adoption", func() bool {
		wi, err := h.store.LoadWorkItem(context.Background(), "wi-1")
		return err == nil && wi.Version == 5
	})
	h.settle(t)
	if got := len(h.transport.messages(MsgBackfillRequest)); got != 2 {
		t.Fatalf("expected initial request plus one retry, got %d", got)
	}
	if !h.engine.gapClosed("wi-1") {
		t.Fatalf("expected gap closed after fallback")
	}
}

func TestGapFallbackKeepsNewerLocal(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.BackfillTimeout = 10 * time.Millisecond
		c.BackfillRetries = -1
	})
	local := testItem(1, "e1")
	local.UpdatedAt = baseTime.Add(24 * time.Hour)
	h.seed(t, local)
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m3", claimed(testItem(3, "e3")), "A"))

	waitFor(t, "gap to close", func() bool { return h.engine.gapClosed("wi-1") })
	h.settle(t)
	if v := h.localVersion(t); v != 1 {
		t.Fatalf("expected newer local copy kept, got version %d", v)
	}
}

func TestAnswerBackfill(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, testItem(3, "e3"))
	_ = h.store.AppendTransition(context.Background(), &workflow.StageTransition{ID: "t1", WorkItemID: "wi-1", FromStageID: "draft", ToStageID: "review"})

	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "bf1", &BackfillRequest{WorkItemID: "wi-1", HaveVersion: 1, WantVersion: 3}, "A"))
	h.settle(t)
	snaps := h.transport.messages(MsgWorkItemSnapshot)
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot reply, got %d", len(snaps))
	}
	snap := snaps[0].Payload.(*WorkItemSnapshot)
	if snap.Item.Version != 3 || len(snap.History) != 1 || snap.RequestID != "bf1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "bf2", &BackfillRequest{WorkItemID: "wi-1", HaveVersion: 3}, "A"))
	h.settle(t)
	if got := len(h.transport.messages(MsgWorkItemSnapshot)); got != 1 {
		t.Fatalf("expected no reply when requester is current, got %d", got)
	}
}

func TestConcurrentForkConverges(t *testing.T) {
	h := newHarness(t, nil)
	local := testItem(2, "e-local")
	local.OriginPeerID = "peer-local"
	h.seed(t, local)

	older := testItem(2, "e-old")
	older.UpdatedAt = local.UpdatedAt.Add(-time.Second)
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "f1", claimed(older), "A"))
	h.settle(t)
	wi, _ := h.store.LoadWorkItem(context.Background(), "wi-1")
	if wi.LastEventID != "e-local" {
		t.Fatalf("expected older fork to lose, got %s", wi.LastEventID)
	}

	newer := testItem(2, "e-new")
	newer.UpdatedAt = local.UpdatedAt.Add(time.Second)
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "f2", claimed(newer), "A"))
	h.settle(t)
	wi, _ = h.store.LoadWorkItem(context.Background(), "wi-1")
	if wi.LastEventID != "e-new" || wi.Version != 2 {
		t.Fatalf("expected newer fork adopted at same version, got %s v%d", wi.LastEventID, wi.Version)
	}
}

func TestForkTieBreakIsSymmetric(t *testing.T) {
	a := testItem(2, "ea")
	a.OriginPeerID = "peer-a"
	b := testItem(2, "eb")
	b.OriginPeerID = "peer-b"
	if forkWins(a, b) == forkWins(b, a) {
		t.Fatalf("expected exactly one side to win")
	}
	if !forkWins(b, a) {
		t.Fatalf("expected larger origin peer to win a timestamp tie")
	}
}

func TestOutboxParksAndFlushes(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.setFail(errors.New("offline"))
	for i, id := range []string{"e1", "e2"} {
		if err := h.engine.Publish(context.Background(), &WorkflowSyncMessage{TeamID: "A", Payload: claimed(testItem(int64(i+1), id))}); err != nil {
			t.Fatalf("publish while offline should not fail: %v", err)
		}
	}
	if h.engine.OutboxLen() != 2 {
		t.Fatalf("expected two parked frames, got %d", h.engine.OutboxLen())
	}
	if sent := h.engine.FlushOutbox(context.Background()); sent != 0 {
		t.Fatalf("expected nothing sent while offline, got %d", sent)
	}
	h.transport.setFail(nil)
	if sent := h.engine.FlushOutbox(context.Background()); sent != 2 {
		t.Fatalf("expected two frames flushed, got %d", sent)
	}
	msgs := h.transport.messages(MsgWorkItemClaimed)
	if len(msgs) != 2 || msgs[0].Payload.(*WorkItemClaimed).Item.Version != 1 {
		t.Fatalf("expected parked frames in order")
	}
}

type recordingWorkflows struct {
	mu      sync.Mutex
	applied []*workflow.Workflow
	deleted []string
}

func (r *recordingWorkflows) ApplyRemoteWorkflow(_ context.Context, wf *workflow.Workflow) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, wf)
	return true, nil
}

func (r *recordingWorkflows) ApplyRemoteWorkflowDelete(_ context.Context, id string, _ time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return true, nil
}

func TestWorkflowOperations(t *testing.T) {
	wfs := &recordingWorkflows{}
	h := newHarness(t, func(c *Config) { c.Workflows = wfs })

	signOp := func(id string, kind OpKind, row any) []byte {
		op, err := NewOperation(TableWorkflows, kind, "wf-1", "A", 0, row)
		if err != nil {
			t.Fatalf("op: %v", err)
		}
		op.OpID = id
		op.PeerID = "peer-remote"
		op.Timestamp = baseTime
		data, err := h.remote.SignOperation(op)
		if err != nil {
			t.Fatalf("sign op: %v", err)
		}
		return data
	}

	team := &workflow.Workflow{ID: "wf-1", Name: "Review", WorkflowType: workflow.WorkflowTypeTeam, TeamID: "A"}
	h.engine.HandleMessage(signOp("o1", OpUpdate, team))
	other := &workflow.Workflow{ID: "wf-1", Name: "Review", WorkflowType: workflow.WorkflowTypeTeam, TeamID: "B"}
	h.engine.HandleMessage(signOp("o2", OpUpdate, other))
	h.engine.HandleMessage(signOp("o3", OpDelete, nil))
	h.settle(t)

	wfs.mu.Lock()
	defer wfs.mu.Unlock()
	if len(wfs.applied) != 1 || wfs.applied[0].TeamID != "A" {
		t.Fatalf("expected only the team A definition applied, got %d", len(wfs.applied))
	}
	if len(wfs.deleted) != 1 || wfs.deleted[0] != "wf-1" {
		t.Fatalf("expected delete applied, got %v", wfs.deleted)
	}
}

func TestWorkItemAndTransitionOperations(t *testing.T) {
	h := newHarness(t, nil)
	signOp := func(id string, table Table, rowID string, version int64, row any) []byte {
		op, err := NewOperation(table, OpInsert, rowID, "A", version, row)
		if err != nil {
			t.Fatalf("op: %v", err)
		}
		op.OpID = id
		op.PeerID = "peer-remote"
		op.Timestamp = baseTime
		data, err := h.remote.SignOperation(op)
		if err != nil {
			t.Fatalf("sign op: %v", err)
		}
		return data
	}
	h.engine.HandleMessage(signOp("o1", TableWorkItems, "wi-1", 1, testItem(1, "e1")))
	h.settle(t)
	h.engine.HandleMessage(signOp("o2", TableStageTransitions, "t1", 0, workflow.StageTransition{ID: "t1", WorkItemID: "wi-1", FromStageID: "draft", ToStageID: "review"}))
	h.settle(t)
	if v := h.localVersion(t); v != 1 {
		t.Fatalf("expected row applied at version 1, got %d", v)
	}
	history, _ := h.store.ListTransitions(context.Background(), "wi-1")
	if len(history) != 1 {
		t.Fatalf("expected transition appended, got %d", len(history))
	}
}

func TestNewValidatesConfig(t *testing.T) {
	keys, _ := NewKeyCache(testSecret)
	store := workflow.NewMemoryStore()
	base := Config{PeerID: "p", Teams: []string{"A"}, Keys: keys, Transport: &recordingTransport{}, Store: store, Items: &storeApplier{store: store}}
	if _, err := New(base); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}
	broken := []func(*Config){
		func(c *Config) { c.PeerID = "" },
		func(c *Config) { c.Teams = nil },
		func(c *Config) { c.Keys = nil },
		func(c *Config) { c.Transport = nil },
		func(c *Config) { c.Items = nil },
	}
	for i, mutate := range broken {
		cfg := base
		mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Fatalf("case %d: expected config error", i)
		}
	}
}

type outcomeRecorder struct {
	metrics.Noop
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *outcomeRecorder) IncSyncReceived(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func (r *outcomeRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

func otherTeamItem(t *testing.T, h *harness) {
	t.Helper()
	owned := testItem(1, "b1")
	owned.TeamID = "B"
	owned.WorkflowID = "wf-b"
	h.seed(t, owned)
}

func requireUntouched(t *testing.T, h *harness) {
	t.Helper()
	wi, err := h.store.LoadWorkItem(context.Background(), "wi-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if wi.TeamID != "B" || wi.WorkflowID != "wf-b" || wi.Version != 1 || wi.ClaimedBy != "" {
		t.Fatalf("item of team B was rewritten: %+v", wi)
	}
	if h.applier.count() != 0 {
		t.Fatalf("expected nothing applied, got %d", h.applier.count())
	}
}

func TestUpdateCannotRewriteItemOfAnotherTeam(t *testing.T) {
	rec := &outcomeRecorder{}
	h := newHarness(t, func(c *Config) {
		c.Teams = []string{"A", "B"}
		c.Metrics = rec
	})
	otherTeamItem(t, h)

	hijack := testItem(2, "a2")
	hijack.Status = workflow.StatusClaimed
	hijack.ClaimedBy = "mallory"
	if !h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m-hijack", claimed(hijack), "A")) {
		t.Fatalf("expected the signed frame to be accepted for resolution")
	}
	snap := testItem(5, "a5")
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m-snap", &WorkItemSnapshot{Item: snap}, "A"))
	ahead := testItem(4, "a4")
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m-ahead", claimed(ahead), "A"))
	h.settle(t)

	requireUntouched(t, h)
	if got := rec.count(outcomeForeignTeam); got != 3 {
		t.Fatalf("expected three foreign team drops, got %d", got)
	}
	if reqs := h.transport.messages(MsgBackfillRequest); len(reqs) != 0 {
		t.Fatalf("expected no backfill for a foreign item, got %d", len(reqs))
	}
}

func TestBufferedUpdateCannotRewriteItemOfAnotherTeam(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Teams = []string{"A", "B"}
		c.BackfillTimeout = 50 * time.Millisecond
		c.BackfillRetries = -1
	})
	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m3", claimed(testItem(3, "a3")), "A"))
	h.settle(t)
	otherTeamItem(t, h)

	waitFor(t, "gap to close", func() bool { return h.engine.gapClosed("wi-1") })
	h.settle(t)
	requireUntouched(t, h)
}

// flakyLoadStore fails the first n item loads.
type flakyLoadStore struct {
	*workflow.MemoryStore
	failures atomic.Int32
}

func (s *flakyLoadStore) LoadWorkItem(ctx context.Context, id string) (*workflow.WorkItem, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("disk busy")
	}
	return s.MemoryStore.LoadWorkItem(ctx, id)
}

func TestRedeliveryAfterFailedApplyIsProcessed(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		flaky := &flakyLoadStore{MemoryStore: c.Store.(*workflow.MemoryStore)}
		flaky.failures.Store(1)
		c.Store = flaky
	})
	frame := h.remoteFrame(t, h.remote, "m1", &WorkItemCreated{itemState{Item: testItem(1, "e1")}}, "A")

	if !h.engine.HandleMessage(frame) {
		t.Fatalf("expected frame accepted")
	}
	h.settle(t)
	if v := h.localVersion(t); v != 0 {
		t.Fatalf("expected failed apply to leave no item, got version %d", v)
	}

	if !h.engine.HandleMessage(frame) {
		t.Fatalf("expected redelivery accepted")
	}
	h.settle(t)
	if v := h.localVersion(t); v != 1 || h.applier.count() != 1 {
		t.Fatalf("expected redelivery applied, version=%d applies=%d", v, h.applier.count())
	}

	h.engine.HandleMessage(frame)
	h.settle(t)
	if h.applier.count() != 1 {
		t.Fatalf("expected a successful apply to stay deduplicated, got %d applies", h.applier.count())
	}
}

func TestRedeliveryRepairsMissingHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, testItem(2, "e2"))
	tr := workflow.StageTransition{ID: "t2", WorkItemID: "wi-1", FromStageID: "draft", ToStageID: "review", Timestamp: baseTime}
	payload := &StageCompleted{itemState: itemState{Item: testItem(2, "e2")}, Transition: &tr}

	h.engine.HandleMessage(h.remoteFrame(t, h.remote, "m2", payload, "A"))
	h.settle(t)
	history, _ := h.store.ListTransitions(context.Background(), "wi-1")
	if len(history) != 1 || history[0].ID != "t2" {
		t.Fatalf("expected the missing transition recorded, got %+v", history)
	}
}

func TestOutboxHonoursTransportBackoff(t *testing.T) {
	var (
		mu  sync.Mutex
		now = baseTime
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, func(c *Config) { c.Clock = clock })
	h.transport.setFail(bus.RetryAfter(bus.ErrNoPeers, time.Minute))
	if err := h.engine.Publish(context.Background(), &WorkflowSyncMessage{TeamID: "A", Payload: claimed(testItem(1, "e1"))}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	h.transport.setFail(nil)

	if sent := h.engine.FlushOutbox(context.Background()); sent != 0 {
		t.Fatalf("expected the backoff to hold the outbox, sent %d", sent)
	}
	if err := h.engine.Publish(context.Background(), &WorkflowSyncMessage{TeamID: "A", Payload: claimed(testItem(2, "e2"))}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sent := len(h.transport.messages(MsgWorkItemClaimed)); h.engine.OutboxLen() != 2 || sent != 0 {
		t.Fatalf("expected new frames parked behind the backoff, outbox=%d sent=%d", h.engine.OutboxLen(), sent)
	}

	mu.Lock()
	now = now.Add(time.Minute + time.Second)
	mu.Unlock()
	if sent := h.engine.FlushOutbox(context.Background()); sent != 2 {
		t.Fatalf("expected both frames sent once the backoff passed, got %d", sent)
	}
}
