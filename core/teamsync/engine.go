package teamsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/teamflow/core/infra/idempotency"
	"github.com/cordum/teamflow/core/infra/logging"
	"github.com/cordum/teamflow/core/infra/metrics"
	"github.com/cordum/teamflow/core/workflow"
)

const (
	component = "sync"

	defaultBackfillTimeout = 5 * time.Second
	defaultBackfillRetries = 3
	defaultApplyRetries    = 3
	defaultOutboxLimit     = 10000
)

// Receive outcomes, used as metric labels.
const (
	outcomeApplied      = "applied"
	outcomeStale        = "stale"
	outcomeBuffered     = "buffered"
	outcomeForkAdopted  = "fork_adopted"
	outcomeForkKept     = "fork_kept_local"
	outcomeDuplicate    = "duplicate"
	outcomeMalformed    = "malformed"
	outcomeForeignTeam  = "foreign_team"
	outcomeEcho         = "echo"
	outcomeBadSignature = "signature_invalid"
	outcomeConflict     = "conflict"
	outcomeFailed       = "failed"
	outcomeAnswered     = "answered"
	outcomeIgnored      = "ignored"
)

// Transport delivers opaque frames to every peer of a team.
type Transport interface {
	Broadcast(ctx context.Context, teamID string, data []byte) error
	OnMessage(handler func(data []byte) bool)
}

// ItemApplier commits remote work item state into the local store.
type ItemApplier interface {
	ApplyRemote(ctx context.Context, item *workflow.WorkItem, transitions []workflow.StageTransition, expectedVersion int64) (*workflow.WorkItem, error)
}

// WorkflowApplier commits replicated workflow definitions. Both methods
// report whether local state changed.
type WorkflowApplier interface {
	ApplyRemoteWorkflow(ctx context.Context, wf *workflow.Workflow) (bool, error)
	ApplyRemoteWorkflowDelete(ctx context.Context, id string, at time.Time) (bool, error)
}

// Config wires an Engine.
type Config struct {
	PeerID    string
	Teams     []string
	Keys      *KeyCache
	Transport Transport
	Store     workflow.Store
	Items     ItemApplier
	Workflows WorkflowApplier
	Seen      idempotency.Log
	Metrics   metrics.Metrics

	BackfillTimeout time.Duration
	BackfillRetries int
	ApplyRetries    int
	OutboxLimit     int
	Clock           func() time.Time
}

// Engine signs outgoing envelopes and verifies, orders and applies incoming ones.
type Engine struct {
	peerID    string
	teams     map[string]bool
	signer    *Signer
	transport Transport
	store     workflow.Store
	items     ItemApplier
	workflows WorkflowApplier
	seen      idempotency.Log
	metrics   metrics.Metrics
	now       func() time.Time

	backfillTimeout time.Duration
	backfillRetries int
	applyRetries    int
	outboxLimit     int

	ctx    context.Context
	cancel context.CancelFunc

	laneMu sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	gapMu sync.Mutex
	gaps  map[string]*gap

	outboxMu  sync.Mutex
	outbox    []outbound
	holdUntil time.Time
}

type lane struct {
	jobs []func(context.Context)
}

type outbound struct {
	id     string
	kind   string
	teamID string
	data   []byte
}

// remoteUpdate is a verified work item state received from a peer.
type remoteUpdate struct {
	frameID     string
	kind        string
	teamID      string
	item        *workflow.WorkItem
	transitions []workflow.StageTransition
	snapshot    bool
}

// gap tracks updates held back until the versions between them and the
// local copy arrive.
type gap struct {
	teamID     string
	workflowID string
	pending    map[int64]remoteUpdate
	attempts   int
	timer      *time.Timer
}

// New validates cfg and builds an Engine. Call Start to attach the transport.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.PeerID == "":
		return nil, errors.New("sync: peer id required")
	case len(cfg.Teams) == 0:
		return nil, errors.New("sync: at least one team required")
	case cfg.Keys == nil:
		return nil, errors.New("sync: key cache required")
	case cfg.Transport == nil:
		return nil, errors.New("sync: transport required")
	case cfg.Store == nil || cfg.Items == nil:
		return nil, errors.New("sync: store and item applier required")
	}
	e := &Engine{
		peerID:          cfg.PeerID,
		teams:           make(map[string]bool, len(cfg.Teams)),
		signer:          NewSigner(cfg.Keys),
		transport:       cfg.Transport,
		store:           cfg.Store,
		items:           cfg.Items,
		workflows:       cfg.Workflows,
		seen:            cfg.Seen,
		metrics:         cfg.Metrics,
		now:             cfg.Clock,
		backfillTimeout: cfg.BackfillTimeout,
		backfillRetries: cfg.BackfillRetries,
		applyRetries:    cfg.ApplyRetries,
		outboxLimit:     cfg.OutboxLimit,
		lanes:           make(map[string]*lane),
		gaps:            make(map[string]*gap),
	}
	for _, t := range cfg.Teams {
		if t != "" {
			e.teams[t] = true
		}
	}
	if e.seen == nil {
		e.seen = idempotency.NewMemoryLog(0)
	}
	if e.metrics == nil {
		e.metrics = metrics.Noop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.backfillTimeout <= 0 {
		e.backfillTimeout = defaultBackfillTimeout
	}
	if e.backfillRetries < 0 {
		e.backfillRetries = 0
	} else if cfg.BackfillRetries == 0 {
		e.backfillRetries = defaultBackfillRetries
	}
	if e.applyRetries <= 0 {
		e.applyRetries = defaultApplyRetries
	}
	if e.outboxLimit <= 0 {
		e.outboxLimit = defaultOutboxLimit
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Start registers the engine as the transport's handler. The engine shuts
// down when ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.transport.OnMessage(e.HandleMessage)
	go func() {
		select {
		case <-ctx.Done():
			e.Close()
		case <-e.ctx.Done():
		}
	}()
}

// Close stops backfill timers and waits for in-flight applies.
func (e *Engine) Close() {
	e.laneMu.Lock()
	if e.closed {
		e.laneMu.Unlock()
		return
	}
	e.closed = true
	e.laneMu.Unlock()
	e.cancel()

	e.gapMu.Lock()
	for _, g := range e.gaps {
		if g.timer != nil {
			g.timer.Stop()
		}
	}
	e.gapMu.Unlock()
	e.wg.Wait()
}

// PeerID returns the local peer identity.
func (e *Engine) PeerID() string { return e.peerID }

// Signer exposes the engine's signer for tooling that builds frames directly.
func (e *Engine) Signer() *Signer { return e.signer }

// Publish signs msg for its team and broadcasts it. Messages without a team
// are local-only. A broadcast failure parks the frame in the outbox.
func (e *Engine) Publish(ctx context.Context, msg *WorkflowSyncMessage) error {
	if msg == nil || msg.Payload == nil {
		return fmt.Errorf("%w: message payload required", ErrMalformedEnvelope)
	}
	kind := string(msg.Type())
	if msg.TeamID == "" {
		logging.Debug(component, "local-only message", "type", kind, "workflow_id", msg.WorkflowID)
		return nil
	}
	if !e.teams[msg.TeamID] {
		logging.Warn(component, "not publishing for unjoined team", "type", kind, "team_id", msg.TeamID)
		e.metrics.IncSyncPublished(kind, "not_joined")
		return nil
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.SenderPeerID = e.peerID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = e.now().UTC()
	}
	data, err := e.signer.SignMessage(msg)
	if err != nil {
		return err
	}
	e.send(ctx, outbound{id: msg.MessageID, kind: kind, teamID: msg.TeamID, data: data})
	return nil
}

// PublishOperation signs op for its team and broadcasts it.
func (e *Engine) PublishOperation(ctx context.Context, op *SyncOperation) error {
	if op == nil {
		return fmt.Errorf("%w: operation required", ErrMalformedEnvelope)
	}
	kind := "op:" + string(op.TableName)
	if !e.teams[op.TeamID] {
		logging.Warn(component, "not publishing operation for unjoined team", "table", op.TableName, "team_id", op.TeamID)
		e.metrics.IncSyncPublished(kind, "not_joined")
		return nil
	}
	if err := checkOperation(op); err != nil {
		return err
	}
	if op.OpID == "" {
		op.OpID = uuid.NewString()
	}
	op.PeerID = e.peerID
	if op.Timestamp.IsZero() {
		op.Timestamp = e.now().UTC()
	}
	data, err := e.signer.SignOperation(op)
	if err != nil {
		return err
	}
	e.send(ctx, outbound{id: op.OpID, kind: kind, teamID: op.TeamID, data: data})
	return nil
}

// Teams returns the joined team ids in sorted order.
func (e *Engine) Teams() []string {
	out := make([]string, 0, len(e.teams))
	for t := range e.teams {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HandleMessage is the transport callback. It returns false when the frame
// was dropped (malformed, foreign team, own echo or bad signature) and true
// when it was accepted or recognised as a duplicate.
func (e *Engine) HandleMessage(data []byte) bool {
	frame, err := DecodeFrame(data)
	if err != nil {
		logging.Warn(component, "dropping malformed envelope", "error", err)
		e.metrics.IncSyncReceived("unknown", outcomeMalformed)
		return false
	}
	kind := frame.Kind()
	if !e.teams[frame.TeamID()] {
		logging.Warn(component, "dropping envelope for foreign team", "id", frame.ID(), "type", kind, "team_id", frame.TeamID())
		e.metrics.IncSyncReceived(kind, outcomeForeignTeam)
		return false
	}
	if frame.SenderPeerID() == e.peerID {
		e.metrics.IncSyncReceived(kind, outcomeEcho)
		return false
	}
	if err := e.signer.VerifyFrame(frame); err != nil {
		logging.Warn(component, "dropping envelope", "id", frame.ID(), "type", kind, "sender", frame.SenderPeerID(), "error", err)
		e.metrics.IncSyncReceived(kind, outcomeBadSignature)
		return false
	}
	first, err := e.seen.Mark(e.ctx, frame.ID())
	switch {
	case err != nil:
		// The version rule makes a replay harmless, so keep going.
		logging.Warn(component, "idempotency log unavailable", "id", frame.ID(), "error", err)
	case !first:
		e.metrics.IncSyncReceived(kind, outcomeDuplicate)
		return true
	}
	e.dispatch(frame)
	return true
}

func (e *Engine) dispatch(f *Frame) {
	if op := f.Operation; op != nil {
		e.dispatchOperation(op)
		return
	}
	msg := f.Message
	kind := string(msg.Type())
	switch p := msg.Payload.(type) {
	case *WorkItemCreated, *WorkItemClaimed, *WorkItemStarted, *StageCompleted, *WorkItemCancelled, *WorkItemAssigned:
		ip := p.(ItemPayload)
		u := remoteUpdate{frameID: msg.MessageID, kind: kind, teamID: msg.TeamID, item: ip.WorkItem(), transitions: ip.Transitions()}
		e.enqueue(itemLane(u.item.ID), func(ctx context.Context) { e.applyItem(ctx, u) })
	case *WorkItemSnapshot:
		u := remoteUpdate{frameID: msg.MessageID, kind: kind, teamID: msg.TeamID, item: p.Item, transitions: p.History, snapshot: true}
		e.enqueue(itemLane(u.item.ID), func(ctx context.Context) { e.applyItem(ctx, u) })
	case *BackfillRequest:
		e.enqueue(itemLane(p.WorkItemID), func(ctx context.Context) { e.answerBackfill(ctx, msg, p) })
	default:
		logging.Warn(component, "no handler for payload", "type", kind)
		e.metrics.IncSyncReceived(kind, outcomeIgnored)
	}
}

func (e *Engine) dispatchOperation(op *SyncOperation) {
	kind := "op:" + string(op.TableName)
	switch op.TableName {
	case TableWorkflows:
		e.enqueue("workflow:"+op.RowID, func(ctx context.Context) { e.applyWorkflowOp(ctx, op) })
	case TableWorkItems:
		item, err := decodeOpRow[workflow.WorkItem](op)
		if err == nil && (item.ID != op.RowID || item.TeamID != op.TeamID || item.Version != op.Version || item.Version < 1) {
			err = fmt.Errorf("%w: work item row %s disagrees with envelope", ErrMalformedEnvelope, op.RowID)
		}
		if err != nil {
			logging.Warn(component, "dropping work item operation", "op_id", op.OpID, "error", err)
			e.metrics.IncSyncReceived(kind, outcomeMalformed)
			return
		}
		u := remoteUpdate{frameID: op.OpID, kind: kind, teamID: op.TeamID, item: item}
		e.enqueue(itemLane(item.ID), func(ctx context.Context) { e.applyItem(ctx, u) })
	case TableStageTransitions:
		tr, err := decodeOpRow[workflow.StageTransition](op)
		if err == nil && tr.ID != op.RowID {
			err = fmt.Errorf("%w: transition row %s disagrees with envelope", ErrMalformedEnvelope, op.RowID)
		}
		if err != nil {
			logging.Warn(component, "dropping transition operation", "op_id", op.OpID, "error", err)
			e.metrics.IncSyncReceived(kind, outcomeMalformed)
			return
		}
		e.enqueue(itemLane(tr.WorkItemID), func(ctx context.Context) { e.applyTransitionOp(ctx, op, tr) })
	}
}

// forget releases a frame id after a failed apply so a redelivery of the
// same frame is processed instead of counted as a duplicate.
func (e *Engine) forget(id string) {
	if id == "" {
		return
	}
	if err := e.seen.Forget(e.ctx, id); err != nil {
		logging.Warn(component, "idempotency log unavailable", "id", id, "error", err)
	}
}

func decodeOpRow[T any](op *SyncOperation) (*T, error) {
	if op.Operation == OpDelete {
		return nil, fmt.Errorf("%w: %s rows cannot be deleted remotely", ErrMalformedEnvelope, op.TableName)
	}
	var row T
	if err := json.Unmarshal(op.Data, &row); err != nil {
		return nil, fmt.Errorf("%w: %s row: %v", ErrMalformedEnvelope, op.TableName, err)
	}
	return &row, nil
}

func itemLane(id string) string { return "item:" + id }

// enqueue runs job after every job already queued under key. Keys run
// concurrently with each other; a lane goroutine exits once its queue drains.
func (e *Engine) enqueue(key string, job func(context.Context)) {
	e.laneMu.Lock()
	defer e.laneMu.Unlock()
	if e.closed {
		return
	}
	l, ok := e.lanes[key]
	if !ok {
		l = &lane{}
		e.lanes[key] = l
		e.wg.Add(1)
		go e.runLane(key, l)
	}
	l.jobs = append(l.jobs, job)
}

func (e *Engine) runLane(key string, l *lane) {
	defer e.wg.Done()
	for {
		e.laneMu.Lock()
		if len(l.jobs) == 0 {
			delete(e.lanes, key)
			e.laneMu.Unlock()
			return
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		e.laneMu.Unlock()
		job(e.ctx)
	}
}

func (e *Engine) idle() bool {
	e.laneMu.Lock()
	defer e.laneMu.Unlock()
	return len(e.lanes) == 0
}
