package teamsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cordum/teamflow/core/infra/logging"
	"github.com/cordum/teamflow/core/workflow"
)

// applyItem resolves u against the local copy, re-reading and retrying when
// a local mutation wins the CAS race.
func (e *Engine) applyItem(ctx context.Context, u remoteUpdate) {
	var (
		outcome string
		err     error
	)
	for attempt := 0; attempt <= e.applyRetries; attempt++ {
		outcome, err = e.resolve(ctx, u)
		if !errors.Is(err, workflow.ErrVersionConflict) {
			break
		}
	}
	switch {
	case errors.Is(err, workflow.ErrVersionConflict):
		logging.Warn(component, "gave up applying after repeated conflicts", "work_item_id", u.item.ID, "version", u.item.Version)
		e.metrics.IncSyncReceived(u.kind, outcomeConflict)
		e.forget(u.frameID)
		return
	case err != nil:
		logging.Error(component, "apply remote update failed", "work_item_id", u.item.ID, "version", u.item.Version, "error", err)
		e.metrics.IncSyncReceived(u.kind, outcomeFailed)
		e.forget(u.frameID)
		return
	}
	e.metrics.IncSyncReceived(u.kind, outcome)
	logging.Debug(component, "remote update resolved", "work_item_id", u.item.ID, "version", u.item.Version, "outcome", outcome)
	if outcome == outcomeApplied || outcome == outcomeForkAdopted {
		e.drainGap(ctx, u.item.ID)
	}
}

// resolve applies the version rule: the next version applies, older or equal
// versions are stale unless they fork the local history, and anything further
// ahead waits in the gap buffer for a backfill.
func (e *Engine) resolve(ctx context.Context, u remoteUpdate) (string, error) {
	local, localV, err := e.loadLocal(ctx, u.item.ID)
	if err != nil {
		return "", err
	}
	if foreignItem(local, u) {
		e.dropForeign(local, u)
		return outcomeForeignTeam, nil
	}
	remoteV := u.item.Version
	switch {
	case remoteV == localV+1, u.snapshot && remoteV > localV:
		if _, err := e.items.ApplyRemote(ctx, u.item, u.transitions, localV); err != nil {
			return "", err
		}
		return outcomeApplied, nil
	case local != nil && remoteV == localV && local.LastEventID != u.item.LastEventID:
		if !forkWins(u.item, local) {
			return outcomeForkKept, nil
		}
		if _, err := e.items.ApplyRemote(ctx, u.item, u.transitions, localV); err != nil {
			return "", err
		}
		logging.Info(component, "concurrent update resolved in favour of remote", "work_item_id", u.item.ID, "version", remoteV, "origin", u.item.OriginPeerID)
		return outcomeForkAdopted, nil
	case local != nil && remoteV == localV && len(u.transitions) > 0:
		// Same event redelivered: fill in history a failed append left out.
		if err := e.appendHistory(ctx, u); err != nil {
			return "", err
		}
		return outcomeStale, nil
	case remoteV <= localV:
		return outcomeStale, nil
	default:
		e.bufferGap(ctx, u, localV)
		return outcomeBuffered, nil
	}
}

// foreignItem reports whether the local copy of u's item belongs to another
// team or workflow. Such an update is never applied, whatever its version.
func foreignItem(local *workflow.WorkItem, u remoteUpdate) bool {
	return local != nil && (local.TeamID != u.teamID || local.WorkflowID != u.item.WorkflowID)
}

func (e *Engine) dropForeign(local *workflow.WorkItem, u remoteUpdate) {
	logging.Warn(component, "dropping update for work item of another team",
		"work_item_id", local.ID, "team_id", u.teamID, "workflow_id", u.item.WorkflowID,
		"local_team_id", local.TeamID, "local_workflow_id", local.WorkflowID, "origin", u.item.OriginPeerID)
}

func (e *Engine) appendHistory(ctx context.Context, u remoteUpdate) error {
	for i := range u.transitions {
		tr := u.transitions[i]
		if tr.WorkItemID != u.item.ID {
			continue
		}
		if err := e.store.AppendTransition(ctx, &tr); err != nil {
			return fmt.Errorf("append transition %s: %w", tr.ID, err)
		}
	}
	return nil
}

func (e *Engine) loadLocal(ctx context.Context, id string) (*workflow.WorkItem, int64, error) {
	local, err := e.store.LoadWorkItem(ctx, id)
	if errors.Is(err, workflow.ErrNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load work item %s: %w", id, err)
	}
	return local, local.Version, nil
}

// forkWins picks between two different updates at the same version. Every
// peer evaluates the same ordering, so all converge on one of them.
func forkWins(remote, local *workflow.WorkItem) bool {
	if !remote.UpdatedAt.Equal(local.UpdatedAt) {
		return remote.UpdatedAt.After(local.UpdatedAt)
	}
	if remote.OriginPeerID != local.OriginPeerID {
		return remote.OriginPeerID > local.OriginPeerID
	}
	return remote.LastEventID > local.LastEventID
}

func (e *Engine) bufferGap(ctx context.Context, u remoteUpdate, localV int64) {
	id := u.item.ID
	e.gapMu.Lock()
	g, ok := e.gaps[id]
	if !ok {
		g = &gap{teamID: u.teamID, workflowID: u.item.WorkflowID, pending: make(map[int64]remoteUpdate)}
		e.gaps[id] = g
	}
	g.pending[u.item.Version] = u
	e.gapMu.Unlock()
	if ok {
		return
	}
	logging.Info(component, "version gap, requesting backfill", "work_item_id", id, "local_version", localV, "remote_version", u.item.Version)
	e.metrics.IncSyncGap("detected")
	e.requestBackfill(ctx, id)
}

func (e *Engine) requestBackfill(ctx context.Context, id string) {
	_, localV, err := e.loadLocal(ctx, id)
	if err != nil {
		logging.Warn(component, "backfill skipped", "work_item_id", id, "error", err)
	}
	e.gapMu.Lock()
	g := e.gaps[id]
	if g == nil {
		e.gapMu.Unlock()
		return
	}
	g.attempts++
	var want int64
	for v := range g.pending {
		if v > want {
			want = v
		}
	}
	req := &WorkflowSyncMessage{
		TeamID:     g.teamID,
		WorkflowID: g.workflowID,
		Payload:    &BackfillRequest{WorkItemID: id, HaveVersion: localV, WantVersion: want},
	}
	g.timer = time.AfterFunc(e.backfillTimeout, func() {
		e.enqueue(itemLane(id), func(ctx context.Context) { e.backfillTimedOut(ctx, id) })
	})
	e.gapMu.Unlock()

	if err := e.Publish(ctx, req); err != nil {
		logging.Warn(component, "backfill request not sent", "work_item_id", id, "error", err)
	}
}

func (e *Engine) backfillTimedOut(ctx context.Context, id string) {
	e.gapMu.Lock()
	g := e.gaps[id]
	if g == nil {
		e.gapMu.Unlock()
		return
	}
	attempts := g.attempts
	e.gapMu.Unlock()
	if attempts <= e.backfillRetries {
		e.requestBackfill(ctx, id)
		return
	}
	e.lastWriterWins(ctx, id)
}

// lastWriterWins closes a gap nobody answered: the newest buffered update is
// adopted if it was written after the local copy.
func (e *Engine) lastWriterWins(ctx context.Context, id string) {
	e.gapMu.Lock()
	g := e.gaps[id]
	delete(e.gaps, id)
	e.gapMu.Unlock()
	if g == nil || len(g.pending) == 0 {
		return
	}
	versions := make([]int64, 0, len(g.pending))
	for v := range g.pending {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	newest := g.pending[versions[len(versions)-1]]
	var history []workflow.StageTransition
	for _, v := range versions {
		history = append(history, g.pending[v].transitions...)
	}

	for attempt := 0; attempt <= e.applyRetries; attempt++ {
		local, localV, err := e.loadLocal(ctx, id)
		if err != nil {
			logging.Error(component, "last-writer-wins load failed", "work_item_id", id, "error", err)
			return
		}
		if foreignItem(local, newest) {
			e.dropForeign(local, newest)
			e.metrics.IncSyncReceived(newest.kind, outcomeForeignTeam)
			return
		}
		if local != nil && (localV >= newest.item.Version || !newest.item.UpdatedAt.After(local.UpdatedAt)) {
			logging.Warn(component, "sync gap unresolved, kept local state", "work_item_id", id, "local_version", localV, "remote_version", newest.item.Version, "error", ErrSyncGap)
			e.metrics.IncSyncGap("kept_local")
			return
		}
		_, err = e.items.ApplyRemote(ctx, newest.item, history, localV)
		if errors.Is(err, workflow.ErrVersionConflict) {
			continue
		}
		if err != nil {
			logging.Error(component, "last-writer-wins apply failed", "work_item_id", id, "error", err)
			return
		}
		logging.Warn(component, "sync gap unresolved, adopted newest update", "work_item_id", id, "local_version", localV, "remote_version", newest.item.Version, "error", ErrSyncGap)
		e.metrics.IncSyncGap("last_writer_wins")
		e.metrics.IncSyncReceived(newest.kind, outcomeApplied)
		return
	}
	e.metrics.IncSyncReceived(newest.kind, outcomeConflict)
}

// drainGap applies buffered updates that became contiguous with the local
// copy, discarding those it has overtaken.
func (e *Engine) drainGap(ctx context.Context, id string) {
	conflicts := 0
	for {
		local, localV, err := e.loadLocal(ctx, id)
		if err != nil {
			logging.Warn(component, "gap drain stopped", "work_item_id", id, "error", err)
			return
		}
		e.gapMu.Lock()
		g := e.gaps[id]
		if g == nil {
			e.gapMu.Unlock()
			return
		}
		for v := range g.pending {
			if v <= localV {
				delete(g.pending, v)
			}
		}
		next, ok := g.pending[localV+1]
		if ok {
			delete(g.pending, localV+1)
		}
		if len(g.pending) == 0 {
			if g.timer != nil {
				g.timer.Stop()
			}
			delete(e.gaps, id)
		}
		e.gapMu.Unlock()

		if ok && foreignItem(local, next) {
			e.dropForeign(local, next)
			e.metrics.IncSyncReceived(next.kind, outcomeForeignTeam)
			continue
		}
		if !ok {
			if e.gapClosed(id) {
				logging.Info(component, "version gap closed", "work_item_id", id, "version", localV)
				e.metrics.IncSyncGap("closed")
			}
			return
		}
		if _, err := e.items.ApplyRemote(ctx, next.item, next.transitions, localV); err != nil {
			if errors.Is(err, workflow.ErrVersionConflict) && conflicts < e.applyRetries {
				conflicts++
				e.rebuffer(next)
				continue
			}
			logging.Warn(component, "buffered update not applied", "work_item_id", id, "version", next.item.Version, "error", err)
			return
		}
		e.metrics.IncSyncReceived(next.kind, outcomeApplied)
	}
}

func (e *Engine) gapClosed(id string) bool {
	e.gapMu.Lock()
	defer e.gapMu.Unlock()
	_, open := e.gaps[id]
	return !open
}

func (e *Engine) rebuffer(u remoteUpdate) {
	e.gapMu.Lock()
	defer e.gapMu.Unlock()
	g, ok := e.gaps[u.item.ID]
	if !ok {
		g = &gap{teamID: u.teamID, workflowID: u.item.WorkflowID, pending: make(map[int64]remoteUpdate)}
		e.gaps[u.item.ID] = g
	}
	g.pending[u.item.Version] = u
}

func (e *Engine) answerBackfill(ctx context.Context, req *WorkflowSyncMessage, p *BackfillRequest) {
	kind := string(MsgBackfillRequest)
	local, localV, err := e.loadLocal(ctx, p.WorkItemID)
	if err != nil {
		logging.Warn(component, "backfill lookup failed", "work_item_id", p.WorkItemID, "error", err)
		e.metrics.IncSyncReceived(kind, outcomeFailed)
		return
	}
	if local == nil || local.TeamID != req.TeamID || localV <= p.HaveVersion {
		e.metrics.IncSyncReceived(kind, outcomeIgnored)
		return
	}
	history, err := e.store.ListTransitions(ctx, local.ID)
	if err != nil {
		logging.Warn(component, "backfill history failed", "work_item_id", local.ID, "error", err)
		e.metrics.IncSyncReceived(kind, outcomeFailed)
		return
	}
	reply := &WorkflowSyncMessage{
		TeamID:     local.TeamID,
		WorkflowID: local.WorkflowID,
		Payload:    &WorkItemSnapshot{Item: local, History: history, RequestID: req.MessageID},
	}
	if err := e.Publish(ctx, reply); err != nil {
		logging.Warn(component, "backfill reply not sent", "work_item_id", local.ID, "error", err)
		e.metrics.IncSyncReceived(kind, outcomeFailed)
		return
	}
	e.metrics.IncSyncReceived(kind, outcomeAnswered)
}

func (e *Engine) applyWorkflowOp(ctx context.Context, op *SyncOperation) {
	kind := "op:" + string(op.TableName)
	if e.workflows == nil {
		e.metrics.IncSyncReceived(kind, outcomeIgnored)
		return
	}
	var (
		changed bool
		err     error
	)
	if op.Operation == OpDelete {
		changed, err = e.workflows.ApplyRemoteWorkflowDelete(ctx, op.RowID, op.Timestamp)
	} else {
		var wf workflow.Workflow
		if err = json.Unmarshal(op.Data, &wf); err == nil {
			switch {
			case wf.ID != op.RowID:
				err = fmt.Errorf("%w: workflow row %s carries id %s", ErrMalformedEnvelope, op.RowID, wf.ID)
			case wf.WorkflowType == workflow.WorkflowTypeTeam && wf.TeamID != op.TeamID:
				err = fmt.Errorf("%w: workflow %s belongs to team %s", ErrMalformedEnvelope, wf.ID, wf.TeamID)
			case wf.WorkflowType == workflow.WorkflowTypePersonal:
				err = fmt.Errorf("%w: personal workflow %s is not replicated", ErrMalformedEnvelope, wf.ID)
			}
		}
		if err == nil {
			changed, err = e.workflows.ApplyRemoteWorkflow(ctx, &wf)
		}
	}
	if err != nil {
		logging.Warn(component, "workflow operation not applied", "op_id", op.OpID, "row_id", op.RowID, "error", err)
		e.metrics.IncSyncReceived(kind, outcomeFailed)
		if !errors.Is(err, ErrMalformedEnvelope) {
			e.forget(op.OpID)
		}
		return
	}
	if changed {
		e.metrics.IncSyncReceived(kind, outcomeApplied)
		return
	}
	e.metrics.IncSyncReceived(kind, outcomeStale)
}

func (e *Engine) applyTransitionOp(ctx context.Context, op *SyncOperation, tr *workflow.StageTransition) {
	kind := "op:" + string(op.TableName)
	local, _, err := e.loadLocal(ctx, tr.WorkItemID)
	if err == nil && local != nil && local.TeamID != op.TeamID {
		err = fmt.Errorf("%w: work item %s belongs to team %s", ErrMalformedEnvelope, local.ID, local.TeamID)
	}
	if err == nil {
		err = e.store.AppendTransition(ctx, tr)
	}
	if err != nil {
		logging.Warn(component, "transition operation not applied", "op_id", op.OpID, "error", err)
		e.metrics.IncSyncReceived(kind, outcomeFailed)
		if !errors.Is(err, ErrMalformedEnvelope) {
			e.forget(op.OpID)
		}
		return
	}
	e.metrics.IncSyncReceived(kind, outcomeApplied)
}
