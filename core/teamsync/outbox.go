package teamsync

import (
	"context"
	"time"

	"github.com/cordum/teamflow/core/infra/bus"
	"github.com/cordum/teamflow/core/infra/logging"
)

func (e *Engine) send(ctx context.Context, f outbound) {
	e.outboxMu.Lock()
	backlog := len(e.outbox) > 0
	if backlog {
		e.parkLocked(f)
	}
	e.outboxMu.Unlock()
	if backlog {
		e.FlushOutbox(ctx)
		return
	}
	if err := e.transport.Broadcast(ctx, f.teamID, f.data); err != nil {
		logging.Warn(component, "broadcast failed, parked in outbox", "id", f.id, "type", f.kind, "team_id", f.teamID, "error", err)
		e.outboxMu.Lock()
		e.parkLocked(f)
		e.backoffLocked(err)
		e.outboxMu.Unlock()
		return
	}
	e.metrics.IncSyncPublished(f.kind, "sent")
}

func (e *Engine) parkLocked(f outbound) {
	if len(e.outbox) >= e.outboxLimit {
		dropped := e.outbox[0]
		e.outbox = e.outbox[1:]
		logging.Warn(component, "outbox full, dropping oldest frame", "id", dropped.id, "type", dropped.kind)
		e.metrics.IncSyncPublished(dropped.kind, "dropped")
	}
	e.outbox = append(e.outbox, f)
	e.metrics.IncSyncPublished(f.kind, "queued")
	e.metrics.SetOutboxDepth(len(e.outbox))
}

// backoffLocked holds the outbox for as long as the transport asked, when
// the failure carried a retry delay.
func (e *Engine) backoffLocked(err error) {
	delay, ok := bus.RetryDelay(err)
	if !ok || delay <= 0 {
		return
	}
	e.holdUntil = e.now().Add(delay)
}

// FlushOutbox retries parked frames in order and stops at the first failure.
// It sends nothing while a transport backoff is in force. It returns how
// many frames were sent.
func (e *Engine) FlushOutbox(ctx context.Context) int {
	e.outboxMu.Lock()
	defer e.outboxMu.Unlock()
	if now := e.now(); now.Before(e.holdUntil) {
		logging.Debug(component, "outbox held by transport backoff", "pending", len(e.outbox), "retry_in", e.holdUntil.Sub(now))
		return 0
	}
	e.holdUntil = time.Time{}
	sent := 0
	for len(e.outbox) > 0 {
		if ctx.Err() != nil {
			break
		}
		f := e.outbox[0]
		if err := e.transport.Broadcast(ctx, f.teamID, f.data); err != nil {
			logging.Debug(component, "outbox flush stopped", "pending", len(e.outbox), "error", err)
			e.backoffLocked(err)
			break
		}
		e.outbox[0] = outbound{}
		e.outbox = e.outbox[1:]
		e.metrics.IncSyncPublished(f.kind, "sent")
		sent++
	}
	e.metrics.SetOutboxDepth(len(e.outbox))
	return sent
}

// OutboxLen returns the number of parked frames.
func (e *Engine) OutboxLen() int {
	e.outboxMu.Lock()
	defer e.outboxMu.Unlock()
	return len(e.outbox)
}
