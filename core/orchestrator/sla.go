package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cordum/teamflow/core/infra/logging"
	"github.com/cordum/teamflow/core/infra/metrics"
	"github.com/cordum/teamflow/core/workflow"
)

const (
	slaComponent       = "sla"
	defaultSLASchedule = "@every 30s"
)

// Overdue is an active item past its deadline.
type Overdue struct {
	Item *workflow.WorkItem
	By   time.Duration
}

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Store    workflow.Store
	Schedule string
	Metrics  metrics.Metrics
	Clock    func() time.Time
	// OnOverdue receives every non-empty scan result.
	OnOverdue func(ctx context.Context, overdue []Overdue)
}

// Monitor scans for work items that missed their stage deadline. It only
// reads; deadlines never change item state or version.
type Monitor struct {
	store     workflow.Store
	schedule  string
	metrics   metrics.Metrics
	now       func() time.Time
	onOverdue func(context.Context, []Overdue)

	mu       sync.Mutex
	reported map[string]bool
}

// NewMonitor validates the scan schedule and builds a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Store == nil {
		return nil, errors.New("sla monitor: store required")
	}
	m := &Monitor{
		store:     cfg.Store,
		schedule:  cfg.Schedule,
		metrics:   cfg.Metrics,
		now:       cfg.Clock,
		onOverdue: cfg.OnOverdue,
		reported:  make(map[string]bool),
	}
	if m.schedule == "" {
		m.schedule = defaultSLASchedule
	}
	if _, err := cron.ParseStandard(m.schedule); err != nil {
		return nil, fmt.Errorf("sla schedule %q: %w", m.schedule, err)
	}
	if m.metrics == nil {
		m.metrics = metrics.Noop{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// CheckOverdue returns active items past due, most overdue first. A non-empty
// userID keeps only items claimed by or assigned to that user.
func (m *Monitor) CheckOverdue(ctx context.Context, userID string) ([]Overdue, error) {
	items, err := m.store.QueryWorkItems(ctx, workflow.WorkItemFilter{Statuses: workflow.ActiveStatuses})
	if err != nil {
		return nil, fmt.Errorf("query active items: %w", err)
	}
	now := m.now()
	var out []Overdue
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if userID != "" && item.ClaimedBy != userID && item.Assignee != userID {
			continue
		}
		if !item.Overdue(now) {
			continue
		}
		out = append(out, Overdue{Item: item, By: now.Sub(*item.DueAt)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].By != out[j].By {
			return out[i].By > out[j].By
		}
		return out[i].Item.ID < out[j].Item.ID
	})
	return out, nil
}

// Scan runs one full check, refreshes the per-team gauge and hands the
// result to the callback.
func (m *Monitor) Scan(ctx context.Context) ([]Overdue, error) {
	overdue, err := m.CheckOverdue(ctx, "")
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, o := range overdue {
		counts[o.Item.TeamID]++
	}
	m.mu.Lock()
	for team := range m.reported {
		if _, ok := counts[team]; !ok {
			m.metrics.SetOverdue(team, 0)
			delete(m.reported, team)
		}
	}
	for team, n := range counts {
		m.metrics.SetOverdue(team, n)
		m.reported[team] = true
	}
	m.mu.Unlock()

	if len(overdue) > 0 {
		logging.Debug(slaComponent, "overdue work items", "count", len(overdue))
		if m.onOverdue != nil {
			m.onOverdue(ctx, overdue)
		}
	}
	return overdue, nil
}

// Run scans on the configured schedule until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{}), cron.Recover(cronLogger{})))
	if _, err := c.AddFunc(m.schedule, func() {
		if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
			logging.Warn(slaComponent, "overdue scan failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sla scan: %w", err)
	}
	logging.Info(slaComponent, "sla monitor started", "schedule", m.schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger routes robfig/cron logs through the structured logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("cron", msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("cron", msg, append(keysAndValues, "error", err)...)
}
