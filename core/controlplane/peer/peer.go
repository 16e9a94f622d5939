// Package peer wires one teamflow node: store, roster, workflow registry,
// orchestrator, SLA monitor, trigger scheduler, and the signed sync engine
// over the configured transport.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cordum/teamflow/core/infra/bus"
	"github.com/cordum/teamflow/core/infra/config"
	"github.com/cordum/teamflow/core/infra/idempotency"
	"github.com/cordum/teamflow/core/infra/logging"
	"github.com/cordum/teamflow/core/infra/metrics"
	"github.com/cordum/teamflow/core/infra/redisutil"
	"github.com/cordum/teamflow/core/orchestrator"
	"github.com/cordum/teamflow/core/permissions"
	"github.com/cordum/teamflow/core/teamsync"
	"github.com/cordum/teamflow/core/workflow"
)

const (
	component            = "peer"
	metricsNamespace     = "teamflow"
	defaultFlushInterval = 2 * time.Second
)

// Options overrides pieces Run would otherwise build from the config.
type Options struct {
	Store       workflow.Store
	Transport   teamsync.Transport
	Permissions permissions.Checker
	Metrics     metrics.Metrics
	Clock       func() time.Time
}

// Peer is a wired node. Build it with New and drive it with Serve.
type Peer struct {
	cfg *config.Config

	Store        workflow.Store
	Registry     *workflow.Registry
	Orchestrator *orchestrator.Orchestrator
	Monitor      *orchestrator.Monitor
	Scheduler    *orchestrator.Scheduler
	// Engine is nil for a peer that joined no team.
	Engine *teamsync.Engine

	transport teamsync.Transport
	ws        *bus.WSBus
	metrics   metrics.Metrics
	servers   []*http.Server

	wg        sync.WaitGroup
	closeOnce sync.Once
	closers   []func()
}

// Run builds a peer from cfg and serves until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := New(ctx, cfg, Options{})
	if err != nil {
		return err
	}
	return p.Serve(ctx)
}

// New validates cfg and wires every component. Nothing runs until Serve.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Peer{cfg: cfg, metrics: opts.Metrics}
	if p.metrics == nil {
		p.metrics = metrics.NewProm(metricsNamespace)
	}

	p.Store = opts.Store
	if p.Store == nil {
		store, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		p.Store = store
		p.closers = append(p.closers, func() { _ = store.Close() })
	}

	perms := opts.Permissions
	if perms == nil {
		var err error
		if perms, err = loadPermissions(cfg); err != nil {
			p.Close()
			return nil, err
		}
	}

	p.Registry = workflow.NewRegistry(p.Store, perms)
	if opts.Clock != nil {
		p.Registry.SetClock(opts.Clock)
	}
	if err := p.seedWorkflows(ctx); err != nil {
		p.Close()
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:       p.Store,
		Definitions: p.Registry,
		Permissions: perms,
		PeerID:      cfg.PeerID,
		Metrics:     p.metrics,
		Clock:       opts.Clock,
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Orchestrator = orch

	if len(cfg.Teams) > 0 {
		if err := p.wireSync(cfg, opts); err != nil {
			p.Close()
			return nil, err
		}
	} else {
		logging.Warn(component, "no teams joined, running local-only", "peer_id", cfg.PeerID)
	}

	p.Monitor, err = orchestrator.NewMonitor(orchestrator.MonitorConfig{
		Store:     p.Store,
		Schedule:  cfg.SLASchedule,
		Metrics:   p.metrics,
		Clock:     opts.Clock,
		OnOverdue: logOverdue,
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Scheduler, err = orchestrator.NewScheduler(orch, "")
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Peer) wireSync(cfg *config.Config, opts Options) error {
	keys, err := teamsync.NewKeyCache(cfg.SyncSecret)
	if err != nil {
		return fmt.Errorf("sync keys: %w", err)
	}
	p.transport = opts.Transport
	if p.transport == nil {
		if p.transport, err = p.openTransport(cfg); err != nil {
			return err
		}
	}
	seen, err := p.openSeenLog(cfg)
	if err != nil {
		return err
	}
	engine, err := teamsync.New(teamsync.Config{
		PeerID:          cfg.PeerID,
		Teams:           cfg.Teams,
		Keys:            keys,
		Transport:       p.transport,
		Store:           p.Store,
		Items:           p.Orchestrator,
		Workflows:       p.Registry,
		Seen:            seen,
		Metrics:         p.metrics,
		BackfillTimeout: cfg.BackfillTimeout,
		BackfillRetries: cfg.BackfillRetries,
		Clock:           opts.Clock,
	})
	if err != nil {
		return err
	}
	p.Engine = engine
	p.Orchestrator.SetEmitter(engine)
	p.Registry.SetReplicator(engine)
	return nil
}

// Serve starts the peer and blocks until ctx is done, then shuts it down.
func (p *Peer) Serve(ctx context.Context) error {
	p.Start(ctx)
	<-ctx.Done()
	p.Shutdown()
	return nil
}

// Start launches the sync engine, background loops and HTTP endpoints and
// returns once inbound frames are being handled. The loops stop when ctx is
// done; call Shutdown afterwards.
func (p *Peer) Start(ctx context.Context) {
	goLoop := func(fn func()) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			fn()
		}()
	}

	if p.Engine != nil {
		p.Engine.Start(ctx)
		goLoop(func() { p.flushLoop(ctx, defaultFlushInterval) })
		if p.ws != nil {
			for _, url := range p.cfg.WSPeers {
				goLoop(func() { p.ws.Connect(ctx, url) })
			}
		}
	}
	goLoop(func() {
		if err := p.Monitor.Run(ctx); err != nil {
			logging.Error(component, "sla monitor stopped", "error", err)
		}
	})
	goLoop(func() {
		if err := p.Scheduler.Run(ctx); err != nil {
			logging.Error(component, "scheduler stopped", "error", err)
		}
	})

	p.servers = p.startServers()
	logging.Info(component, "started", "peer_id", p.cfg.PeerID, "teams", p.cfg.Teams, "store", p.cfg.Store, "transport", p.cfg.Transport, "http", p.cfg.HTTPAddr)
}

// Shutdown stops the HTTP endpoints, waits for the background loops and
// closes the peer. The context given to Start must be done.
func (p *Peer) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	for _, srv := range p.servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if p.ws != nil {
		p.ws.Close()
	}
	p.wg.Wait()
	p.Close()
	logging.Info(component, "stopped", "peer_id", p.cfg.PeerID)
}

// Close releases the engine, transport and store. Safe to call twice.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		if p.Engine != nil {
			p.Engine.Close()
		}
		for i := len(p.closers) - 1; i >= 0; i-- {
			p.closers[i]()
		}
	})
}

func (p *Peer) flushLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Engine.OutboxLen() == 0 {
				continue
			}
			if n := p.Engine.FlushOutbox(ctx); n > 0 {
				logging.Info(component, "outbox flushed", "sent", n, "pending", p.Engine.OutboxLen())
			}
		}
	}
}

func (p *Peer) seedWorkflows(ctx context.Context) error {
	if p.cfg.WorkflowsPath == "" {
		return nil
	}
	seeds, err := config.LoadWorkflowSeeds(p.cfg.WorkflowsPath)
	if err != nil {
		return err
	}
	for _, wf := range seeds {
		stored, err := p.Registry.Seed(ctx, wf)
		if err != nil {
			return fmt.Errorf("seed workflow %s: %w", wf.ID, err)
		}
		if stored {
			logging.Info(component, "workflow seeded", "workflow_id", wf.ID, "type", wf.WorkflowType)
		}
	}
	return nil
}

func openStore(cfg *config.Config) (workflow.Store, error) {
	switch cfg.Store {
	case "redis":
		s, err := workflow.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := workflow.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	default:
		return workflow.NewMemoryStore(), nil
	}
}

func loadPermissions(cfg *config.Config) (permissions.Checker, error) {
	if cfg.RosterPath == "" {
		logging.Warn(component, "no roster configured, every user holds every role")
		return permissions.AllowAll{}, nil
	}
	roster, err := permissions.LoadRoster(cfg.RosterPath)
	if err != nil {
		return nil, err
	}
	return roster, nil
}

func (p *Peer) openTransport(cfg *config.Config) (teamsync.Transport, error) {
	switch cfg.Transport {
	case "nats":
		nb, err := bus.NewNatsBus(cfg.NatsURL, cfg.PeerID, cfg.Teams)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		p.closers = append(p.closers, nb.Close)
		return nb, nil
	case "websocket":
		p.ws = bus.NewWSBus(cfg.PeerID, cfg.Teams)
		return p.ws, nil
	case "channel":
		cb := bus.NewChannelBus(bus.NewChannelPubSub(), cfg.Teams)
		p.closers = append(p.closers, cb.Close)
		return cb, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// openSeenLog shares the idempotency log through Redis when the store lives
// there, so a restarted peer still recognises replays.
func (p *Peer) openSeenLog(cfg *config.Config) (idempotency.Log, error) {
	if cfg.Store != "redis" {
		return idempotency.NewMemoryLog(idempotency.DefaultTTL), nil
	}
	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("idempotency redis: %w", err)
	}
	p.closers = append(p.closers, func() { _ = client.Close() })
	return idempotency.NewRedisLog(client, idempotency.DefaultTTL), nil
}

func logOverdue(_ context.Context, overdue []orchestrator.Overdue) {
	for _, o := range overdue {
		logging.Warn("sla", "work item overdue",
			"work_item_id", o.Item.ID,
			"workflow_id", o.Item.WorkflowID,
			"stage", o.Item.CurrentStageID,
			"claimed_by", o.Item.ClaimedBy,
			"overdue_by", o.By.Round(time.Second).String(),
		)
	}
}

var errNoEngine = errors.New("peer has no sync engine")

// Flush retries parked sync frames now, unless the transport asked for a backoff.
func (p *Peer) Flush(ctx context.Context) (int, error) {
	if p.Engine == nil {
		return 0, errNoEngine
	}
	return p.Engine.FlushOutbox(ctx), nil
}
