package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the orchestrator, the sync engine and the SLA monitor.
type Metrics interface {
	IncTransition(transition, result string)
	IncSyncReceived(messageType, outcome string)
	IncSyncPublished(messageType, outcome string)
	IncSyncGap(resolution string)
	SetOutboxDepth(n int)
	SetOverdue(teamID string, n int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncTransition(string, string)    {}
func (Noop) IncSyncReceived(string, string)  {}
func (Noop) IncSyncPublished(string, string) {}
func (Noop) IncSyncGap(string)               {}
func (Noop) SetOutboxDepth(int)              {}
func (Noop) SetOverdue(string, int)          {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	transitions   *prometheus.CounterVec
	syncReceived  *prometheus.CounterVec
	syncPublished *prometheus.CounterVec
	syncGaps      *prometheus.CounterVec
	outboxDepth   prometheus.Gauge
	overdue       *prometheus.GaugeVec
	once          sync.Once
}

// NewProm constructs and registers collectors on the default registerer.
func NewProm(namespace string) *Prom {
	p := &Prom{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_item_transitions_total",
			Help:      "Work item transitions by transition and result",
		}, []string{"transition", "result"}),
		syncReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_messages_received_total",
			Help:      "Inbound sync envelopes by message type and outcome",
		}, []string{"message_type", "outcome"}),
		syncPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_messages_published_total",
			Help:      "Outbound sync envelopes by message type and outcome",
		}, []string{"message_type", "outcome"}),
		syncGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_gaps_total",
			Help:      "Version gaps by resolution",
		}, []string{"resolution"}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_outbox_depth",
			Help:      "Signed envelopes waiting for a reachable transport",
		}),
		overdue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "work_items_overdue",
			Help:      "Overdue work items per team at the last SLA scan",
		}, []string{"team"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.transitions, p.syncReceived, p.syncPublished, p.syncGaps, p.outboxDepth, p.overdue)
	})
}

func (p *Prom) IncTransition(transition, result string) {
	p.transitions.WithLabelValues(transition, result).Inc()
}

func (p *Prom) IncSyncReceived(messageType, outcome string) {
	p.syncReceived.WithLabelValues(messageType, outcome).Inc()
}

func (p *Prom) IncSyncPublished(messageType, outcome string) {
	p.syncPublished.WithLabelValues(messageType, outcome).Inc()
}

func (p *Prom) IncSyncGap(resolution string) {
	p.syncGaps.WithLabelValues(resolution).Inc()
}

func (p *Prom) SetOutboxDepth(n int) {
	p.outboxDepth.Set(float64(n))
}

func (p *Prom) SetOverdue(teamID string, n int) {
	if teamID == "" {
		teamID = "none"
	}
	p.overdue.WithLabelValues(teamID).Set(float64(n))
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
