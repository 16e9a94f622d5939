package peer

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cordum/teamflow/core/infra/buildinfo"
	"github.com/cordum/teamflow/core/infra/logging"
	"github.com/cordum/teamflow/core/infra/metrics"
)

const (
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 3 * time.Second
	wsPath                 = "/sync"
)

type status struct {
	PeerID    string   `json:"peer_id"`
	Teams     []string `json:"teams"`
	Store     string   `json:"store"`
	Transport string   `json:"transport"`
	Outbox    int      `json:"outbox"`
	Links     []string `json:"links,omitempty"`
	Scheduled []string `json:"scheduled,omitempty"`
	Build     string   `json:"build"`
}

// Handler serves health, status, metrics and, when the websocket transport
// listens on the HTTP address, peer links.
func (p *Peer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", p.handleStatus)
	mux.HandleFunc("/outbox/flush", p.handleFlush)
	mux.Handle("/metrics", metrics.Handler())
	if p.ws != nil && p.cfg.WSListen == p.cfg.HTTPAddr {
		mux.Handle(wsPath, p.ws)
	}
	return mux
}

func (p *Peer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := status{
		PeerID:    p.cfg.PeerID,
		Teams:     p.cfg.Teams,
		Store:     p.cfg.Store,
		Transport: p.cfg.Transport,
		Scheduled: p.Scheduler.Scheduled(),
		Build:     buildinfo.Info(),
	}
	if p.Engine != nil {
		st.Outbox = p.Engine.OutboxLen()
	}
	if p.ws != nil {
		st.Links = p.ws.Peers()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (p *Peer) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sent, err := p.Flush(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"sent": sent, "pending": p.Engine.OutboxLen()})
}

func (p *Peer) startServers() []*http.Server {
	var servers []*http.Server
	if p.cfg.HTTPAddr != "" {
		servers = append(servers, p.listen(p.cfg.HTTPAddr, p.Handler()))
	}
	if p.ws != nil && p.cfg.WSListen != "" && p.cfg.WSListen != p.cfg.HTTPAddr {
		mux := http.NewServeMux()
		mux.Handle(wsPath, p.ws)
		servers = append(servers, p.listen(p.cfg.WSListen, mux))
	}
	return servers
}

func (p *Peer) listen(addr string, h http.Handler) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "http server error", "addr", addr, "error", err)
		}
	}()
	return srv
}
