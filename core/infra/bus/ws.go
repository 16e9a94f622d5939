package bus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/teamflow/core/infra/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 256
	wsMaxFrame   = 4 << 20
)

// ErrNoPeers is returned by Broadcast when no link serves the team.
var ErrNoPeers = errors.New("no connected peers for team")

// wsHello is the first frame on every link. Frames for a team are only
// written to links whose remote declared that team.
type wsHello struct {
	PeerID string   `json:"peer_id"`
	Teams  []string `json:"teams"`
}

type wsLink struct {
	conn   *websocket.Conn
	peerID string
	teams  map[string]bool
	send   chan []byte
	once   sync.Once
}

func (l *wsLink) close() {
	l.once.Do(func() {
		close(l.send)
		_ = l.conn.Close()
	})
}

// WSBus links peers directly over WebSockets. It serves inbound links via
// ServeHTTP and dials outbound ones with Connect.
type WSBus struct {
	hello    wsHello
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	mu      sync.RWMutex
	links   map[*wsLink]struct{}
	handler func([]byte) bool
}

// NewWSBus returns a bus announcing peerID as a member of teams.
func NewWSBus(peerID string, teams []string) *WSBus {
	return &WSBus{
		hello: wsHello{PeerID: peerID, Teams: append([]string(nil), teams...)},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		links:  make(map[*wsLink]struct{}),
	}
}

// OnMessage installs the inbound frame handler.
func (b *WSBus) OnMessage(handler func([]byte) bool) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Broadcast queues data on every link serving teamID. Slow links are dropped.
func (b *WSBus) Broadcast(_ context.Context, teamID string, data []byte) error {
	if teamID == "" {
		return errEmptyTeam
	}
	if len(data) == 0 {
		return errEmptyFrame
	}
	var slow []*wsLink
	sent := 0
	b.mu.RLock()
	for l := range b.links {
		if !l.teams[teamID] {
			continue
		}
		select {
		case l.send <- data:
			sent++
		default:
			slow = append(slow, l)
		}
	}
	b.mu.RUnlock()
	for _, l := range slow {
		logging.Warn("bus", "dropping slow websocket peer", "peer_id", l.peerID)
		b.remove(l)
	}
	if sent == 0 {
		return RetryAfter(fmt.Errorf("%w: %s", ErrNoPeers, teamID), 5*time.Second)
	}
	return nil
}

// Peers returns the ids of connected peers.
func (b *WSBus) Peers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.links))
	for l := range b.links {
		out = append(out, l.peerID)
	}
	return out
}

// ServeHTTP upgrades an inbound peer link.
func (b *WSBus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("bus", "ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	l, err := b.handshake(conn)
	if err != nil {
		logging.Warn("bus", "ws handshake failed", "remote", r.RemoteAddr, "error", err)
		_ = conn.Close()
		return
	}
	b.add(l)
	b.run(l)
}

// Dial opens one outbound link to url and returns once the handshake is done.
func (b *WSBus) Dial(ctx context.Context, url string) error {
	conn, _, err := b.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	l, err := b.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("handshake %s: %w", url, err)
	}
	b.add(l)
	go b.run(l)
	return nil
}

// Connect keeps an outbound link to url alive until ctx is done.
func (b *WSBus) Connect(ctx context.Context, url string) {
	backoff := time.Second
	for ctx.Err() == nil {
		conn, _, err := b.dialer.DialContext(ctx, url, nil)
		if err == nil {
			var l *wsLink
			if l, err = b.handshake(conn); err == nil {
				backoff = time.Second
				logging.Info("bus", "ws peer linked", "url", url, "peer_id", l.peerID)
				b.add(l)
				b.run(l)
				continue
			}
			_ = conn.Close()
		}
		logging.Debug("bus", "ws dial failed", "url", url, "retry_in", backoff, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Close drops every link.
func (b *WSBus) Close() {
	b.mu.Lock()
	links := make([]*wsLink, 0, len(b.links))
	for l := range b.links {
		links = append(links, l)
	}
	b.links = make(map[*wsLink]struct{})
	b.mu.Unlock()
	for _, l := range links {
		l.close()
	}
}

func (b *WSBus) handshake(conn *websocket.Conn) (*wsLink, error) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(b.hello); err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsWriteWait))
	var remote wsHello
	if err := conn.ReadJSON(&remote); err != nil {
		return nil, err
	}
	if remote.PeerID == "" {
		return nil, errors.New("peer id missing from hello")
	}
	teams := make(map[string]bool, len(remote.Teams))
	for _, t := range remote.Teams {
		teams[t] = true
	}
	return &wsLink{conn: conn, peerID: remote.PeerID, teams: teams, send: make(chan []byte, wsSendBuffer)}, nil
}

func (b *WSBus) add(l *wsLink) {
	b.mu.Lock()
	b.links[l] = struct{}{}
	b.mu.Unlock()
}

// run pumps writes in the background and reads until the link fails.
func (b *WSBus) run(l *wsLink) {
	defer b.remove(l)

	go b.writeLoop(l)

	l.conn.SetReadLimit(wsMaxFrame)
	_ = l.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("bus", "ws link read failed", "peer_id", l.peerID, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		b.mu.RLock()
		h := b.handler
		b.mu.RUnlock()
		if h != nil {
			h(data)
		}
	}
}

func (b *WSBus) writeLoop(l *wsLink) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = l.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.remove(l)
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.remove(l)
				return
			}
		}
	}
}

func (b *WSBus) remove(l *wsLink) {
	b.mu.Lock()
	delete(b.links, l)
	b.mu.Unlock()
	l.close()
}
